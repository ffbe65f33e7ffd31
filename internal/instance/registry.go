package instance

import (
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/Martian-dev/mailsync/internal/models"
)

var (
	// ErrUnknownInstance is returned for an instance id that is not configured.
	ErrUnknownInstance = errors.New("unknown instance")
	// ErrInvalidWebhookURL is returned when a webhook URL is not an absolute https URL.
	ErrInvalidWebhookURL = errors.New("webhook url must be an absolute https url")
)

// Registry is the configured list of deployed instances. Every instance owns
// its own push subscription on the shared topic.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*models.Instance
	order     []string
	current   string
}

// NewRegistry validates the configured instances. current is the id of this process.
func NewRegistry(instances []models.Instance, current string) (*Registry, error) {
	r := &Registry{instances: make(map[string]*models.Instance, len(instances)), current: current}
	for i := range instances {
		inst := instances[i]
		if inst.ID == "" {
			return nil, fmt.Errorf("instance %d has no id", i)
		}
		if _, dup := r.instances[inst.ID]; dup {
			return nil, fmt.Errorf("instance %q configured twice", inst.ID)
		}
		if inst.SubscriptionName == "" {
			inst.SubscriptionName = "gmail-push-" + inst.ID
		}
		r.instances[inst.ID] = &inst
		r.order = append(r.order, inst.ID)
	}
	if current != "" {
		if _, ok := r.instances[current]; !ok {
			return nil, fmt.Errorf("%w: current instance %q", ErrUnknownInstance, current)
		}
	}
	return r, nil
}

// CurrentID returns the id of the instance this process runs as
func (r *Registry) CurrentID() string {
	return r.current
}

// Current returns the instance this process runs as
func (r *Registry) Current() (models.Instance, bool) {
	if r.current == "" {
		return models.Instance{}, false
	}
	inst, err := r.Get(r.current)
	return inst, err == nil
}

// Get returns a copy of one instance
func (r *Registry) Get(id string) (models.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return models.Instance{}, fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	return *inst, nil
}

// List returns all instances in configuration order
func (r *Registry) List() []models.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Instance, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.instances[id])
	}
	return out
}

// Active returns the instances that should have a push subscription
func (r *Registry) Active() []models.Instance {
	var out []models.Instance
	for _, inst := range r.List() {
		if inst.Active {
			out = append(out, inst)
		}
	}
	return out
}

// SetWebhookURL changes the push endpoint of an instance. The subscription
// itself is updated by the provisioner.
func (r *Registry) SetWebhookURL(id, raw string) (models.Instance, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return models.Instance{}, ErrInvalidWebhookURL
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return models.Instance{}, fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	inst.WebhookURL = u.String()
	return *inst, nil
}
