package instance

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	pubsub "google.golang.org/api/pubsub/v1"

	"github.com/Martian-dev/mailsync/internal/models"
)

// ErrTopicMismatch is returned when an existing subscription is attached to another topic.
var ErrTopicMismatch = errors.New("subscription is attached to a different topic")

// Provisioning outcomes
const (
	ActionCreated   = "created"
	ActionUpdated   = "updated"
	ActionUnchanged = "unchanged"
)

// ProvisionerConfig configures the Pub/Sub provisioner
type ProvisionerConfig struct {
	ProjectID string
	// Topic is the short name or full resource name of the shared Gmail topic.
	Topic       string
	AckDeadline time.Duration
	Retention   time.Duration
}

// ProvisionResult reports what Provision did to one instance's subscription
type ProvisionResult struct {
	InstanceID   string `json:"instanceId"`
	Subscription string `json:"subscription"`
	Action       string `json:"action"`
	PushEndpoint string `json:"pushEndpoint"`
}

// Stats describes an instance's subscription as Pub/Sub reports it
type Stats struct {
	InstanceID         string `json:"instanceId"`
	Environment        string `json:"environment"`
	Subscription       string `json:"subscription"`
	Exists             bool   `json:"exists"`
	Topic              string `json:"topic,omitempty"`
	PushEndpoint       string `json:"pushEndpoint,omitempty"`
	PushServiceAccount string `json:"pushServiceAccount,omitempty"`
	State              string `json:"state,omitempty"`
	AckDeadlineSeconds int64  `json:"ackDeadlineSeconds,omitempty"`
	RetentionDuration  string `json:"retentionDuration,omitempty"`
	EndpointInSync     bool   `json:"endpointInSync"`
}

// WebhookTest is the outcome of posting a synthetic notification to an instance
type WebhookTest struct {
	InstanceID string        `json:"instanceId"`
	URL        string        `json:"url"`
	StatusCode int           `json:"statusCode"`
	Latency    time.Duration `json:"latency"`
	Body       string        `json:"body,omitempty"`
}

// Provisioner manages the per-instance push subscriptions on the shared topic
type Provisioner struct {
	svc    *pubsub.Service
	cfg    ProvisionerConfig
	client *http.Client
	log    logrus.FieldLogger
}

// NewProvisioner creates a provisioner. Without options the Pub/Sub client uses
// application default credentials.
func NewProvisioner(ctx context.Context, cfg ProvisionerConfig, log logrus.FieldLogger, opts ...option.ClientOption) (*Provisioner, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("pubsub topic is required")
	}
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = 60 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}

	svc, err := pubsub.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub service: %w", err)
	}
	return &Provisioner{
		svc:    svc,
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log.WithField("component", "provisioner"),
	}, nil
}

// SetHTTPClient replaces the client used by TestWebhook
func (p *Provisioner) SetHTTPClient(c *http.Client) {
	p.client = c
}

func (p *Provisioner) topicName() string {
	if strings.HasPrefix(p.cfg.Topic, "projects/") {
		return p.cfg.Topic
	}
	return fmt.Sprintf("projects/%s/topics/%s", p.cfg.ProjectID, p.cfg.Topic)
}

func (p *Provisioner) subscriptionName(inst models.Instance) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", p.cfg.ProjectID, inst.SubscriptionName)
}

func pushConfig(inst models.Instance) *pubsub.PushConfig {
	cfg := &pubsub.PushConfig{
		PushEndpoint: inst.WebhookURL,
		Attributes:   map[string]string{"x-goog-version": "v1"},
	}
	if inst.PushServiceAccount != "" {
		cfg.OidcToken = &pubsub.OidcToken{
			ServiceAccountEmail: inst.PushServiceAccount,
			Audience:            inst.WebhookURL,
		}
	}
	return cfg
}

// Provision makes sure the instance's subscription exists and pushes to its
// webhook URL. It describes before it creates, so running it twice is harmless.
func (p *Provisioner) Provision(ctx context.Context, inst models.Instance) (*ProvisionResult, error) {
	if inst.WebhookURL == "" {
		return nil, fmt.Errorf("instance %s has no webhook url", inst.ID)
	}
	name := p.subscriptionName(inst)
	log := p.log.WithFields(logrus.Fields{"instance_id": inst.ID, "subscription": name})
	res := &ProvisionResult{InstanceID: inst.ID, Subscription: name, PushEndpoint: inst.WebhookURL}

	existing, err := p.svc.Projects.Subscriptions.Get(name).Context(ctx).Do()
	switch {
	case isNotFound(err):
		sub := &pubsub.Subscription{
			Topic:                    p.topicName(),
			PushConfig:               pushConfig(inst),
			AckDeadlineSeconds:       int64(p.cfg.AckDeadline / time.Second),
			MessageRetentionDuration: fmt.Sprintf("%ds", int64(p.cfg.Retention/time.Second)),
			Labels:                   map[string]string{"instance": labelValue(inst.ID), "environment": labelValue(inst.Environment)},
		}
		if _, err := p.svc.Projects.Subscriptions.Create(name, sub).Context(ctx).Do(); err != nil {
			return nil, fmt.Errorf("failed to create subscription %s: %w", name, err)
		}
		log.Info("subscription created")
		res.Action = ActionCreated
		return res, nil
	case err != nil:
		return nil, fmt.Errorf("failed to describe subscription %s: %w", name, err)
	}

	if existing.Topic != p.topicName() {
		return nil, fmt.Errorf("%w: %s is attached to %s", ErrTopicMismatch, name, existing.Topic)
	}
	if pushConfigMatches(existing.PushConfig, inst) {
		res.Action = ActionUnchanged
		return res, nil
	}

	req := &pubsub.ModifyPushConfigRequest{PushConfig: pushConfig(inst)}
	if _, err := p.svc.Projects.Subscriptions.ModifyPushConfig(name, req).Context(ctx).Do(); err != nil {
		return nil, fmt.Errorf("failed to update push config of %s: %w", name, err)
	}
	log.WithField("push_endpoint", inst.WebhookURL).Info("subscription push config updated")
	res.Action = ActionUpdated
	return res, nil
}

// Delete removes the instance's subscription. A missing subscription is not an error.
func (p *Provisioner) Delete(ctx context.Context, inst models.Instance) error {
	name := p.subscriptionName(inst)
	if _, err := p.svc.Projects.Subscriptions.Delete(name).Context(ctx).Do(); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete subscription %s: %w", name, err)
	}
	p.log.WithFields(logrus.Fields{"instance_id": inst.ID, "subscription": name}).Info("subscription deleted")
	return nil
}

// Stats describes the instance's subscription
func (p *Provisioner) Stats(ctx context.Context, inst models.Instance) (*Stats, error) {
	name := p.subscriptionName(inst)
	st := &Stats{InstanceID: inst.ID, Environment: inst.Environment, Subscription: name}

	sub, err := p.svc.Projects.Subscriptions.Get(name).Context(ctx).Do()
	if isNotFound(err) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to describe subscription %s: %w", name, err)
	}

	st.Exists = true
	st.Topic = sub.Topic
	st.State = sub.State
	st.AckDeadlineSeconds = sub.AckDeadlineSeconds
	st.RetentionDuration = sub.MessageRetentionDuration
	if sub.PushConfig != nil {
		st.PushEndpoint = sub.PushConfig.PushEndpoint
		if sub.PushConfig.OidcToken != nil {
			st.PushServiceAccount = sub.PushConfig.OidcToken.ServiceAccountEmail
		}
	}
	st.EndpointInSync = pushConfigMatches(sub.PushConfig, inst)
	return st, nil
}

// TestWebhook posts a synthetic Gmail notification for emailAddress to the
// instance's webhook. The router acknowledges notifications for unknown
// mailboxes, so any address works.
func (p *Provisioner) TestWebhook(ctx context.Context, inst models.Instance, emailAddress string) (*WebhookTest, error) {
	if inst.WebhookURL == "" {
		return nil, fmt.Errorf("instance %s has no webhook url", inst.ID)
	}
	data, err := json.Marshal(models.GmailNotification{EmailAddress: emailAddress, HistoryID: "0", Type: "test"})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(models.PushEnvelope{
		Message: models.PushMessage{
			Data:        base64.StdEncoding.EncodeToString(data),
			MessageID:   "test-" + uuid.NewString(),
			PublishTime: time.Now().UTC().Format(time.RFC3339),
		},
		Subscription: p.subscriptionName(inst),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inst.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build test request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach webhook %s: %w", inst.WebhookURL, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	return &WebhookTest{
		InstanceID: inst.ID,
		URL:        inst.WebhookURL,
		StatusCode: resp.StatusCode,
		Latency:    time.Since(start),
		Body:       string(respBody),
	}, nil
}

func pushConfigMatches(cfg *pubsub.PushConfig, inst models.Instance) bool {
	if cfg == nil || cfg.PushEndpoint != inst.WebhookURL {
		return false
	}
	var sa string
	if cfg.OidcToken != nil {
		sa = cfg.OidcToken.ServiceAccountEmail
	}
	return sa == inst.PushServiceAccount
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// labelValue lowercases a value into the character set Pub/Sub labels accept
func labelValue(v string) string {
	v = strings.ToLower(v)
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
