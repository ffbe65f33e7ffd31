package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/crypto"
	"github.com/Martian-dev/mailsync/internal/instance"
	"github.com/Martian-dev/mailsync/internal/models"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/imap"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/scheduler"
	"github.com/Martian-dev/mailsync/internal/store/sqlite"
	"github.com/Martian-dev/mailsync/internal/sync"
)

var errNoProvisioner = errors.New("PUBSUB_PROJECT_ID and PUBSUB_TOPIC are required to manage subscriptions")

// app is the wired service
type app struct {
	cfg *config.Config
	log *logrus.Logger

	store     *sqlite.Store
	guardian  *auth.Guardian
	manager   *sync.Manager
	scheduler *scheduler.Scheduler
	registry  *instance.Registry
	gmail     *gmail.Adapter
	// provisioner and publisher are nil when their settings are missing
	provisioner *instance.Provisioner
	publisher   *natsjs.Publisher
	// degraded lists startup problems the service runs without
	degraded []string
}

// buildApp opens the store and wires every component
func buildApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*app, error) {
	registry, err := newRegistry(cfg)
	if err != nil {
		return nil, err
	}

	st, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, store: st, registry: registry}

	// Without a key the service still serves webhooks and reports; syncs of
	// stored credentials fail with crypto.ErrNoKey
	codec, err := crypto.NewTokenCodec(cfg.EncryptionKey)
	if err != nil {
		log.WithError(err).Error("token codec unavailable, oauth and imap syncs are disabled")
		a.degraded = append(a.degraded, "MAILSYNC_ENCRYPTION_KEY: "+err.Error())
	}

	gmailAdapter := gmail.New(st, gmail.Config{TopicName: topicName(cfg.PubSub)}, log)
	a.gmail = gmailAdapter
	outlookAdapter := outlook.New(st, outlook.Config{
		NotificationURL: cfg.OutlookNotificationURL,
		ClientState:     cfg.OutlookClientState,
	}, log)
	imapAdapter := imap.New(st, codec, imap.Config{}, log)

	a.guardian = auth.NewGuardian(st, codec, log)
	a.guardian.Register(models.ProviderGmail, auth.NewGoogleRefresher(cfg.Google.ClientID, cfg.Google.ClientSecret), gmailAdapter)
	a.guardian.Register(models.ProviderOutlook, auth.NewMicrosoftRefresher(cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret, cfg.Microsoft.Tenant), outlookAdapter)

	a.manager = sync.NewManager(st, st, a.guardian, log, sync.DefaultOptions())
	a.manager.SetOutbox(st)
	a.manager.RegisterAdapter(gmailAdapter)
	a.manager.RegisterAdapter(outlookAdapter)
	a.manager.RegisterAdapter(imapAdapter)

	a.scheduler = scheduler.New(st, a.manager, cfg.Scheduler, log)

	if a.provisioner, err = newProvisioner(ctx, cfg, log); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.NatsURL != "" {
		pub, err := natsjs.NewPublisher(cfg.NatsURL, natsjs.DefaultStreamConfig(), log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.publisher = pub
		if err := pub.EnsureStream(); err != nil {
			a.Close()
			return nil, err
		}
	}

	return a, nil
}

// Close releases the store and the NATS connection
func (a *app) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("failed to close store")
		}
	}
}

// newRegistry builds the instance registry. INSTANCE_ID only marks the
// current instance when it is one of the configured ones.
func newRegistry(cfg *config.Config) (*instance.Registry, error) {
	current := ""
	for _, inst := range cfg.Instances {
		if inst.ID == cfg.InstanceID {
			current = inst.ID
		}
	}
	reg, err := instance.NewRegistry(cfg.Instances, current)
	if err != nil {
		return nil, fmt.Errorf("invalid instance configuration: %w", err)
	}
	return reg, nil
}

// newProvisioner returns nil when Pub/Sub is not configured. Credentials come
// from GOOGLE_APPLICATION_CREDENTIALS through application default credentials.
func newProvisioner(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*instance.Provisioner, error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.Topic == "" {
		return nil, nil
	}
	p, err := instance.NewProvisioner(ctx, instance.ProvisionerConfig{
		ProjectID: cfg.PubSub.ProjectID,
		Topic:     cfg.PubSub.Topic,
	}, log)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// topicName is the full resource name Gmail users.watch publishes to
func topicName(ps config.PubSubConfig) string {
	if ps.Topic == "" || strings.HasPrefix(ps.Topic, "projects/") {
		return ps.Topic
	}
	return fmt.Sprintf("projects/%s/topics/%s", ps.ProjectID, ps.Topic)
}
