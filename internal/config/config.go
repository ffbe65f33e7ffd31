package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/scheduler"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// OAuthClient is the OAuth application registered with one provider
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	// Tenant is only used by Microsoft; "common" accepts any account.
	Tenant string
}

// PubSubConfig is the shared Gmail push topic
type PubSubConfig struct {
	ProjectID       string
	Topic           string
	WebhookEnabled  bool
	CredentialsFile string
	// WebhookURL is this instance's push endpoint when no instance list is configured.
	WebhookURL string
}

// Config is the process configuration
type Config struct {
	Environment   string
	Port          string
	LogLevel      string
	DBPath        string
	EncryptionKey string
	NatsURL       string
	InstanceID    string

	Google    OAuthClient
	Microsoft OAuthClient
	PubSub    PubSubConfig

	OutlookNotificationURL string
	OutlookClientState     string

	PushAudience       string
	PushServiceAccount string

	Instances []models.Instance
	Scheduler scheduler.Config
	// CronEnabled starts the scheduler with the server.
	CronEnabled bool

	// ConfigFile is the yaml file that was read, empty when none was found.
	ConfigFile string

	v *viper.Viper
}

// envBindings maps config keys onto the environment variables that set them
var envBindings = [][2]string{
	{"env", "MAILSYNC_ENV"},
	{"port", "PORT"},
	{"log_level", "LOG_LEVEL"},
	{"db_path", "MAILSYNC_DB_PATH"},
	{"encryption_key", "MAILSYNC_ENCRYPTION_KEY"},
	{"nats_url", "NATS_URL"},
	{"instance_id", "INSTANCE_ID"},
	{"google.client_id", "GOOGLE_CLIENT_ID"},
	{"google.client_secret", "GOOGLE_CLIENT_SECRET"},
	{"google.application_credentials", "GOOGLE_APPLICATION_CREDENTIALS"},
	{"microsoft.client_id", "MICROSOFT_CLIENT_ID"},
	{"microsoft.client_secret", "MICROSOFT_CLIENT_SECRET"},
	{"microsoft.tenant", "MICROSOFT_TENANT"},
	{"pubsub.project_id", "PUBSUB_PROJECT_ID"},
	{"pubsub.topic", "PUBSUB_TOPIC"},
	{"gmail.webhook_enabled", "GMAIL_WEBHOOK_ENABLED"},
	{"gmail.webhook_url", "GMAIL_WEBHOOK_URL"},
	{"outlook.notification_url", "OUTLOOK_NOTIFICATION_URL"},
	{"outlook.client_state", "OUTLOOK_CLIENT_STATE"},
	{"push_auth.audience", "PUSH_AUTH_AUDIENCE"},
	{"push_auth.service_account", "PUSH_AUTH_SERVICE_ACCOUNT"},
	{"scheduler.enabled", "SYNC_CRON_ENABLED"},
	{"scheduler.setup_spec", "SYNC_SETUP_SPEC"},
	{"scheduler.renew_spec", "SYNC_RENEW_SPEC"},
	{"scheduler.cleanup_spec", "SYNC_CLEANUP_SPEC"},
	{"scheduler.poll_spec", "SYNC_POLL_SPEC"},
}

// Load reads .env (development only), the optional yaml file and the environment.
// An empty configFile looks for mailsync.yaml in the working directory.
func Load(configFile string) (*Config, error) {
	env := os.Getenv("MAILSYNC_ENV")
	if env == "" {
		env = EnvDevelopment
	}
	if env == EnvDevelopment {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("mailsync")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	setDefaults(v)
	for _, b := range envBindings {
		if err := v.BindEnv(b[0], b[1]); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", b[1], err)
		}
	}

	cfg := &Config{
		Environment:   v.GetString("env"),
		Port:          v.GetString("port"),
		LogLevel:      v.GetString("log_level"),
		DBPath:        v.GetString("db_path"),
		EncryptionKey: v.GetString("encryption_key"),
		NatsURL:       v.GetString("nats_url"),
		InstanceID:    v.GetString("instance_id"),
		Google: OAuthClient{
			ClientID:     v.GetString("google.client_id"),
			ClientSecret: v.GetString("google.client_secret"),
		},
		Microsoft: OAuthClient{
			ClientID:     v.GetString("microsoft.client_id"),
			ClientSecret: v.GetString("microsoft.client_secret"),
			Tenant:       v.GetString("microsoft.tenant"),
		},
		PubSub: PubSubConfig{
			ProjectID:       v.GetString("pubsub.project_id"),
			Topic:           v.GetString("pubsub.topic"),
			WebhookEnabled:  v.GetBool("gmail.webhook_enabled"),
			CredentialsFile: v.GetString("google.application_credentials"),
			WebhookURL:      v.GetString("gmail.webhook_url"),
		},
		OutlookNotificationURL: v.GetString("outlook.notification_url"),
		OutlookClientState:     v.GetString("outlook.client_state"),
		PushAudience:           v.GetString("push_auth.audience"),
		PushServiceAccount:     v.GetString("push_auth.service_account"),
		Scheduler: scheduler.Config{
			SetupSpec:         v.GetString("scheduler.setup_spec"),
			RenewSpec:         v.GetString("scheduler.renew_spec"),
			CleanupSpec:       v.GetString("scheduler.cleanup_spec"),
			PollSpec:          v.GetString("scheduler.poll_spec"),
			MinSetupInterval:  v.GetDuration("scheduler.min_setup_interval"),
			AccountsPerSecond: v.GetFloat64("scheduler.accounts_per_second"),
			Jitter:            v.GetDuration("scheduler.jitter"),
			RunOnStart:        v.GetBool("scheduler.run_on_start"),
		},
		CronEnabled: v.GetBool("scheduler.enabled"),
		ConfigFile:  v.ConfigFileUsed(),
		v:           v,
	}

	if err := v.UnmarshalKey("instances", &cfg.Instances); err != nil {
		return nil, fmt.Errorf("failed to decode instances: %w", err)
	}
	if len(cfg.Instances) == 0 && cfg.InstanceID != "" {
		cfg.Instances = []models.Instance{{
			ID:                 cfg.InstanceID,
			Environment:        cfg.Environment,
			WebhookURL:         cfg.PubSub.WebhookURL,
			PushServiceAccount: cfg.PushServiceAccount,
			Active:             true,
		}}
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	sched := scheduler.DefaultConfig()

	v.SetDefault("env", EnvDevelopment)
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("db_path", "data/mailsync.db")
	v.SetDefault("instance_id", "local")
	v.SetDefault("microsoft.tenant", "common")
	v.SetDefault("gmail.webhook_enabled", false)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.setup_spec", sched.SetupSpec)
	v.SetDefault("scheduler.renew_spec", sched.RenewSpec)
	v.SetDefault("scheduler.cleanup_spec", sched.CleanupSpec)
	v.SetDefault("scheduler.poll_spec", sched.PollSpec)
	v.SetDefault("scheduler.min_setup_interval", sched.MinSetupInterval)
	v.SetDefault("scheduler.accounts_per_second", sched.AccountsPerSecond)
	v.SetDefault("scheduler.jitter", sched.Jitter)
	v.SetDefault("scheduler.run_on_start", sched.RunOnStart)
}

// IsProduction reports whether the process runs with MAILSYNC_ENV=production
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// MissingRequired lists required environment variables that are not set.
// The Pub/Sub variables are only required while the Gmail webhook is enabled.
func (c *Config) MissingRequired() []string {
	required := []string{
		"GOOGLE_CLIENT_ID",
		"GOOGLE_CLIENT_SECRET",
		"MICROSOFT_CLIENT_ID",
		"MICROSOFT_CLIENT_SECRET",
		"MAILSYNC_ENCRYPTION_KEY",
		"GMAIL_WEBHOOK_ENABLED",
	}
	if c.PubSub.WebhookEnabled {
		required = append(required, "PUBSUB_PROJECT_ID", "PUBSUB_TOPIC", "GOOGLE_APPLICATION_CREDENTIALS")
	}

	var missing []string
	for _, name := range required {
		if !c.isSet(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// isSet reports whether the key bound to env has a non-empty value from any source
func (c *Config) isSet(env string) bool {
	for _, b := range envBindings {
		if b[1] != env {
			continue
		}
		if c.v == nil {
			return os.Getenv(env) != ""
		}
		// defaults do not count
		if _, ok := os.LookupEnv(env); ok {
			return os.Getenv(env) != ""
		}
		return c.v.InConfig(b[0]) && c.v.GetString(b[0]) != ""
	}
	return os.Getenv(env) != ""
}
