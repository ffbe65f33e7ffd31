package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allVars = []string{
	"MAILSYNC_ENV", "PORT", "LOG_LEVEL", "MAILSYNC_DB_PATH", "MAILSYNC_ENCRYPTION_KEY",
	"NATS_URL", "INSTANCE_ID", "GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET",
	"GOOGLE_APPLICATION_CREDENTIALS", "MICROSOFT_CLIENT_ID", "MICROSOFT_CLIENT_SECRET",
	"MICROSOFT_TENANT", "PUBSUB_PROJECT_ID", "PUBSUB_TOPIC", "GMAIL_WEBHOOK_ENABLED",
	"GMAIL_WEBHOOK_URL", "OUTLOOK_NOTIFICATION_URL", "OUTLOOK_CLIENT_STATE",
	"PUSH_AUTH_AUDIENCE", "PUSH_AUTH_SERVICE_ACCOUNT", "SYNC_CRON_ENABLED",
	"SYNC_SETUP_SPEC", "SYNC_RENEW_SPEC", "SYNC_CLEANUP_SPEC", "SYNC_POLL_SPEC",
}

// cleanEnv unsets every variable Load reads and keeps the process out of development mode
func cleanEnv(t *testing.T) {
	t.Helper()
	for _, name := range allVars {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
	t.Setenv("MAILSYNC_ENV", "test")
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	cleanEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Environment)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "data/mailsync.db", cfg.DBPath)
	assert.Equal(t, "common", cfg.Microsoft.Tenant)
	assert.False(t, cfg.PubSub.WebhookEnabled)
	assert.True(t, cfg.CronEnabled)
	assert.Equal(t, "@every 10m", cfg.Scheduler.SetupSpec)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.MinSetupInterval)
	assert.Empty(t, cfg.ConfigFile)

	require.Len(t, cfg.Instances, 1)
	assert.Equal(t, "local", cfg.Instances[0].ID)
	assert.True(t, cfg.Instances[0].Active)
}

func TestLoadFromEnvironment(t *testing.T) {
	cleanEnv(t)
	t.Setenv("MAILSYNC_ENV", EnvProduction)
	t.Setenv("PORT", "9090")
	t.Setenv("GOOGLE_CLIENT_ID", "google-id")
	t.Setenv("PUBSUB_PROJECT_ID", "mail-project")
	t.Setenv("GMAIL_WEBHOOK_ENABLED", "true")
	t.Setenv("INSTANCE_ID", "prod")
	t.Setenv("GMAIL_WEBHOOK_URL", "https://api.example.com/api/gmail-webhook/webhook")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "google-id", cfg.Google.ClientID)
	assert.Equal(t, "mail-project", cfg.PubSub.ProjectID)
	assert.True(t, cfg.PubSub.WebhookEnabled)
	require.Len(t, cfg.Instances, 1)
	assert.Equal(t, "prod", cfg.Instances[0].ID)
	assert.Equal(t, EnvProduction, cfg.Instances[0].Environment)
	assert.Equal(t, "https://api.example.com/api/gmail-webhook/webhook", cfg.Instances[0].WebhookURL)
}

func TestLoadYAMLInstancesAndSchedule(t *testing.T) {
	cleanEnv(t)
	path := filepath.Join(t.TempDir(), "mailsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
instance_id: staging
pubsub:
  project_id: yaml-project
  topic: gmail-push
scheduler:
  setup_spec: "@every 20m"
  min_setup_interval: 2m
instances:
  - id: dev
    environment: development
    webhook_url: https://dev.example.com/api/gmail-webhook/webhook
    active: true
  - id: staging
    environment: staging
    webhook_url: https://staging.example.com/api/gmail-webhook/webhook
    subscription: gmail-staging
    push_service_account: push@mail-project.iam.gserviceaccount.com
    active: true
`), 0o600))
	t.Setenv("PUBSUB_TOPIC", "env-topic")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, "staging", cfg.InstanceID)
	assert.Equal(t, "yaml-project", cfg.PubSub.ProjectID)
	assert.Equal(t, "env-topic", cfg.PubSub.Topic, "environment wins over the file")
	assert.Equal(t, "@every 20m", cfg.Scheduler.SetupSpec)
	assert.Equal(t, "@every 6h", cfg.Scheduler.RenewSpec)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.MinSetupInterval)

	require.Len(t, cfg.Instances, 2)
	assert.Equal(t, "dev", cfg.Instances[0].ID)
	assert.Equal(t, "gmail-staging", cfg.Instances[1].SubscriptionName)
	assert.Equal(t, "push@mail-project.iam.gserviceaccount.com", cfg.Instances[1].PushServiceAccount)
}

func TestLoadMissingConfigFile(t *testing.T) {
	cleanEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestMissingRequired(t *testing.T) {
	cleanEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"GOOGLE_CLIENT_ID",
		"GOOGLE_CLIENT_SECRET",
		"MICROSOFT_CLIENT_ID",
		"MICROSOFT_CLIENT_SECRET",
		"MAILSYNC_ENCRYPTION_KEY",
		"GMAIL_WEBHOOK_ENABLED",
	}, cfg.MissingRequired())

	t.Setenv("GOOGLE_CLIENT_ID", "id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "secret")
	t.Setenv("MICROSOFT_CLIENT_ID", "id")
	t.Setenv("MICROSOFT_CLIENT_SECRET", "secret")
	t.Setenv("MAILSYNC_ENCRYPTION_KEY", "a2V5")
	t.Setenv("GMAIL_WEBHOOK_ENABLED", "true")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"PUBSUB_PROJECT_ID", "PUBSUB_TOPIC", "GOOGLE_APPLICATION_CREDENTIALS"}, cfg.MissingRequired())

	t.Setenv("PUBSUB_PROJECT_ID", "p")
	t.Setenv("PUBSUB_TOPIC", "t")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "/etc/mailsync/sa.json")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.MissingRequired())
}
