package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductionLogsJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput(&buf, "production", "debug")
	log.WithField("account_id", "acct-1").Debug("sync started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "sync started", entry["message"])
	assert.Equal(t, "acct-1", entry["account_id"])
	assert.Equal(t, "debug", entry["level"])
}

func TestDevelopmentLogsText(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput(&buf, "development", "info")
	log.WithField("provider", "imap").Info("poll finished")

	assert.Contains(t, buf.String(), `msg="poll finished"`)
	assert.Contains(t, buf.String(), "provider=imap")
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	log := NewWithOutput(&bytes.Buffer{}, "development", "chatty")
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())

	log = NewWithOutput(&bytes.Buffer{}, "development", "warn")
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())
}
