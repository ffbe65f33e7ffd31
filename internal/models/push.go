package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PushEnvelope is the body Pub/Sub POSTs to a push endpoint.
type PushEnvelope struct {
	Message      PushMessage `json:"message"`
	Subscription string      `json:"subscription"`
}

// PushMessage carries the base64 encoded notification in Data.
type PushMessage struct {
	Data        string            `json:"data"`
	MessageID   string            `json:"messageId,omitempty"`
	PublishTime string            `json:"publishTime,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// GmailNotification is the decoded Data of a Gmail watch notification.
type GmailNotification struct {
	EmailAddress string    `json:"emailAddress"`
	HistoryID    HistoryID `json:"historyId"`
	Type         string    `json:"type,omitempty"`
}

// HistoryID is a Gmail mailbox history id. Gmail publishes it as a JSON
// string; a bare number is accepted too. It always marshals as a string.
type HistoryID string

// UnmarshalJSON accepts "12345", 12345 and null
func (h *HistoryID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*h = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*h = HistoryID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("historyId must be a string or a number: %w", err)
	}
	*h = HistoryID(n.String())
	return nil
}

// Uint64 parses the id. ok is false when it is empty or not an unsigned integer.
func (h HistoryID) Uint64() (id uint64, ok bool) {
	id, err := strconv.ParseUint(string(h), 10, 64)
	return id, err == nil
}

// Valid reports whether h is empty or an unsigned integer
func (h HistoryID) Valid() bool {
	if h == "" {
		return true
	}
	_, ok := h.Uint64()
	return ok
}
