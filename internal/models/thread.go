package models

import (
	"encoding/json"
	"time"
)

// Participant is one address seen in a thread.
type Participant struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// String formats the participant as an address header entry.
func (p Participant) String() string {
	if p.Name == "" {
		return p.Email
	}
	return p.Name + " <" + p.Email + ">"
}

// RawMessage keeps one provider message verbatim next to the fields we derive from it.
type RawMessage struct {
	ID             string          `json:"id"`
	InternalDate   time.Time       `json:"internalDate"`
	Subject        string          `json:"subject,omitempty"`
	From           string          `json:"from,omitempty"`
	To             []string        `json:"to,omitempty"`
	Cc             []string        `json:"cc,omitempty"`
	Snippet        string          `json:"snippet,omitempty"`
	Labels         []string        `json:"labels,omitempty"`
	Unread         bool            `json:"unread"`
	Starred        bool            `json:"starred"`
	HasAttachments bool            `json:"hasAttachments"`
	Size           int64           `json:"size"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// ThreadData holds the fields every provider family shares.
type ThreadData struct {
	AccountID         string        `json:"accountId"`
	Subject           string        `json:"subject"`
	NormalizedSubject string        `json:"normalizedSubject"`
	Participants      []Participant `json:"participants"`
	MessageCount      int           `json:"messageCount"`
	UnreadCount       int           `json:"unreadCount"`
	IsStarred         bool          `json:"isStarred"`
	IsPinned          bool          `json:"isPinned"`
	HasAttachments    bool          `json:"hasAttachments"`
	IsArchived        bool          `json:"isArchived"`
	IsSpam            bool          `json:"isSpam"`
	FirstMessageAt    time.Time     `json:"firstMessageAt"`
	LastMessageAt     time.Time     `json:"lastMessageAt"`
	Folder            string        `json:"folder"`
	Category          string        `json:"category,omitempty"`
	TotalSize         int64         `json:"totalSize"`
	LatestPreview     string        `json:"latestPreview,omitempty"`
	LatestFrom        string        `json:"latestFrom,omitempty"`
	LatestTo          []string      `json:"latestTo,omitempty"`
	RawMessages       []RawMessage  `json:"rawMessages"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// ThreadRecord is implemented by the provider-specific thread documents.
type ThreadRecord interface {
	Family() Provider
	NativeID() string
	Data() *ThreadData
}

// GmailThread is a Gmail thread keyed by its threadId.
type GmailThread struct {
	ThreadID string `json:"threadId"`
	ThreadData
}

func (t *GmailThread) Family() Provider { return ProviderGmail }
func (t *GmailThread) NativeID() string {
	if t == nil {
		return ""
	}
	return t.ThreadID
}

func (t *GmailThread) Data() *ThreadData {
	if t == nil {
		return nil
	}
	return &t.ThreadData
}

// OutlookThread is an Outlook conversation keyed by its conversationId.
type OutlookThread struct {
	ConversationID string `json:"conversationId"`
	ThreadData
}

func (t *OutlookThread) Family() Provider { return ProviderOutlook }
func (t *OutlookThread) NativeID() string {
	if t == nil {
		return ""
	}
	return t.ConversationID
}

func (t *OutlookThread) Data() *ThreadData {
	if t == nil {
		return nil
	}
	return &t.ThreadData
}

// IMAPThread is a synthetic grouping of IMAP messages sharing a normalized subject.
type IMAPThread struct {
	ThreadID string `json:"threadId"`
	ThreadData
}

func (t *IMAPThread) Family() Provider { return ProviderIMAP }
func (t *IMAPThread) NativeID() string {
	if t == nil {
		return ""
	}
	return t.ThreadID
}

func (t *IMAPThread) Data() *ThreadData {
	if t == nil {
		return nil
	}
	return &t.ThreadData
}

// NewThreadRecord builds an empty record of the family that stores threads for p.
func NewThreadRecord(p Provider, nativeID string) ThreadRecord {
	switch ThreadFamily(p) {
	case ProviderGmail:
		return &GmailThread{ThreadID: nativeID}
	case ProviderOutlook:
		return &OutlookThread{ConversationID: nativeID}
	default:
		return &IMAPThread{ThreadID: nativeID}
	}
}

// ThreadFamily maps an account provider to the thread collection it writes to.
func ThreadFamily(p Provider) Provider {
	switch p {
	case ProviderGmail:
		return ProviderGmail
	case ProviderOutlook, ProviderExchange:
		return ProviderOutlook
	default:
		return ProviderIMAP
	}
}

// UnifiedThread is the provider-agnostic read model served to API consumers.
type UnifiedThread struct {
	ThreadID          string        `json:"threadId"`
	AccountID         string        `json:"accountId"`
	Provider          Provider      `json:"provider"`
	Subject           string        `json:"subject"`
	NormalizedSubject string        `json:"normalizedSubject"`
	Participants      []Participant `json:"participants"`
	MessageCount      int           `json:"messageCount"`
	UnreadCount       int           `json:"unreadCount"`
	IsStarred         bool          `json:"isStarred"`
	IsPinned          bool          `json:"isPinned"`
	HasAttachments    bool          `json:"hasAttachments"`
	IsArchived        bool          `json:"isArchived"`
	IsSpam            bool          `json:"isSpam"`
	Folder            string        `json:"folder"`
	Category          string        `json:"category"`
	FirstMessageAt    time.Time     `json:"firstMessageAt"`
	LastMessageAt     time.Time     `json:"lastMessageAt"`
	TotalSize         int64         `json:"totalSize"`
	LatestPreview     string        `json:"latestPreview"`
	LatestFrom        string        `json:"latestFrom"`
	LatestTo          []string      `json:"latestTo"`
}
