package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
)

// SyncType tells whether a sync walked the whole folder or only a delta.
type SyncType string

const (
	SyncTypeFull        SyncType = "full"
	SyncTypeIncremental SyncType = "incremental"
)

// SyncOptions controls one adapter sync call
type SyncOptions struct {
	Folder string
	Limit  int
	Since  *time.Time
	// FetchAll ignores the stored cursor and lists the folder from scratch.
	FetchAll bool
	// HistoryID is the mailbox history id announced by a push notification.
	HistoryID string
}

// ListOptions narrows GetThreads
type ListOptions struct {
	Folder     string
	Limit      int
	Offset     int
	UnreadOnly bool
}

// SyncResult is the outcome of one adapter sync.
// Expected failures (expired auth, rate limiting) come back as Success=false
// with Failure set instead of as an error.
type SyncResult struct {
	Success    bool                  `json:"success"`
	Threads    []models.ThreadRecord `json:"-"`
	TotalCount int                   `json:"totalCount"`
	NewCount   int                   `json:"newCount"`
	Processed  int                   `json:"emailsProcessed"`
	Error      string                `json:"error,omitempty"`
	SyncStatus models.SyncStatus     `json:"syncStatus"`
	SyncType   SyncType              `json:"syncType"`
	Cursor     string                `json:"cursor,omitempty"`
	APICalls   int                   `json:"-"`
	Failure    *ProviderError        `json:"-"`
}

// Failed builds an unsuccessful result from a classified provider error.
func Failed(perr *ProviderError) *SyncResult {
	return &SyncResult{
		Success:    false,
		Error:      perr.Error(),
		SyncStatus: models.SyncError,
		Failure:    perr,
	}
}

// WatchResult describes an established push subscription.
type WatchResult struct {
	Expiration     time.Time
	HistoryID      string
	SubscriptionID string
}

// Adapter syncs one provider family. Implementations embed ThreadReader,
// which keeps the set of adapters closed to this module.
type Adapter interface {
	Provider() models.Provider
	SyncThreads(ctx context.Context, acct *models.Account, sess *auth.Session, opts SyncOptions) (*SyncResult, error)
	GetThreads(ctx context.Context, accountID string, opts ListOptions) ([]models.ThreadRecord, error)
	GetThread(ctx context.Context, accountID, threadID string) (models.ThreadRecord, error)
	CountThreads(ctx context.Context, accountID string) (int, error)
	sealed()
}

// Watcher is implemented by adapters whose provider can push change notifications.
type Watcher interface {
	Watch(ctx context.Context, acct *models.Account, sess *auth.Session) (*WatchResult, error)
	StopWatch(ctx context.Context, acct *models.Account, sess *auth.Session) error
}

// ThreadReader serves stored threads of one provider family.
type ThreadReader struct {
	Store  store.ThreadStore
	Family models.Provider
}

// GetThreads lists stored threads newest first
func (r ThreadReader) GetThreads(ctx context.Context, accountID string, opts ListOptions) ([]models.ThreadRecord, error) {
	return r.Store.ListThreads(ctx, r.Family, accountID, store.ThreadQuery(opts))
}

// GetThread loads one stored thread by its provider id
func (r ThreadReader) GetThread(ctx context.Context, accountID, threadID string) (models.ThreadRecord, error) {
	return r.Store.GetThread(ctx, r.Family, accountID, threadID)
}

// CountThreads counts the stored threads of an account
func (r ThreadReader) CountThreads(ctx context.Context, accountID string) (int, error) {
	return r.Store.CountThreads(ctx, r.Family, accountID)
}

func (ThreadReader) sealed() {}

// ErrorKind classifies provider failures
type ErrorKind string

const (
	KindAuth      ErrorKind = "auth"
	KindRateLimit ErrorKind = "rate_limit"
	KindForbidden ErrorKind = "forbidden"
	KindNotFound  ErrorKind = "not_found"
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
)

// ProviderError is a classified failure of a provider API call
type ProviderError struct {
	Provider   models.Provider
	Op         string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: %s (%d): %v", e.Provider, e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether trying again later may succeed.
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindRateLimit || e.Kind == KindTransient
}

// KindOf returns the kind of a wrapped ProviderError, or "" when err is not one.
func KindOf(err error) ErrorKind {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}
