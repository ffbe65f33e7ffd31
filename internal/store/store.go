package store

import (
	"context"
	"errors"
	"time"

	"github.com/Martian-dev/mailsync/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrInvalidWatch is returned when a sync state claims a watch without a future expiration.
	ErrInvalidWatch = errors.New("watching account needs a future watch expiration")
	// ErrPrimaryConflict is returned when a user would end up with two primary accounts.
	ErrPrimaryConflict = errors.New("user already has a primary account")
)

// AccountFilter narrows ListAccounts.
type AccountFilter struct {
	UserID          string
	Providers       []models.Provider
	ActiveOnly      bool
	WithAccessToken bool
	Watching        *bool
	WatchExpiredBy  *time.Time
}

// AccountStore persists linked mailboxes and their sync state.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	// FindActiveByEmail returns the active account of the provider for the address.
	FindActiveByEmail(ctx context.Context, email string, provider models.Provider) (*models.Account, error)
	FindBySubscription(ctx context.Context, subscriptionID string) (*models.Account, error)
	ListAccounts(ctx context.Context, filter AccountFilter) ([]*models.Account, error)
	UpdateOAuth(ctx context.Context, id string, oauth *models.OAuthBundle) error
	SetConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus, message string) error
	// SaveSyncState writes cursor, status, progress, quota and backoff fields.
	SaveSyncState(ctx context.Context, id string, state models.SyncState) error
	// SaveWatch writes the watch fields. A watching account needs a future expiration.
	SaveWatch(ctx context.Context, id string, state models.SyncState) error
	SetPrimary(ctx context.Context, userID, accountID string) error
	DeactivateAccount(ctx context.Context, id string) error
}

// ThreadQuery narrows ListThreads.
type ThreadQuery struct {
	Folder     string
	Limit      int
	Offset     int
	UnreadOnly bool
}

// OutboxEvent is written in the same transaction as the threads it describes.
type OutboxEvent struct {
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
}

// UpsertResult reports the merged records and how many of them were new.
type UpsertResult struct {
	Threads []models.ThreadRecord
	Created int
}

// ThreadStore persists provider thread records, one collection per provider family.
type ThreadStore interface {
	UpsertThreads(ctx context.Context, records []models.ThreadRecord, event *OutboxEvent) (*UpsertResult, error)
	GetThread(ctx context.Context, family models.Provider, accountID, nativeID string) (models.ThreadRecord, error)
	ListThreads(ctx context.Context, family models.Provider, accountID string, q ThreadQuery) ([]models.ThreadRecord, error)
	CountThreads(ctx context.Context, family models.Provider, accountID string) (int, error)
}

// OutboxMessage is a pending event waiting for the dispatcher.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Outbox is drained by the NATS dispatcher.
type Outbox interface {
	AppendEvent(ctx context.Context, event OutboxEvent) error
	DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Store is everything the service persists.
type Store interface {
	AccountStore
	ThreadStore
	Outbox
	Close() error
}
