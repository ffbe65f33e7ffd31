package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/threads"
)

// ErrWatchUnsupported is returned for providers without push notifications.
var ErrWatchUnsupported = errors.New("provider does not support watch")

// ErrNoAdapter is returned for providers this service cannot sync.
var ErrNoAdapter = errors.New("no sync adapter for provider")

// TokenSource is the part of the Token Guardian the manager needs
type TokenSource interface {
	Ensure(ctx context.Context, acct *models.Account) (*auth.Session, error)
	Expire(ctx context.Context, acct *models.Account) error
}

// Options tunes provider timeouts and failure backoff
type Options struct {
	Timeouts     map[models.Provider]time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
	// EventSubjectRoot prefixes outbox subjects, "user" gives user.<id>.mail.threads_synced
	EventSubjectRoot string
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		Timeouts: map[models.Provider]time.Duration{
			models.ProviderGmail:   30 * time.Second,
			models.ProviderOutlook: 30 * time.Second,
			models.ProviderIMAP:    2 * time.Minute,
		},
		RetryInitial:     time.Minute,
		RetryMax:         6 * time.Hour,
		EventSubjectRoot: "user",
	}
}

// Manager serialises syncs per account and dispatches them to provider adapters
type Manager struct {
	accounts store.AccountStore
	threads  store.ThreadStore
	outbox   store.Outbox
	tokens   TokenSource
	log      logrus.FieldLogger
	opts     Options
	now      func() time.Time

	gmail   Adapter
	outlook Adapter
	imap    Adapter

	locksMutex sync.Mutex
	locks      map[string]chan struct{}

	runnersMutex sync.RWMutex
	runners      map[string]time.Time
}

// NewManager creates sync manager
func NewManager(accounts store.AccountStore, threadStore store.ThreadStore, tokens TokenSource, log logrus.FieldLogger, opts Options) *Manager {
	return &Manager{
		accounts: accounts,
		threads:  threadStore,
		tokens:   tokens,
		log:      log.WithField("component", "sync-manager"),
		opts:     opts,
		now:      time.Now,
		locks:    make(map[string]chan struct{}),
		runners:  make(map[string]time.Time),
	}
}

// SetClock replaces time.Now.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// RegisterAdapter wires the adapter for its provider family
func (m *Manager) RegisterAdapter(a Adapter) {
	switch a.Provider() {
	case models.ProviderGmail:
		m.gmail = a
	case models.ProviderOutlook:
		m.outlook = a
	case models.ProviderIMAP:
		m.imap = a
	}
}

// adapterFor maps an account provider onto the adapter that syncs it
func (m *Manager) adapterFor(p models.Provider) (Adapter, error) {
	var a Adapter
	switch p {
	case models.ProviderGmail:
		a = m.gmail
	case models.ProviderOutlook, models.ProviderExchange:
		a = m.outlook
	case models.ProviderIMAP, models.ProviderCustom:
		a = m.imap
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, p)
	}
	return a, nil
}

// SupportsWatch reports whether accounts of p can be watched
func (m *Manager) SupportsWatch(p models.Provider) bool {
	a, err := m.adapterFor(p)
	if err != nil {
		return false
	}
	_, ok := a.(Watcher)
	return ok
}

// lock takes the per-account lock, giving up when ctx ends
func (m *Manager) lock(ctx context.Context, accountID string) (func(), error) {
	m.locksMutex.Lock()
	ch, ok := m.locks[accountID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[accountID] = ch
	}
	m.locksMutex.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) timeout(p models.Provider) time.Duration {
	if d, ok := m.opts.Timeouts[models.ThreadFamily(p)]; ok && d > 0 {
		return d
	}
	return time.Minute
}

// retryDelay is the exponential backoff after the given number of consecutive failures
func (m *Manager) retryDelay(failures int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.RetryInitial
	b.MaxInterval = m.opts.RetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < failures; i++ {
		d = b.NextBackOff()
	}
	return d
}

// SyncAccount loads an account by id and syncs it
func (m *Manager) SyncAccount(ctx context.Context, accountID string, opts SyncOptions) (*SyncResult, error) {
	acct, err := m.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return m.Sync(ctx, acct, opts)
}

// SetupWatch establishes or renews the push subscription of an account
func (m *Manager) SetupWatch(ctx context.Context, acct *models.Account) (*WatchResult, error) {
	adapter, err := m.adapterFor(acct.Provider)
	if err != nil {
		return nil, err
	}
	watcher, ok := adapter.(Watcher)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWatchUnsupported, acct.Provider)
	}

	unlock, err := m.lock(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err = m.accounts.GetAccount(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("reload account: %w", err)
	}
	log := m.log.WithFields(logrus.Fields{"account_id": acct.ID, "provider": acct.Provider})

	sess, err := m.tokens.Ensure(ctx, acct)
	if err != nil {
		m.recordFailure(ctx, acct, err)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout(acct.Provider))
	defer cancel()

	wr, err := watcher.Watch(callCtx, acct, sess)
	if err != nil {
		log.WithError(err).Warn("watch setup failed")
		m.recordFailure(ctx, acct, err)
		return nil, err
	}

	now := m.now().UTC()
	st := acct.SyncState
	exp := wr.Expiration.UTC()
	st.IsWatching = true
	st.WatchExpiration = &exp
	st.LastWatchRenewal = &now
	if wr.SubscriptionID != "" {
		st.SubscriptionID = wr.SubscriptionID
	}
	if err := m.accounts.SaveWatch(ctx, acct.ID, st); err != nil {
		return nil, fmt.Errorf("persist watch: %w", err)
	}

	if st.LastHistoryID == "" && wr.HistoryID != "" {
		st.LastHistoryID = wr.HistoryID
	}
	st.CountCall(now, 1)
	st.ConsecutiveFailures = 0
	st.NextRetryAt = nil
	if err := m.accounts.SaveSyncState(ctx, acct.ID, st); err != nil {
		return nil, fmt.Errorf("persist sync state: %w", err)
	}

	log.WithField("expires_at", exp).Info("watch established")
	return wr, nil
}

// StopWatch cancels the push subscription of an account and clears the watch locally
func (m *Manager) StopWatch(ctx context.Context, acct *models.Account) error {
	adapter, err := m.adapterFor(acct.Provider)
	if err != nil {
		return err
	}
	watcher, ok := adapter.(Watcher)
	if !ok {
		return fmt.Errorf("%w: %s", ErrWatchUnsupported, acct.Provider)
	}

	unlock, err := m.lock(ctx, acct.ID)
	if err != nil {
		return err
	}
	defer unlock()

	acct, err = m.accounts.GetAccount(ctx, acct.ID)
	if err != nil {
		return fmt.Errorf("reload account: %w", err)
	}
	log := m.log.WithFields(logrus.Fields{"account_id": acct.ID, "provider": acct.Provider})

	if sess, err := m.tokens.Ensure(ctx, acct); err != nil {
		log.WithError(err).Warn("no token to stop watch upstream, clearing locally")
	} else {
		callCtx, cancel := context.WithTimeout(ctx, m.timeout(acct.Provider))
		err := watcher.StopWatch(callCtx, acct, sess)
		cancel()
		if err != nil && KindOf(err) != KindNotFound {
			return err
		}
	}

	st := acct.SyncState
	st.IsWatching = false
	st.WatchExpiration = nil
	st.SubscriptionID = ""
	if err := m.accounts.SaveWatch(ctx, acct.ID, st); err != nil {
		return fmt.Errorf("persist watch: %w", err)
	}
	log.Info("watch stopped")
	return nil
}

// GetThreads returns stored provider threads of an account
func (m *Manager) GetThreads(ctx context.Context, acct *models.Account, opts ListOptions) ([]models.ThreadRecord, error) {
	adapter, err := m.adapterFor(acct.Provider)
	if err != nil {
		return nil, err
	}
	return adapter.GetThreads(ctx, acct.ID, opts)
}

// UnifiedThreads returns the provider-agnostic projection of an account's threads
func (m *Manager) UnifiedThreads(ctx context.Context, acct *models.Account, opts ListOptions) ([]models.UnifiedThread, error) {
	records, err := m.GetThreads(ctx, acct, opts)
	if err != nil {
		return nil, err
	}
	return threads.ProjectAll(records), nil
}

func (m *Manager) markRunning(accountID string) func() {
	m.runnersMutex.Lock()
	m.runners[accountID] = m.now()
	m.runnersMutex.Unlock()

	return func() {
		m.runnersMutex.Lock()
		delete(m.runners, accountID)
		m.runnersMutex.Unlock()
	}
}

// IsRunning checks if a sync is in flight for an account
func (m *Manager) IsRunning(accountID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[accountID]
	return exists
}

// GetRunningSyncs returns the ids of accounts with a sync in flight
func (m *Manager) GetRunningSyncs() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	syncs := make([]string, 0, len(m.runners))
	for id := range m.runners {
		syncs = append(syncs, id)
	}
	sort.Strings(syncs)
	return syncs
}
