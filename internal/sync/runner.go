package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/crypto"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
)

// EventThreadsSynced is the outbox event type written after a sync stored threads.
const EventThreadsSynced = "mail.threads_synced"

// ThreadsSyncedEvent is the payload published for EventThreadsSynced
type ThreadsSyncedEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"ts"`
	UserID    string          `json:"user_id"`
	AccountID string          `json:"account_id"`
	Provider  models.Provider `json:"provider"`
	SyncType  SyncType        `json:"sync_type"`
	ThreadIDs []string        `json:"thread_ids"`
	NewCount  int             `json:"new_count"`
	Cursor    string          `json:"cursor,omitempty"`
}

// Sync runs one sync of acct: ensure token, fetch deltas, upsert threads, persist cursor.
// Syncs of the same account never overlap.
func (m *Manager) Sync(ctx context.Context, acct *models.Account, opts SyncOptions) (*SyncResult, error) {
	adapter, err := m.adapterFor(acct.Provider)
	if err != nil {
		return nil, err
	}

	unlock, err := m.lock(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("wait for account lock: %w", err)
	}
	defer unlock()

	done := m.markRunning(acct.ID)
	defer done()

	// Reload under the lock so the cursor is the one the previous sync wrote
	acct, err = m.accounts.GetAccount(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("reload account: %w", err)
	}
	if !acct.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrInactiveAccount, acct.ID)
	}

	log := m.log.WithFields(logrus.Fields{
		"account_id": acct.ID,
		"provider":   acct.Provider,
	})

	var sess *auth.Session
	if acct.Provider.SupportsOAuth() {
		sess, err = m.tokens.Ensure(ctx, acct)
		if err != nil {
			if auth.RequiresReAuth(err) {
				log.Warn("sync skipped, account requires re-authentication")
				m.markErrored(ctx, acct)
				return Failed(&ProviderError{
					Provider: acct.Provider,
					Op:       "ensure token",
					Kind:     KindAuth,
					Err:      err,
				}), nil
			}
			if errors.Is(err, crypto.ErrNoKey) {
				log.Warn("sync skipped, no encryption key configured")
				return Failed(&ProviderError{
					Provider: acct.Provider,
					Op:       "ensure token",
					Kind:     KindPermanent,
					Err:      err,
				}), nil
			}
			m.recordFailure(ctx, acct, err)
			return nil, fmt.Errorf("ensure token: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout(acct.Provider))
	defer cancel()

	started := m.now()
	res, err := adapter.SyncThreads(callCtx, acct, sess, opts)
	if err != nil {
		log.WithError(err).Error("sync failed")
		m.recordFailure(ctx, acct, err)
		return nil, fmt.Errorf("sync %s: %w", acct, err)
	}
	if !res.Success {
		var cause error = res.Failure
		if res.Failure == nil {
			cause = errors.New(res.Error)
		}
		log.WithError(cause).Warn("sync returned failure")
		m.recordFailure(ctx, acct, cause)
		return res, nil
	}

	if len(res.Threads) > 0 {
		event, err := m.threadsSyncedEvent(acct, res)
		if err != nil {
			return nil, err
		}
		up, err := m.threads.UpsertThreads(ctx, res.Threads, event)
		if err != nil {
			return nil, fmt.Errorf("store threads: %w", err)
		}
		res.Threads = up.Threads
		res.NewCount = up.Created
	}

	now := m.now().UTC()
	st := acct.SyncState
	if res.Cursor != "" {
		st.LastHistoryID = res.Cursor
	}
	st.SyncStatus = res.SyncStatus
	if st.SyncStatus == "" || st.SyncStatus == models.SyncError {
		st.SyncStatus = models.SyncComplete
	}
	res.SyncStatus = st.SyncStatus
	st.LastSyncAt = &now
	st.Progress.Processed += res.Processed
	st.Progress.CurrentBatch = len(res.Threads)
	if res.TotalCount > st.Progress.EstimatedTotal {
		st.Progress.EstimatedTotal = res.TotalCount
	}
	st.CountCall(now, res.APICalls)
	st.ConsecutiveFailures = 0
	st.NextRetryAt = nil
	if err := m.accounts.SaveSyncState(ctx, acct.ID, st); err != nil {
		return nil, fmt.Errorf("persist sync state: %w", err)
	}

	if !acct.Provider.SupportsOAuth() && acct.ConnectionStatus != models.StatusConnected {
		if err := m.accounts.SetConnectionStatus(ctx, acct.ID, models.StatusConnected, ""); err != nil {
			log.WithError(err).Warn("failed to mark account connected")
		}
	}

	log.WithFields(logrus.Fields{
		"sync_type": res.SyncType,
		"threads":   len(res.Threads),
		"new":       res.NewCount,
		"processed": res.Processed,
		"took":      m.now().Sub(started).String(),
	}).Info("sync complete")

	return res, nil
}

func (m *Manager) threadsSyncedEvent(acct *models.Account, res *SyncResult) (*store.OutboxEvent, error) {
	now := m.now()
	ids := make([]string, 0, len(res.Threads))
	for _, t := range res.Threads {
		ids = append(ids, t.NativeID())
	}

	payload, err := json.Marshal(ThreadsSyncedEvent{
		EventID:   uuid.NewString(),
		Type:      EventThreadsSynced,
		Timestamp: now.Unix(),
		UserID:    acct.UserID,
		AccountID: acct.ID,
		Provider:  acct.Provider,
		SyncType:  res.SyncType,
		ThreadIDs: ids,
		NewCount:  res.NewCount,
		Cursor:    res.Cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	dedup := res.Cursor
	if dedup == "" {
		dedup = fmt.Sprintf("%d", now.UnixNano())
	}
	return &store.OutboxEvent{
		Subject:   fmt.Sprintf("%s.%s.mail.threads_synced", m.subjectRoot(), acct.UserID),
		EventType: EventThreadsSynced,
		Payload:   payload,
		MsgID:     fmt.Sprintf("threads_synced|%s|%s|%s", acct.ID, res.SyncType, dedup),
	}, nil
}

// recordFailure bumps the per-account backoff. Auth failures additionally expire the
// OAuth token or, for password accounts, flag the connection.
func (m *Manager) recordFailure(ctx context.Context, acct *models.Account, cause error) {
	log := m.log.WithFields(logrus.Fields{"account_id": acct.ID, "provider": acct.Provider})

	if auth.RequiresReAuth(cause) {
		m.markErrored(ctx, acct)
		return
	}

	st := acct.SyncState
	st.ConsecutiveFailures++
	next := m.now().UTC().Add(m.retryDelay(st.ConsecutiveFailures))
	st.NextRetryAt = &next

	if KindOf(cause) == KindAuth || errors.Is(cause, auth.ErrUnauthorized) {
		if acct.Provider.SupportsOAuth() {
			if err := m.tokens.Expire(ctx, acct); err != nil {
				log.WithError(err).Warn("failed to expire rejected access token")
			}
		} else {
			st.SyncStatus = models.SyncError
			if err := m.accounts.SetConnectionStatus(ctx, acct.ID, models.StatusError, cause.Error()); err != nil {
				log.WithError(err).Warn("failed to flag account connection")
			}
		}
	}

	if err := m.accounts.SaveSyncState(ctx, acct.ID, st); err != nil {
		log.WithError(err).Error("failed to persist backoff")
		return
	}
	acct.SyncState = st

	log.WithFields(logrus.Fields{
		"failures":      st.ConsecutiveFailures,
		"next_retry_at": next.Format(time.RFC3339),
	}).WithError(cause).Warn("sync failure recorded")
}

func (m *Manager) markErrored(ctx context.Context, acct *models.Account) {
	st := acct.SyncState
	st.SyncStatus = models.SyncError
	if err := m.accounts.SaveSyncState(ctx, acct.ID, st); err != nil {
		m.log.WithError(err).WithField("account_id", acct.ID).Error("failed to persist sync status")
		return
	}
	acct.SyncState = st
}
