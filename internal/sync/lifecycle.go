package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/threads"
)

// ErrInactiveAccount is returned for operations on a deactivated account.
var ErrInactiveAccount = errors.New("account is inactive")

// Account lifecycle event types
const (
	EventAccountDeactivated = "mail.account_deactivated"
	EventPrimaryChanged     = "mail.primary_changed"
)

// AccountEvent is the payload of account lifecycle events
type AccountEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"ts"`
	UserID    string          `json:"user_id"`
	AccountID string          `json:"account_id"`
	Provider  models.Provider `json:"provider"`
	Email     string          `json:"email"`
}

// SetOutbox enables account lifecycle events. Thread events are written with
// the threads and do not need it.
func (m *Manager) SetOutbox(o store.Outbox) {
	m.outbox = o
}

// Deactivate soft-deletes an account. An active watch is stopped first; a
// failing upstream stop is logged and does not block the deactivation.
func (m *Manager) Deactivate(ctx context.Context, acct *models.Account) error {
	log := m.log.WithFields(logrus.Fields{"account_id": acct.ID, "provider": acct.Provider})

	if acct.SyncState.IsWatching && m.SupportsWatch(acct.Provider) {
		if err := m.StopWatch(ctx, acct); err != nil {
			log.WithError(err).Warn("failed to stop watch before deactivation")
		}
	}

	unlock, err := m.lock(ctx, acct.ID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.accounts.DeactivateAccount(ctx, acct.ID); err != nil {
		return err
	}
	log.Info("account deactivated")
	m.emit(ctx, acct, EventAccountDeactivated)
	return nil
}

// SetPrimary makes acct the primary mailbox of its user
func (m *Manager) SetPrimary(ctx context.Context, acct *models.Account) error {
	if !acct.IsActive {
		return fmt.Errorf("%w: %s", ErrInactiveAccount, acct.ID)
	}
	if err := m.accounts.SetPrimary(ctx, acct.UserID, acct.ID); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"account_id": acct.ID, "user_id": acct.UserID}).Info("primary account changed")
	m.emit(ctx, acct, EventPrimaryChanged)
	return nil
}

// UnifiedThread returns one stored thread of an account in the unified shape
func (m *Manager) UnifiedThread(ctx context.Context, acct *models.Account, threadID string) (*models.UnifiedThread, error) {
	adapter, err := m.adapterFor(acct.Provider)
	if err != nil {
		return nil, err
	}
	rec, err := adapter.GetThread(ctx, acct.ID, threadID)
	if err != nil {
		return nil, err
	}
	u := threads.Project(rec)
	return &u, nil
}

// CountThreads returns how many threads are stored for an account
func (m *Manager) CountThreads(ctx context.Context, acct *models.Account) (int, error) {
	adapter, err := m.adapterFor(acct.Provider)
	if err != nil {
		return 0, err
	}
	return adapter.CountThreads(ctx, acct.ID)
}

// emit appends an account lifecycle event to the outbox, when one is set
func (m *Manager) emit(ctx context.Context, acct *models.Account, eventType string) {
	if m.outbox == nil {
		return
	}
	log := m.log.WithFields(logrus.Fields{"account_id": acct.ID, "event": eventType})

	id := uuid.NewString()
	payload, err := json.Marshal(AccountEvent{
		EventID:   id,
		Type:      eventType,
		Timestamp: m.now().Unix(),
		UserID:    acct.UserID,
		AccountID: acct.ID,
		Provider:  acct.Provider,
		Email:     acct.Email,
	})
	if err != nil {
		log.WithError(err).Error("failed to marshal event")
		return
	}
	err = m.outbox.AppendEvent(ctx, store.OutboxEvent{
		Subject:   fmt.Sprintf("%s.%s.%s", m.subjectRoot(), acct.UserID, eventType),
		EventType: eventType,
		Payload:   payload,
		MsgID:     fmt.Sprintf("%s|%s|%s", eventType, acct.ID, id),
	})
	if err != nil {
		log.WithError(err).Warn("failed to append event")
	}
}

func (m *Manager) subjectRoot() string {
	if m.opts.EventSubjectRoot == "" {
		return "user"
	}
	return m.opts.EventSubjectRoot
}
