package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// watchProviders are the providers that receive push notifications
var watchProviders = []models.Provider{models.ProviderGmail, models.ProviderOutlook, models.ProviderExchange}

// pollProviders are the providers the fallback poll may sync
var pollProviders = []models.Provider{
	models.ProviderGmail, models.ProviderOutlook, models.ProviderExchange,
	models.ProviderIMAP, models.ProviderCustom,
}

// RunSetup establishes watches for every active account with an access token.
// Runs closer together than MinSetupInterval are skipped without provider calls.
func (s *Scheduler) RunSetup(ctx context.Context) (*Report, error) {
	s.setupMu.Lock()
	defer s.setupMu.Unlock()

	now := s.now()
	if !s.lastSetup.IsZero() && now.Sub(s.lastSetup) < s.cfg.MinSetupInterval {
		r := &Report{
			Cycle:      CycleSetup,
			StartedAt:  now,
			FinishedAt: now,
			Skipped:    true,
			Reason:     fmt.Sprintf("last setup ran %s ago", now.Sub(s.lastSetup).Round(time.Second)),
		}
		s.log.WithField("last_setup", s.lastSetup).Debug("setup throttled")
		return r, nil
	}
	s.lastSetup = now

	accts, err := s.accounts.ListAccounts(ctx, store.AccountFilter{
		Providers:       watchProviders,
		ActiveOnly:      true,
		WithAccessToken: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return s.runBatch(ctx, CycleSetup, accts, s.setupOne)
}

// RunRenewal re-asserts the watch of every active push account with an access
// token, whatever its expiration and whether or not a watch is recorded.
// Unlike RunSetup it is never throttled.
func (s *Scheduler) RunRenewal(ctx context.Context) (*Report, error) {
	accts, err := s.accounts.ListAccounts(ctx, store.AccountFilter{
		Providers:       watchProviders,
		ActiveOnly:      true,
		WithAccessToken: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return s.runBatch(ctx, CycleRenew, accts, s.setupOne)
}

// RunCleanup re-runs setup for active accounts whose watch already expired
func (s *Scheduler) RunCleanup(ctx context.Context) (*Report, error) {
	watching := true
	now := s.now()
	accts, err := s.accounts.ListAccounts(ctx, store.AccountFilter{
		Providers:      watchProviders,
		ActiveOnly:     true,
		Watching:       &watching,
		WatchExpiredBy: &now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list expired watches: %w", err)
	}
	return s.runBatch(ctx, CycleCleanup, accts, s.setupOne)
}

// RunPoll syncs the accounts no push notification will wake up: IMAP accounts
// and OAuth accounts without a watch.
func (s *Scheduler) RunPoll(ctx context.Context) (*Report, error) {
	accts, err := s.accounts.ListAccounts(ctx, store.AccountFilter{
		Providers:  pollProviders,
		ActiveOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	due := accts[:0]
	for _, acct := range accts {
		if s.engine.SupportsWatch(acct.Provider) && acct.SyncState.IsWatching {
			continue
		}
		due = append(due, acct)
	}
	return s.runBatch(ctx, CyclePoll, due, s.pollOne)
}

// TriggerAccount runs setup (or a sync, for providers without push) for one
// account right away, ignoring the throttle and its backoff.
func (s *Scheduler) TriggerAccount(ctx context.Context, accountID string) (*Report, error) {
	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	r := &Report{Cycle: CycleManual, StartedAt: s.now(), Total: 1}
	if err := s.guard(ctx, acct, s.triggerOne); err != nil {
		r.Failed = 1
		r.Errors = append(r.Errors, accountError(acct, err))
	} else {
		r.Succeeded = 1
	}
	r.FinishedAt = s.now()
	return r, nil
}

// TriggerAll runs a setup cycle now. It honours the throttle.
func (s *Scheduler) TriggerAll(ctx context.Context) (*Report, error) {
	return s.RunSetup(ctx)
}

func (s *Scheduler) setupOne(ctx context.Context, acct *models.Account) error {
	if !s.engine.SupportsWatch(acct.Provider) {
		return nil
	}
	_, err := s.engine.SetupWatch(ctx, acct)
	return err
}

func (s *Scheduler) pollOne(ctx context.Context, acct *models.Account) error {
	res, err := s.engine.Sync(ctx, acct, sync.SyncOptions{})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("sync failed: %s", res.Error)
	}
	return nil
}

func (s *Scheduler) triggerOne(ctx context.Context, acct *models.Account) error {
	if s.engine.SupportsWatch(acct.Provider) {
		return s.setupOne(ctx, acct)
	}
	return s.pollOne(ctx, acct)
}

// runBatch processes accounts one by one. A failing or panicking account does
// not stop the batch; a cancelled context does.
func (s *Scheduler) runBatch(ctx context.Context, cycle string, accts []*models.Account, fn func(context.Context, *models.Account) error) (*Report, error) {
	r := &Report{Cycle: cycle, StartedAt: s.now()}
	log := s.log.WithField("cycle", cycle)
	defer func() {
		r.FinishedAt = s.now()
		s.record(r)
		log.WithFields(logrus.Fields{
			"total":       r.Total,
			"succeeded":   r.Succeeded,
			"failed":      r.Failed,
			"backing_off": r.BackingOff,
		}).Info("cycle finished")
	}()

	for _, acct := range accts {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		if next := acct.SyncState.NextRetryAt; next != nil && next.After(s.now()) {
			r.BackingOff++
			continue
		}
		if err := s.limiter(acct.Provider).Wait(ctx); err != nil {
			return r, err
		}

		r.Total++
		if err := s.guard(ctx, acct, fn); err != nil {
			r.Failed++
			r.Errors = append(r.Errors, accountError(acct, err))
			log.WithError(err).WithFields(logrus.Fields{
				"account_id": acct.ID,
				"provider":   acct.Provider,
			}).Warn("account failed")
			continue
		}
		r.Succeeded++
	}
	return r, nil
}

// guard turns a panic in fn into an error
func (s *Scheduler) guard(ctx context.Context, acct *models.Account, fn func(context.Context, *models.Account) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.WithFields(logrus.Fields{
				"account_id": acct.ID,
				"panic":      p,
				"stack":      string(debug.Stack()),
			}).Error("account panicked")
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, acct)
}

func accountError(acct *models.Account, err error) AccountError {
	return AccountError{AccountID: acct.ID, Email: acct.Email, Provider: acct.Provider, Error: err.Error()}
}
