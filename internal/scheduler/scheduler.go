package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	gosync "sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// Cycle names
const (
	CycleSetup   = "setup"
	CycleRenew   = "renew"
	CycleCleanup = "cleanup"
	CyclePoll    = "poll"
	CycleManual  = "manual"
)

// Engine is the part of sync.Manager the scheduler drives
type Engine interface {
	SupportsWatch(p models.Provider) bool
	SetupWatch(ctx context.Context, acct *models.Account) (*sync.WatchResult, error)
	Sync(ctx context.Context, acct *models.Account, opts sync.SyncOptions) (*sync.SyncResult, error)
}

// Config holds the cron specs and pacing of the scheduler
type Config struct {
	SetupSpec   string
	RenewSpec   string
	CleanupSpec string
	PollSpec    string
	// MinSetupInterval is the least time between two setup runs, manual ones included.
	MinSetupInterval time.Duration
	// AccountsPerSecond paces provider calls per provider family.
	AccountsPerSecond float64
	// Jitter is the upper bound of the random delay before each cron cycle.
	Jitter time.Duration
	// RunOnStart runs a setup cycle right after Start.
	RunOnStart bool
}

// DefaultConfig returns the production schedule
func DefaultConfig() Config {
	return Config{
		SetupSpec:         "@every 10m",
		RenewSpec:         "@every 6h",
		CleanupSpec:       "@every 1h",
		PollSpec:          "@every 15m",
		MinSetupInterval:  5 * time.Minute,
		AccountsPerSecond: 1,
		Jitter:            30 * time.Second,
	}
}

// AccountError is one account that failed during a cycle
type AccountError struct {
	AccountID string          `json:"accountId"`
	Email     string          `json:"email"`
	Provider  models.Provider `json:"provider"`
	Error     string          `json:"error"`
}

// Report summarises one cycle
type Report struct {
	Cycle      string         `json:"cycle"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Skipped    bool           `json:"skipped"`
	Reason     string         `json:"reason,omitempty"`
	Total      int            `json:"total"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	BackingOff int            `json:"backingOff"`
	Errors     []AccountError `json:"errors,omitempty"`
}

// EntryStatus describes one scheduled cycle
type EntryStatus struct {
	Cycle string    `json:"cycle"`
	Spec  string    `json:"spec"`
	Next  time.Time `json:"next"`
	Prev  time.Time `json:"prev,omitempty"`
}

// State is a snapshot of the scheduler
type State struct {
	Running     bool               `json:"running"`
	LastSetupAt *time.Time         `json:"lastSetupAt,omitempty"`
	LastRuns    map[string]*Report `json:"lastRuns"`
	Entries     []EntryStatus      `json:"entries"`
}

type entry struct {
	cycle string
	spec  string
	id    cron.EntryID
}

// Scheduler runs the watch setup, renewal, cleanup and poll cycles
type Scheduler struct {
	accounts store.AccountStore
	engine   Engine
	cfg      Config
	log      logrus.FieldLogger
	now      func() time.Time

	// setupMu serialises setup runs so the throttle check and the run are atomic
	setupMu   gosync.Mutex
	lastSetup time.Time

	mu       gosync.Mutex
	cron     *cron.Cron
	entries  []entry
	ctx      context.Context
	cancel   context.CancelFunc
	lastRuns map[string]*Report
	limiters map[models.Provider]*rate.Limiter
}

// New creates a stopped scheduler
func New(accounts store.AccountStore, engine Engine, cfg Config, log logrus.FieldLogger) *Scheduler {
	def := DefaultConfig()
	if cfg.SetupSpec == "" {
		cfg.SetupSpec = def.SetupSpec
	}
	if cfg.RenewSpec == "" {
		cfg.RenewSpec = def.RenewSpec
	}
	if cfg.CleanupSpec == "" {
		cfg.CleanupSpec = def.CleanupSpec
	}
	if cfg.PollSpec == "" {
		cfg.PollSpec = def.PollSpec
	}
	if cfg.AccountsPerSecond <= 0 {
		cfg.AccountsPerSecond = def.AccountsPerSecond
	}
	return &Scheduler{
		accounts: accounts,
		engine:   engine,
		cfg:      cfg,
		log:      log.WithField("component", "scheduler"),
		now:      time.Now,
		lastRuns: make(map[string]*Report),
		limiters: make(map[models.Provider]*rate.Limiter),
	}
}

// SetClock replaces the time source
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start schedules the cycles. The cycles stop when ctx ends or Stop is called.
// Starting a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.log.Info("scheduler already running")
		return nil
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cron.PrintfLogger(s.log)),
		cron.WithChain(cron.Recover(cron.PrintfLogger(s.log)), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	runCtx, cancel := context.WithCancel(ctx)

	cycles := []struct {
		cycle string
		spec  string
		run   func(context.Context) (*Report, error)
	}{
		{CycleSetup, s.cfg.SetupSpec, s.RunSetup},
		{CycleRenew, s.cfg.RenewSpec, s.RunRenewal},
		{CycleCleanup, s.cfg.CleanupSpec, s.RunCleanup},
		{CyclePoll, s.cfg.PollSpec, s.RunPoll},
	}
	var entries []entry
	for _, cy := range cycles {
		cy := cy
		id, err := c.AddFunc(cy.spec, func() { s.runScheduled(runCtx, cy.cycle, cy.run) })
		if err != nil {
			cancel()
			return fmt.Errorf("invalid %s schedule %q: %w", cy.cycle, cy.spec, err)
		}
		entries = append(entries, entry{cycle: cy.cycle, spec: cy.spec, id: id})
	}

	c.Start()
	s.cron, s.entries, s.ctx, s.cancel = c, entries, runCtx, cancel
	s.log.WithField("setup", s.cfg.SetupSpec).Info("scheduler started")

	if s.cfg.RunOnStart {
		go s.runScheduled(runCtx, CycleSetup, s.RunSetup)
	}
	return nil
}

// Stop cancels in-flight cycles and waits for them to return. Stopping a
// stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.entries, s.ctx, s.cancel = nil, nil, nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
}

// Running reports whether the cycles are scheduled
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// Status returns a snapshot of the scheduler state
func (s *Scheduler) Status() State {
	s.mu.Lock()
	st := State{Running: s.cron != nil, LastRuns: make(map[string]*Report, len(s.lastRuns))}
	for k, v := range s.lastRuns {
		r := *v
		st.LastRuns[k] = &r
	}
	for _, e := range s.entries {
		ce := s.cron.Entry(e.id)
		st.Entries = append(st.Entries, EntryStatus{Cycle: e.cycle, Spec: e.spec, Next: ce.Next, Prev: ce.Prev})
	}
	s.mu.Unlock()

	s.setupMu.Lock()
	if !s.lastSetup.IsZero() {
		t := s.lastSetup
		st.LastSetupAt = &t
	}
	s.setupMu.Unlock()
	return st
}

func (s *Scheduler) runScheduled(ctx context.Context, cycle string, run func(context.Context) (*Report, error)) {
	if s.cfg.Jitter > 0 {
		t := time.NewTimer(rand.N(s.cfg.Jitter))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	if _, err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.WithError(err).WithField("cycle", cycle).Error("cycle failed")
	}
}

func (s *Scheduler) record(r *Report) {
	s.mu.Lock()
	s.lastRuns[r.Cycle] = r
	s.mu.Unlock()
}

func (s *Scheduler) limiter(p models.Provider) *rate.Limiter {
	family := models.ThreadFamily(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[family]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.AccountsPerSecond), 1)
		s.limiters[family] = l
	}
	return l
}
