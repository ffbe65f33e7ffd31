package api

import (
	"context"
	"net/http"
	gosync "sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/instance"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/scheduler"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const requestIDHeader = "X-Request-ID"

// SyncEngine is the part of sync.Manager the handlers call
type SyncEngine interface {
	Sync(ctx context.Context, acct *models.Account, opts sync.SyncOptions) (*sync.SyncResult, error)
	SetupWatch(ctx context.Context, acct *models.Account) (*sync.WatchResult, error)
	StopWatch(ctx context.Context, acct *models.Account) error
	UnifiedThreads(ctx context.Context, acct *models.Account, opts sync.ListOptions) ([]models.UnifiedThread, error)
	UnifiedThread(ctx context.Context, acct *models.Account, threadID string) (*models.UnifiedThread, error)
	CountThreads(ctx context.Context, acct *models.Account) (int, error)
	Deactivate(ctx context.Context, acct *models.Account) error
	SetPrimary(ctx context.Context, acct *models.Account) error
	IsRunning(accountID string) bool
	GetRunningSyncs() []string
}

// Scheduler controls the cron cycles
type Scheduler interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
	Status() scheduler.State
	TriggerAll(ctx context.Context) (*scheduler.Report, error)
	TriggerAccount(ctx context.Context, accountID string) (*scheduler.Report, error)
}

// Provisioner manages the push subscriptions of instances
type Provisioner interface {
	Provision(ctx context.Context, inst models.Instance) (*instance.ProvisionResult, error)
	Stats(ctx context.Context, inst models.Instance) (*instance.Stats, error)
	TestWebhook(ctx context.Context, inst models.Instance, emailAddress string) (*instance.WebhookTest, error)
}

// PushVerifier authenticates Pub/Sub push requests
type PushVerifier interface {
	VerifyRequest(r *http.Request) (*auth.PushClaims, error)
}

// BreakerReporter exposes the state of a provider circuit breaker
type BreakerReporter interface {
	BreakerState() string
}

// ConfigChecker reports required settings that are missing
type ConfigChecker interface {
	MissingRequired() []string
}

// Deps are the collaborators of the HTTP server. Provisioner, PushAuth,
// Config and Breakers are optional.
type Deps struct {
	Accounts    store.AccountStore
	Engine      SyncEngine
	Scheduler   Scheduler
	Registry    *instance.Registry
	Provisioner Provisioner
	PushAuth    PushVerifier
	Config      ConfigChecker
	// Breakers are reported by GET /api/sync/status
	Breakers map[models.Provider]BreakerReporter
	// OutlookClientState must match the clientState of Graph notifications when set.
	OutlookClientState string
	// BaseContext outlives requests; scheduler starts and background syncs derive from it.
	BaseContext context.Context
	// BackgroundTimeout bounds syncs started by Graph notifications.
	BackgroundTimeout time.Duration
	// Degraded lists startup problems, such as an unusable encryption key,
	// that the service runs without. /health reports them.
	Degraded []string
}

// Server serves the webhooks and the operational endpoints
type Server struct {
	deps   Deps
	log    logrus.FieldLogger
	router *gin.Engine

	// background tracks syncs started after a notification was acknowledged
	background gosync.WaitGroup
}

// NewServer builds the router
func NewServer(deps Deps, log logrus.FieldLogger) *Server {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	if deps.BackgroundTimeout <= 0 {
		deps.BackgroundTimeout = 2 * time.Minute
	}
	s := &Server{deps: deps, log: log.WithField("component", "api")}

	r := gin.New()
	r.Use(requestID(), s.requestLogger(), gin.CustomRecovery(s.recovered))
	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, "route not found", nil)
	})

	r.GET("/health", s.health)

	hooks := r.Group("/api")
	{
		hooks.POST("/gmail-webhook/webhook", s.verifyPush(), s.gmailWebhook)
		hooks.POST("/outlook-webhook/webhook", s.outlookWebhook)
	}

	ops := r.Group("/api/sync")
	{
		ops.POST("/watch", s.watchAll)
		ops.GET("/status", s.syncStatus)

		ops.POST("/accounts/:id/trigger", s.triggerAccount)
		ops.POST("/accounts/:id/watch", s.watchAccount)
		ops.POST("/accounts/:id/renew", s.renewAccount)
		ops.DELETE("/accounts/:id/watch", s.stopWatch)
		ops.POST("/accounts/:id/sync", s.syncAccount)
		ops.GET("/accounts/:id/status", s.accountStatus)
		ops.GET("/accounts/:id/threads", s.accountThreads)
		ops.GET("/accounts/:id/threads/:threadId", s.accountThread)
		ops.PUT("/accounts/:id/primary", s.setPrimary)
		ops.DELETE("/accounts/:id", s.deactivateAccount)

		ops.POST("/cron/start", s.cronStart)
		ops.POST("/cron/stop", s.cronStop)
		ops.GET("/cron/status", s.cronStatus)
	}

	inst := r.Group("/api/instances")
	{
		inst.GET("", s.listInstances)
		inst.GET("/:id/stats", s.instanceStats)
		inst.POST("/:id/test-webhook", s.testWebhook)
		inst.PUT("/:id/webhook-url", s.updateWebhookURL)
	}

	r.GET("/api/config/check", s.configCheck)

	s.router = r
	return s
}

// Handler returns the root http.Handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until syncs started by notifications have finished
func (s *Server) Wait() {
	s.background.Wait()
}

// goBackground runs fn detached from the request that triggered it
func (s *Server) goBackground(fn func(ctx context.Context)) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(s.deps.BaseContext, s.deps.BackgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// health answers 200 while the process is up. A service missing required
// settings reports status "degraded" with the details.
func (s *Server) health(c *gin.Context) {
	data := gin.H{"status": "ok", "time": time.Now().UTC()}
	if s.deps.Config != nil {
		if missing := s.deps.Config.MissingRequired(); len(missing) > 0 {
			data["status"] = "degraded"
			data["missingConfig"] = missing
		}
	}
	if len(s.deps.Degraded) > 0 {
		data["status"] = "degraded"
		data["problems"] = s.deps.Degraded
	}
	if s.deps.Registry != nil {
		data["instanceId"] = s.deps.Registry.CurrentID()
	}
	if s.deps.Scheduler != nil {
		data["scheduler"] = s.deps.Scheduler.Running()
	}
	c.JSON(http.StatusOK, data)
}

// requestID tags every request with an id, reusing the caller's when given
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := s.log.WithFields(logrus.Fields{
			"request_id": requestIDOf(c),
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).String(),
		})
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("request failed")
		case c.Writer.Status() >= http.StatusBadRequest:
			entry.Warn("request rejected")
		default:
			entry.Debug("request served")
		}
	}
}

func (s *Server) recovered(c *gin.Context, p any) {
	s.log.WithFields(logrus.Fields{
		"request_id": requestIDOf(c),
		"panic":      p,
	}).Error("handler panicked")
	fail(c, http.StatusInternalServerError, "internal error", nil)
}
