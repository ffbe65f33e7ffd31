package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// WatchResponse describes an established watch
type WatchResponse struct {
	AccountID      string          `json:"accountId"`
	Provider       models.Provider `json:"provider"`
	Expiration     time.Time       `json:"expiration"`
	HistoryID      string          `json:"historyId,omitempty"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
}

// SyncRequest is the optional body of a manual sync
type SyncRequest struct {
	Folder    string     `json:"folder"`
	Limit     int        `json:"limit" binding:"gte=0"`
	Since     *time.Time `json:"since"`
	FetchAll  bool       `json:"fetchAll"`
	HistoryID string     `json:"historyId"`
}

// AccountStatus is the sync state of one account
type AccountStatus struct {
	AccountID        string                  `json:"accountId"`
	Email            string                  `json:"email"`
	Provider         models.Provider         `json:"provider"`
	IsActive         bool                    `json:"isActive"`
	ConnectionStatus models.ConnectionStatus `json:"connectionStatus"`
	StatusMessage    string                  `json:"statusMessage,omitempty"`
	HasAccessToken   bool                    `json:"hasAccessToken"`
	IsPrimary        bool                    `json:"isPrimary"`
	SyncRunning      bool                    `json:"syncRunning"`
	ThreadCount      int                     `json:"threadCount"`
	SyncState        models.SyncState        `json:"syncState"`
}

func (s *Server) loadAccount(c *gin.Context) (*models.Account, bool) {
	acct, err := s.deps.Accounts.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, statusFor(err), "account not found", err)
		return nil, false
	}
	return acct, true
}

func (s *Server) watchAll(c *gin.Context) {
	report, err := s.deps.Scheduler.TriggerAll(c.Request.Context())
	if err != nil {
		fail(c, statusFor(err), "watch setup failed", err)
		return
	}
	msg := "watch setup finished"
	if report.Skipped {
		msg = "watch setup skipped: " + report.Reason
	}
	respond(c, http.StatusOK, msg, report)
}

// triggerAccount sets up the watch of a push account, or syncs a polled one,
// right away. The setup throttle and the account's backoff do not apply.
func (s *Server) triggerAccount(c *gin.Context) {
	report, err := s.deps.Scheduler.TriggerAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, statusFor(err), "trigger failed", err)
		return
	}
	if report.Failed > 0 {
		c.JSON(http.StatusBadGateway, Envelope{
			Success:   false,
			Message:   "trigger failed",
			Data:      report,
			Error:     report.Errors[0].Error,
			RequestID: requestIDOf(c),
		})
		return
	}
	respond(c, http.StatusOK, "trigger finished", report)
}

func (s *Server) watchAccount(c *gin.Context) {
	acct, ok := s.loadAccount(c)
	if !ok {
		return
	}
	s.setupWatch(c, acct, "watch established")
}

func (s *Server) renewAccount(c *gin.Context) {
	acct, ok := s.loadAccount(c)
	if !ok {
		return
	}
	if !acct.SyncState.IsWatching {
		fail(c, http.StatusBadRequest, "account is not watching, set up a watch first", nil)
		return
	}
	s.setupWatch(c, acct, "watch renewed")
}

func (s *Server) setupWatch(c *gin.Context, acct *models.Account, msg string) {
	wr, err := s.deps.Engine.SetupWatch(c.Request.Context(), acct)
	if err != nil {
		fail(c, statusFor(err), "watch setup failed", err)
		return
	}
	respond(c, http.StatusOK, msg, WatchResponse{
		AccountID:      acct.ID,
		Provider:       acct.Provider,
		Expiration:     wr.Expiration,
		HistoryID:      wr.HistoryID,
		SubscriptionID: wr.SubscriptionID,
	})
}

func (s *Server) stopWatch(c *gin.Context) {
	acct, ok := s.loadAccount(c)
	if !ok {
		return
	}
	if err := s.deps.Engine.StopWatch(c.Request.Context(), acct); err != nil {
		fail(c, statusFor(err), "failed to stop watch", err)
		return
	}
	respond(c, http.StatusOK, "watch stopped", gin.H{"accountId": acct.ID})
}

func (s *Server) syncAccount(c *gin.Context) {
	acct, ok := s.loadAccount(c)
	if !ok {
		return
	}
	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, "invalid sync request", err)
		return
	}

	res, err := s.deps.Engine.Sync(c.Request.Context(), acct, sync.SyncOptions{
		Folder:    req.Folder,
		Limit:     req.Limit,
		Since:     req.Since,
		FetchAll:  req.FetchAll,
		HistoryID: req.HistoryID,
	})
	if err != nil {
		fail(c, statusFor(err), "sync failed", err)
		return
	}
	if !res.Success {
		status := http.StatusBadGateway
		if res.Failure != nil {
			status = statusFor(res.Failure)
		}
		c.JSON(status, Envelope{Success: false, Message: "sync failed", Data: res, Error: res.Error, RequestID: requestIDOf(c)})
		return
	}
	respond(c, http.StatusOK, "sync finished", res)
}

func (s *Server) accountStatus(c *gin.Context) {
	acct, ok := s.loadAccount(c)
	if !ok {
		return
	}
	count, err := s.deps.Engine.CountThreads(c.Request.Context(), acct)
	if err != nil && !errors.Is(err, sync.ErrNoAdapter) {
		fail(c, statusFor(err), "failed to count threads", err)
		return
	}
	respond(c, http.StatusOK, "", AccountStatus{
		AccountID:        acct.ID,
		Email:            acct.Email,
		Provider:         acct.Provider,
		IsActive:         acct.IsActive,
		ConnectionStatus: acct.ConnectionStatus,
		StatusMessage:    acct.StatusMessage,
		HasAccessToken:   acct.OAuth.HasAccessToken(),
		IsPrimary:        acct.IsPrimary,
		SyncRunning:      s.deps.Engine.IsRunning(acct.ID),
		ThreadCount:      count,
		SyncState:        acct.SyncState,
	})
}

func (s *Server) accountThread(c *gin.Context) {
	acct, ok := s.loadAccount(c)
	if !ok {
		return
	}
	thread, err := s.deps.Engine.UnifiedThread(c.Request.Context(), acct, c.Param("threadId"))
	if err != nil {
		fail(c, statusFor(err), "thread not found", err)
		return
	}
	respond(c, http.StatusOK, "", thread)
}

func (s *Server) setPrimary(c *gin.Context) {
	acct, ok := s.loadAccount(c)
	if !ok {
		return
	}
	if err := s.deps.Engine.SetPrimary(c.Request.Context(), acct); err != nil {
		fail(c, statusFor(err), "failed to set primary account", err)
		return
	}
	respond(c, http.StatusOK, "primary account set", gin.H{"accountId": acct.ID, "userId": acct.UserID})
}

func (s *Server) deactivateAccount(c *gin.Context) {
	acct, ok := s.loadAccount(c)
	if !ok {
		return
	}
	if err := s.deps.Engine.Deactivate(c.Request.Context(), acct); err != nil {
		fail(c, statusFor(err), "failed to deactivate account", err)
		return
	}
	respond(c, http.StatusOK, "account deactivated", gin.H{"accountId": acct.ID})
}

func (s *Server) accountThreads(c *gin.Context) {
	acct, ok := s.loadAccount(c)
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid query", err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid query", err)
		return
	}

	threads, err := s.deps.Engine.UnifiedThreads(c.Request.Context(), acct, sync.ListOptions{
		Folder:     c.Query("folder"),
		Limit:      limit,
		Offset:     offset,
		UnreadOnly: c.Query("unread") == "true",
	})
	if err != nil {
		fail(c, statusFor(err), "failed to list threads", err)
		return
	}
	respond(c, http.StatusOK, "", gin.H{"threads": threads, "count": len(threads)})
}

func (s *Server) syncStatus(c *gin.Context) {
	data := gin.H{
		"runningSyncs": s.deps.Engine.GetRunningSyncs(),
		"scheduler":    s.deps.Scheduler.Status(),
	}
	if s.deps.Registry != nil {
		data["instanceId"] = s.deps.Registry.CurrentID()
	}
	if len(s.deps.Breakers) > 0 {
		breakers := make(map[models.Provider]string, len(s.deps.Breakers))
		for p, b := range s.deps.Breakers {
			breakers[p] = b.BreakerState()
		}
		data["breakers"] = breakers
	}
	respond(c, http.StatusOK, "", data)
}

func (s *Server) cronStart(c *gin.Context) {
	if err := s.deps.Scheduler.Start(s.deps.BaseContext); err != nil {
		fail(c, statusFor(err), "failed to start scheduler", err)
		return
	}
	respond(c, http.StatusOK, "scheduler started", s.deps.Scheduler.Status())
}

func (s *Server) cronStop(c *gin.Context) {
	s.deps.Scheduler.Stop()
	respond(c, http.StatusOK, "scheduler stopped", s.deps.Scheduler.Status())
}

func (s *Server) cronStatus(c *gin.Context) {
	respond(c, http.StatusOK, "", s.deps.Scheduler.Status())
}
