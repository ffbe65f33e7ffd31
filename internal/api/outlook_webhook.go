package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// Graph lifecycle events
const (
	lifecycleReauthorize = "reauthorizationRequired"
	lifecycleRemoved     = "subscriptionRemoved"
	lifecycleMissed      = "missed"
)

// graphNotification is one entry of a Graph change or lifecycle notification
type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	LifecycleEvent string `json:"lifecycleEvent"`
	TenantID       string `json:"tenantId"`
}

type graphNotificationBatch struct {
	Value []graphNotification `json:"value"`
}

// outlookWebhook answers the Graph validation handshake and turns change
// notifications into incremental syncs. Graph wants an answer within seconds,
// so the work runs after the 202.
func (s *Server) outlookWebhook(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
		return
	}

	var batch graphNotificationBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		fail(c, http.StatusBadRequest, "invalid notification body", err)
		return
	}

	log := s.log.WithField("request_id", requestIDOf(c))
	ctx := c.Request.Context()
	type job struct {
		acct  *models.Account
		renew bool
	}
	jobs := make(map[string]*job)
	var order []string
	rejected := 0

	for _, n := range batch.Value {
		nlog := log.WithField("subscription_id", n.SubscriptionID)
		if !s.clientStateMatches(n.ClientState) {
			nlog.Warn("notification with wrong client state dropped")
			rejected++
			continue
		}
		acct, err := s.deps.Accounts.FindBySubscription(ctx, n.SubscriptionID)
		if errors.Is(err, store.ErrNotFound) {
			nlog.Info("notification for unknown subscription dropped")
			continue
		}
		if err != nil {
			nlog.WithError(err).Error("subscription lookup failed")
			fail(c, http.StatusInternalServerError, "subscription lookup failed", err)
			return
		}

		j, seen := jobs[acct.ID]
		if !seen {
			j = &job{acct: acct}
			jobs[acct.ID] = j
			order = append(order, acct.ID)
		}
		switch n.LifecycleEvent {
		case lifecycleReauthorize, lifecycleRemoved:
			j.renew = true
		case "", lifecycleMissed:
		default:
			nlog.WithField("lifecycle_event", n.LifecycleEvent).Debug("lifecycle event ignored")
		}
	}

	for _, id := range order {
		j := jobs[id]
		s.goBackground(func(ctx context.Context) {
			s.handleOutlookChange(ctx, j.acct, j.renew)
		})
	}

	c.JSON(http.StatusAccepted, Envelope{
		Success:   true,
		Message:   "notifications accepted",
		Data:      gin.H{"accounts": len(order), "rejected": rejected},
		RequestID: requestIDOf(c),
	})
}

func (s *Server) handleOutlookChange(ctx context.Context, acct *models.Account, renew bool) {
	log := s.log.WithFields(logrus.Fields{"account_id": acct.ID, "provider": acct.Provider})
	if renew {
		if _, err := s.deps.Engine.SetupWatch(ctx, acct); err != nil {
			log.WithError(err).Warn("subscription renewal after lifecycle event failed")
		}
	}
	res, err := s.deps.Engine.Sync(ctx, acct, sync.SyncOptions{})
	if err != nil {
		log.WithError(err).Error("notification sync failed")
		return
	}
	if !res.Success {
		log.WithField("error", res.Error).Warn("notification sync unsuccessful")
	}
}

func (s *Server) clientStateMatches(got string) bool {
	want := s.deps.OutlookClientState
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
