package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// GmailWebhookResult is the data of a processed Gmail notification
type GmailWebhookResult struct {
	AccountID       string        `json:"accountId"`
	EmailAddress    string        `json:"emailAddress"`
	HistoryID       string        `json:"historyId"`
	EmailsProcessed int           `json:"emailsProcessed"`
	SyncType        sync.SyncType `json:"syncType"`
}

// verifyPush rejects push requests without a valid OIDC token when push auth is on
func (s *Server) verifyPush() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.PushAuth == nil {
			c.Next()
			return
		}
		claims, err := s.deps.PushAuth.VerifyRequest(c.Request)
		if err != nil {
			s.log.WithError(err).WithField("request_id", requestIDOf(c)).Warn("push token rejected")
			fail(c, http.StatusUnauthorized, "invalid push token", nil)
			return
		}
		c.Set("pushEmail", claims.Email)
		c.Next()
	}
}

// decodeGmailNotification unwraps the base64 JSON payload of a Pub/Sub envelope
func decodeGmailNotification(env *models.PushEnvelope) (*models.GmailNotification, error) {
	if env.Message.Data == "" {
		return nil, errors.New("message.data is empty")
	}
	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		// Some publishers use the URL alphabet
		raw, err = base64.URLEncoding.DecodeString(env.Message.Data)
		if err != nil {
			return nil, fmt.Errorf("message.data is not base64: %w", err)
		}
	}
	var n models.GmailNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("message.data is not a gmail notification: %w", err)
	}
	n.EmailAddress = strings.TrimSpace(n.EmailAddress)
	if n.EmailAddress == "" {
		return nil, errors.New("notification has no emailAddress")
	}
	if !n.HistoryID.Valid() {
		return nil, fmt.Errorf("notification historyId %q is not numeric", n.HistoryID)
	}
	return &n, nil
}

// gmailWebhook handles Pub/Sub pushes of Gmail watch notifications.
// Anything that retrying cannot fix is acknowledged with 200 so Pub/Sub stops
// redelivering it.
func (s *Server) gmailWebhook(c *gin.Context) {
	var env models.PushEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		fail(c, http.StatusBadRequest, "invalid push envelope", err)
		return
	}
	n, err := decodeGmailNotification(&env)
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid notification payload", err)
		return
	}

	historyID := string(n.HistoryID)
	log := s.log.WithFields(logrus.Fields{
		"request_id":    requestIDOf(c),
		"email_address": n.EmailAddress,
		"history_id":    historyID,
		"message_id":    env.Message.MessageID,
	})

	acct, err := s.deps.Accounts.FindActiveByEmail(c.Request.Context(), n.EmailAddress, models.ProviderGmail)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("notification for unknown mailbox acknowledged")
		respond(c, http.StatusOK, "no active account for this address", gin.H{"emailAddress": n.EmailAddress})
		return
	}
	if err != nil {
		log.WithError(err).Error("account lookup failed")
		fail(c, http.StatusInternalServerError, "account lookup failed", err)
		return
	}
	if !acct.OAuth.HasAccessToken() {
		log.WithField("account_id", acct.ID).Info("notification for account without token acknowledged")
		respond(c, http.StatusOK, "account has no access token", gin.H{"accountId": acct.ID, "emailAddress": n.EmailAddress})
		return
	}

	opts := sync.SyncOptions{}
	if id, ok := n.HistoryID.Uint64(); ok && id > 0 {
		opts.HistoryID = strconv.FormatUint(id, 10)
	}
	res, err := s.deps.Engine.Sync(c.Request.Context(), acct, opts)
	if err != nil {
		if auth.RequiresReAuth(err) {
			s.ackReauth(c, acct, n.EmailAddress, err)
			return
		}
		log.WithError(err).WithField("account_id", acct.ID).Error("notification sync failed")
		fail(c, http.StatusInternalServerError, "sync failed", err)
		return
	}
	if !res.Success {
		if res.Failure != nil && (res.Failure.Kind == sync.KindAuth || auth.RequiresReAuth(res.Failure)) {
			s.ackReauth(c, acct, n.EmailAddress, res.Failure)
			return
		}
		log.WithField("account_id", acct.ID).WithField("error", res.Error).Warn("notification sync unsuccessful")
		fail(c, http.StatusInternalServerError, "sync failed", errors.New(res.Error))
		return
	}

	respond(c, http.StatusOK, "notification processed", GmailWebhookResult{
		AccountID:       acct.ID,
		EmailAddress:    n.EmailAddress,
		HistoryID:       historyID,
		EmailsProcessed: res.Processed,
		SyncType:        res.SyncType,
	})
}

func (s *Server) ackReauth(c *gin.Context, acct *models.Account, email string, cause error) {
	s.log.WithFields(logrus.Fields{
		"request_id": requestIDOf(c),
		"account_id": acct.ID,
	}).WithError(cause).Warn("account requires re-authentication, notification acknowledged")
	c.JSON(http.StatusOK, Envelope{
		Success:   false,
		Message:   "account requires re-authentication",
		Data:      gin.H{"accountId": acct.ID, "emailAddress": email, "requiresReauth": true},
		Error:     cause.Error(),
		RequestID: requestIDOf(c),
	})
}
