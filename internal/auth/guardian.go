package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/Martian-dev/mailsync/internal/crypto"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
)

// DefaultRefreshMargin is how close to expiry an access token gets refreshed.
const DefaultRefreshMargin = 5 * time.Minute

// ReauthMessage is shown to the mailbox owner once the refresh token is rejected.
const ReauthMessage = "Authentication expired, please re-authenticate this mailbox"

// Validator makes one cheap authenticated call to prove a token works.
// Implementations wrap ErrUnauthorized when the provider answers 401.
type Validator interface {
	Validate(ctx context.Context, acct *models.Account, accessToken string) error
}

// Session is a usable access token for one account.
type Session struct {
	AccountID   string
	Provider    models.Provider
	AccessToken string
	Expiry      time.Time
	// Refreshed is set when Ensure obtained a new token.
	Refreshed bool
	// Stale is set when a refresh failed transiently and the cached token was reused.
	Stale bool
}

// Guardian hands out valid access tokens, refreshing and persisting them as needed.
type Guardian struct {
	accounts   store.AccountStore
	codec      *crypto.TokenCodec
	log        logrus.FieldLogger
	refreshers map[models.Provider]Refresher
	validators map[models.Provider]Validator
	margin     time.Duration
	now        func() time.Time
	group      singleflight.Group
}

// NewGuardian creates a Guardian using DefaultRefreshMargin. A nil codec is
// allowed; Ensure then fails with crypto.ErrNoKey for every account.
func NewGuardian(accounts store.AccountStore, codec *crypto.TokenCodec, log logrus.FieldLogger) *Guardian {
	return &Guardian{
		accounts:   accounts,
		codec:      codec,
		log:        log.WithField("component", "token-guardian"),
		refreshers: make(map[models.Provider]Refresher),
		validators: make(map[models.Provider]Validator),
		margin:     DefaultRefreshMargin,
		now:        time.Now,
	}
}

// Register wires the refresher and optional validator of a provider.
func (g *Guardian) Register(p models.Provider, r Refresher, v Validator) {
	g.refreshers[p] = r
	if v != nil {
		g.validators[p] = v
	}
}

// SetRefreshMargin overrides DefaultRefreshMargin.
func (g *Guardian) SetRefreshMargin(d time.Duration) {
	g.margin = d
}

// SetClock replaces time.Now.
func (g *Guardian) SetClock(now func() time.Time) {
	g.now = now
}

// Ensure returns a session with a valid access token for acct.
// Concurrent calls for the same account share one refresh.
func (g *Guardian) Ensure(ctx context.Context, acct *models.Account) (*Session, error) {
	if !acct.Provider.SupportsOAuth() {
		return nil, fmt.Errorf("provider %s does not use oauth tokens", acct.Provider)
	}

	v, err, _ := g.group.Do(acct.ID, func() (any, error) {
		return g.ensure(ctx, acct)
	})
	if err != nil {
		return nil, err
	}
	sess := *v.(*Session)
	return &sess, nil
}

func (g *Guardian) ensure(ctx context.Context, acct *models.Account) (*Session, error) {
	log := g.log.WithFields(logrus.Fields{"account_id": acct.ID, "provider": acct.Provider})

	// Another caller may have refreshed since acct was loaded
	if fresh, err := g.accounts.GetAccount(ctx, acct.ID); err == nil {
		acct = fresh
	} else if !errors.Is(err, store.ErrNotFound) {
		log.WithError(err).Warn("reload account before token check failed")
	}

	if acct.OAuth == nil {
		return nil, g.requireReauth(ctx, acct, ErrNoRefreshToken)
	}
	if g.codec == nil {
		log.Warn("no encryption key configured, stored tokens cannot be opened")
		return nil, &AuthError{AccountID: acct.ID, Err: crypto.ErrNoKey}
	}

	now := g.now()
	sess := &Session{AccountID: acct.ID, Provider: acct.Provider}

	cached, cachedErr := "", errors.New("no access token")
	if acct.OAuth.HasAccessToken() {
		cached, cachedErr = g.codec.Open(acct.OAuth.EncryptedAccessToken)
		if cachedErr != nil {
			log.WithError(cachedErr).Warn("stored access token could not be decrypted")
		}
	}

	fresh := cachedErr == nil && acct.OAuth.TokenExpiry != nil && acct.OAuth.TokenExpiry.Sub(now) >= g.margin
	if fresh {
		sess.AccessToken = cached
		sess.Expiry = *acct.OAuth.TokenExpiry
	} else {
		tok, err := g.refresh(ctx, acct)
		switch {
		case err == nil:
			sess.AccessToken = tok.AccessToken
			sess.Expiry = tok.Expiry
			sess.Refreshed = true
			log.WithField("expires_at", tok.Expiry).Info("access token refreshed")
		case IsTerminal(err):
			log.WithError(err).Warn("refresh token rejected")
			return nil, g.requireReauth(ctx, acct, err)
		case cachedErr == nil && (acct.OAuth.TokenExpiry == nil || acct.OAuth.TokenExpiry.After(now)):
			log.WithError(err).Warn("token refresh failed, reusing cached access token")
			sess.AccessToken = cached
			if acct.OAuth.TokenExpiry != nil {
				sess.Expiry = *acct.OAuth.TokenExpiry
			}
			sess.Stale = true
		default:
			log.WithError(err).Warn("token refresh failed and no usable cached token")
			return nil, &AuthError{AccountID: acct.ID, Retryable: true, Err: err}
		}
	}

	if v, ok := g.validators[acct.Provider]; ok {
		if err := v.Validate(ctx, acct, sess.AccessToken); err != nil {
			if IsTerminal(err) {
				log.WithError(err).Warn("access token rejected by provider")
				return nil, g.requireReauth(ctx, acct, err)
			}
			log.WithError(err).Warn("token validation call failed")
		}
	}

	return sess, nil
}

// Expire marks the stored access token as expired so the next Ensure refreshes it.
// Used when a provider rejects a token mid-sync that Ensure still considered valid.
func (g *Guardian) Expire(ctx context.Context, acct *models.Account) error {
	fresh, err := g.accounts.GetAccount(ctx, acct.ID)
	if err != nil {
		return err
	}
	if fresh.OAuth == nil {
		return nil
	}
	bundle := *fresh.OAuth
	past := g.now().Add(-time.Second)
	bundle.TokenExpiry = &past
	return g.accounts.UpdateOAuth(ctx, acct.ID, &bundle)
}

// refresh obtains and persists a new access token.
func (g *Guardian) refresh(ctx context.Context, acct *models.Account) (*Token, error) {
	r, ok := g.refreshers[acct.Provider]
	if !ok {
		return nil, fmt.Errorf("no token refresher registered for %s", acct.Provider)
	}
	if acct.OAuth.EncryptedRefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	refreshToken, err := g.codec.Open(acct.OAuth.EncryptedRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}

	tok, err := r.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	bundle := *acct.OAuth
	if bundle.EncryptedAccessToken, err = g.codec.Seal(tok.AccessToken); err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		if bundle.EncryptedRefreshToken, err = g.codec.Seal(tok.RefreshToken); err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	expiry := tok.Expiry
	bundle.TokenExpiry = &expiry

	if err := g.accounts.UpdateOAuth(ctx, acct.ID, &bundle); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	acct.OAuth = &bundle

	if acct.ConnectionStatus != models.StatusConnected {
		if err := g.accounts.SetConnectionStatus(ctx, acct.ID, models.StatusConnected, ""); err != nil {
			g.log.WithError(err).WithField("account_id", acct.ID).Warn("failed to mark account connected")
		}
		acct.ConnectionStatus = models.StatusConnected
		acct.StatusMessage = ""
	}

	return tok, nil
}

// requireReauth clears the access token and flags the account for the owner.
func (g *Guardian) requireReauth(ctx context.Context, acct *models.Account, cause error) error {
	if acct.OAuth != nil {
		bundle := *acct.OAuth
		bundle.EncryptedAccessToken = ""
		bundle.TokenExpiry = nil
		if err := g.accounts.UpdateOAuth(ctx, acct.ID, &bundle); err != nil {
			g.log.WithError(err).WithField("account_id", acct.ID).Error("failed to clear access token")
		}
		acct.OAuth = &bundle
	}
	if err := g.accounts.SetConnectionStatus(ctx, acct.ID, models.StatusError, ReauthMessage); err != nil {
		g.log.WithError(err).WithField("account_id", acct.ID).Error("failed to flag account for re-authentication")
	}
	acct.ConnectionStatus = models.StatusError
	acct.StatusMessage = ReauthMessage

	return &AuthError{AccountID: acct.ID, RequiresReAuth: true, Err: cause}
}
