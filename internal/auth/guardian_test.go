package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/crypto"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store/sqlite"
)

type mockRefresher struct {
	mock.Mock
}

func (m *mockRefresher) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	args := m.Called(ctx, refreshToken)
	tok, _ := args.Get(0).(*Token)
	return tok, args.Error(1)
}

type mockValidator struct {
	mock.Mock
}

func (m *mockValidator) Validate(ctx context.Context, acct *models.Account, accessToken string) error {
	return m.Called(ctx, acct.ID, accessToken).Error(0)
}

type guardianFixture struct {
	guardian  *Guardian
	store     *sqlite.Store
	codec     *crypto.TokenCodec
	refresher *mockRefresher
	validator *mockValidator
	logs      *test.Hook
	now       time.Time
}

func newGuardianFixture(t *testing.T) *guardianFixture {
	t.Helper()

	st, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	codec, err := crypto.NewTokenCodec(key)
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })

	f := &guardianFixture{
		store:     st,
		codec:     codec,
		refresher: &mockRefresher{},
		validator: &mockValidator{},
		logs:      hook,
		now:       now,
	}
	f.guardian = NewGuardian(st, codec, logger)
	f.guardian.SetClock(func() time.Time { return now })
	f.guardian.Register(models.ProviderGmail, f.refresher, f.validator)
	return f
}

// account stores a gmail account whose cached token expires after remaining.
func (f *guardianFixture) account(t *testing.T, remaining time.Duration, cached string) *models.Account {
	t.Helper()
	refresh, err := f.codec.Seal("refresh-1")
	require.NoError(t, err)
	access, err := f.codec.Seal(cached)
	require.NoError(t, err)

	bundle := &models.OAuthBundle{EncryptedRefreshToken: refresh, EncryptedAccessToken: access}
	if cached != "" {
		expiry := f.now.Add(remaining)
		bundle.TokenExpiry = &expiry
	}

	acct := &models.Account{
		ID:       "acc-1",
		UserID:   "user-1",
		Email:    "shop@example.com",
		Provider: models.ProviderGmail,
		IsActive: true,
		OAuth:    bundle,
	}
	require.NoError(t, f.store.CreateAccount(context.Background(), acct))
	return acct
}

func TestEnsureUsesCachedTokenOutsideMargin(t *testing.T) {
	f := newGuardianFixture(t)
	acct := f.account(t, 10*time.Minute, "cached-token")
	f.validator.On("Validate", mock.Anything, "acc-1", "cached-token").Return(nil)

	sess, err := f.guardian.Ensure(context.Background(), acct)
	require.NoError(t, err)

	assert.Equal(t, "cached-token", sess.AccessToken)
	assert.False(t, sess.Refreshed)
	f.refresher.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
}

func TestEnsureRefreshesInsideMargin(t *testing.T) {
	f := newGuardianFixture(t)
	acct := f.account(t, 4*time.Minute, "cached-token")
	newExpiry := f.now.Add(time.Hour)
	f.refresher.On("Refresh", mock.Anything, "refresh-1").
		Return(&Token{AccessToken: "new-token", RefreshToken: "refresh-1", Expiry: newExpiry}, nil).Once()
	f.validator.On("Validate", mock.Anything, "acc-1", "new-token").Return(nil)

	sess, err := f.guardian.Ensure(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, "new-token", sess.AccessToken)
	assert.True(t, sess.Refreshed)

	stored, err := f.store.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	plain, err := f.codec.Open(stored.OAuth.EncryptedAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "new-token", plain)
	assert.True(t, stored.OAuth.TokenExpiry.Equal(newExpiry))

	// A second call is inside the new token's lifetime and does not refresh again.
	_, err = f.guardian.Ensure(context.Background(), stored)
	require.NoError(t, err)
	f.refresher.AssertNumberOfCalls(t, "Refresh", 1)
}

func TestEnsurePersistsRotatedRefreshToken(t *testing.T) {
	f := newGuardianFixture(t)
	acct := f.account(t, 0, "")
	f.refresher.On("Refresh", mock.Anything, "refresh-1").
		Return(&Token{AccessToken: "new-token", RefreshToken: "refresh-2", Expiry: f.now.Add(time.Hour)}, nil)
	f.validator.On("Validate", mock.Anything, "acc-1", "new-token").Return(nil)

	_, err := f.guardian.Ensure(context.Background(), acct)
	require.NoError(t, err)

	stored, err := f.store.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	plain, err := f.codec.Open(stored.OAuth.EncryptedRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", plain)
}

func TestEnsureInvalidGrantRequiresReauth(t *testing.T) {
	f := newGuardianFixture(t)
	acct := f.account(t, time.Minute, "cached-token")
	f.refresher.On("Refresh", mock.Anything, "refresh-1").
		Return(nil, fmt.Errorf("refresh token: %w", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}))

	_, err := f.guardian.Ensure(context.Background(), acct)
	require.Error(t, err)

	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.True(t, ae.RequiresReAuth)
	assert.False(t, ae.Retryable)
	assert.True(t, RequiresReAuth(err))

	stored, err := f.store.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.False(t, stored.OAuth.HasAccessToken())
	assert.Equal(t, models.StatusError, stored.ConnectionStatus)
	assert.Equal(t, ReauthMessage, stored.StatusMessage)
	f.validator.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything, mock.Anything)
}

func TestEnsureTransientFailureReusesCachedToken(t *testing.T) {
	f := newGuardianFixture(t)
	acct := f.account(t, 4*time.Minute, "cached-token")
	f.refresher.On("Refresh", mock.Anything, "refresh-1").Return(nil, errors.New("connection reset by peer"))
	f.validator.On("Validate", mock.Anything, "acc-1", "cached-token").Return(nil)

	sess, err := f.guardian.Ensure(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, "cached-token", sess.AccessToken)
	assert.True(t, sess.Stale)

	stored, err := f.store.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, stored.ConnectionStatus)

	var warned bool
	for _, e := range f.logs.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "token refresh failed, reusing cached access token" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestEnsureTransientFailureWithoutTokenIsRetryable(t *testing.T) {
	f := newGuardianFixture(t)
	acct := f.account(t, 0, "")
	f.refresher.On("Refresh", mock.Anything, "refresh-1").
		Return(nil, &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusBadGateway}})

	_, err := f.guardian.Ensure(context.Background(), acct)

	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.True(t, ae.Retryable)
	assert.False(t, ae.RequiresReAuth)

	stored, err := f.store.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, stored.ConnectionStatus)
}

func TestEnsureTransientFailureDoesNotReuseExpiredToken(t *testing.T) {
	f := newGuardianFixture(t)
	acct := f.account(t, -time.Minute, "expired-token")
	f.refresher.On("Refresh", mock.Anything, "refresh-1").Return(nil, errors.New("connection reset by peer"))

	_, err := f.guardian.Ensure(context.Background(), acct)

	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.True(t, ae.Retryable)
	assert.False(t, ae.RequiresReAuth)
	f.validator.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything, mock.Anything)
}

func TestEnsureWithoutCodecFailsWithoutTouchingAccount(t *testing.T) {
	f := newGuardianFixture(t)
	acct := f.account(t, time.Hour, "cached-token")
	logger, _ := test.NewNullLogger()
	g := NewGuardian(f.store, nil, logger)
	g.Register(models.ProviderGmail, f.refresher, f.validator)

	_, err := g.Ensure(context.Background(), acct)
	require.ErrorIs(t, err, crypto.ErrNoKey)
	assert.False(t, RequiresReAuth(err))
	f.refresher.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)

	stored, err := f.store.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, stored.ConnectionStatus)
}

func TestEnsureValidationUnauthorizedRequiresReauth(t *testing.T) {
	f := newGuardianFixture(t)
	acct := f.account(t, time.Hour, "cached-token")
	f.validator.On("Validate", mock.Anything, "acc-1", "cached-token").
		Return(fmt.Errorf("gmail getProfile: %w", ErrUnauthorized))

	_, err := f.guardian.Ensure(context.Background(), acct)
	assert.True(t, RequiresReAuth(err))

	stored, err := f.store.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.False(t, stored.OAuth.HasAccessToken())
}

func TestEnsureValidationTransientErrorKeepsSession(t *testing.T) {
	f := newGuardianFixture(t)
	acct := f.account(t, time.Hour, "cached-token")
	f.validator.On("Validate", mock.Anything, "acc-1", "cached-token").Return(errors.New("503 backend error"))

	sess, err := f.guardian.Ensure(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, "cached-token", sess.AccessToken)
}

func TestEnsureRejectsNonOAuthProvider(t *testing.T) {
	f := newGuardianFixture(t)
	_, err := f.guardian.Ensure(context.Background(), &models.Account{ID: "x", Provider: models.ProviderIMAP})
	assert.Error(t, err)
}

func TestEnsureConcurrentCallsShareOneRefresh(t *testing.T) {
	f := newGuardianFixture(t)
	acct := f.account(t, time.Minute, "cached-token")
	f.refresher.On("Refresh", mock.Anything, "refresh-1").
		After(50*time.Millisecond).
		Return(&Token{AccessToken: "new-token", Expiry: f.now.Add(time.Hour)}, nil).Once()
	f.validator.On("Validate", mock.Anything, "acc-1", "new-token").Return(nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			copyAcct := *acct
			sess, err := f.guardian.Ensure(context.Background(), &copyAcct)
			assert.NoError(t, err)
			if sess != nil {
				assert.Equal(t, "new-token", sess.AccessToken)
			}
		}()
	}
	wg.Wait()

	f.refresher.AssertNumberOfCalls(t, "Refresh", 1)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(&oauth2.RetrieveError{ErrorCode: "invalid_grant"}))
	assert.True(t, IsTerminal(&oauth2.RetrieveError{
		Response: &http.Response{StatusCode: http.StatusBadRequest},
		Body:     []byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`),
	}))
	assert.True(t, IsTerminal(fmt.Errorf("wrap: %w", ErrUnauthorized)))
	assert.False(t, IsTerminal(&oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusInternalServerError}}))
	assert.False(t, IsTerminal(errors.New("dial tcp: timeout")))
	assert.False(t, IsTerminal(nil))
}

func TestExpireForcesRefreshOnNextEnsure(t *testing.T) {
	f := newGuardianFixture(t)
	acct := f.account(t, 30*time.Minute, "cached-token")
	f.refresher.On("Refresh", mock.Anything, "refresh-1").
		Return(&Token{AccessToken: "new-token", Expiry: f.now.Add(time.Hour)}, nil).Once()
	f.validator.On("Validate", mock.Anything, "acc-1", "new-token").Return(nil)

	require.NoError(t, f.guardian.Expire(context.Background(), acct))

	sess, err := f.guardian.Ensure(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, "new-token", sess.AccessToken)
	f.refresher.AssertExpectations(t)
}
