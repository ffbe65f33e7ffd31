package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
)

type StoreSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
	now   time.Time
}

func (s *StoreSuite) SetupTest() {
	st, err := Open(":memory:")
	s.Require().NoError(err)
	s.now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return s.now })
	s.store = st
	s.ctx = context.Background()
}

func (s *StoreSuite) TearDownTest() {
	s.store.Close()
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) gmailAccount(id, email string) *models.Account {
	expiry := s.now.Add(time.Hour)
	return &models.Account{
		ID:       id,
		UserID:   "user-1",
		Email:    email,
		Provider: models.ProviderGmail,
		IsActive: true,
		OAuth: &models.OAuthBundle{
			EncryptedRefreshToken: "enc-refresh",
			EncryptedAccessToken:  "enc-access",
			TokenExpiry:           &expiry,
			Scopes:                []string{"https://www.googleapis.com/auth/gmail.readonly"},
		},
	}
}

func (s *StoreSuite) TestCreateAndGetAccount() {
	acct := s.gmailAccount("a1", "Shop@Example.com")
	acct.Incoming = models.ServerConfig{Host: "imap.example.com", Port: 993, Security: models.SecuritySSL, Username: "shop", EncryptedPassword: "enc-pw"}
	s.Require().NoError(s.store.CreateAccount(s.ctx, acct))

	got, err := s.store.GetAccount(s.ctx, "a1")
	s.Require().NoError(err)
	s.Equal("Shop@Example.com", got.Email)
	s.Equal(models.ProviderGmail, got.Provider)
	s.Equal(models.StatusConnected, got.ConnectionStatus)
	s.Equal(models.SyncInitial, got.SyncState.SyncStatus)
	s.Equal("enc-pw", got.Incoming.EncryptedPassword)
	s.Equal(993, got.Incoming.Port)
	s.Require().NotNil(got.OAuth)
	s.Equal("enc-access", got.OAuth.EncryptedAccessToken)
	s.True(got.OAuth.TokenExpiry.Equal(s.now.Add(time.Hour)))
	s.Len(got.OAuth.Scopes, 1)

	_, err = s.store.GetAccount(s.ctx, "missing")
	s.ErrorIs(err, store.ErrNotFound)
}

func (s *StoreSuite) TestFindActiveByEmail() {
	s.Require().NoError(s.store.CreateAccount(s.ctx, s.gmailAccount("a1", "shop@example.com")))

	got, err := s.store.FindActiveByEmail(s.ctx, "SHOP@example.com", models.ProviderGmail)
	s.Require().NoError(err)
	s.Equal("a1", got.ID)

	_, err = s.store.FindActiveByEmail(s.ctx, "shop@example.com", models.ProviderOutlook)
	s.ErrorIs(err, store.ErrNotFound)

	s.Require().NoError(s.store.DeactivateAccount(s.ctx, "a1"))
	_, err = s.store.FindActiveByEmail(s.ctx, "shop@example.com", models.ProviderGmail)
	s.ErrorIs(err, store.ErrNotFound)

	got, err = s.store.GetAccount(s.ctx, "a1")
	s.Require().NoError(err)
	s.False(got.IsActive)
	s.Equal(models.StatusDisconnected, got.ConnectionStatus)
}

func (s *StoreSuite) TestSaveWatchRejectsWatchWithoutFutureExpiry() {
	s.Require().NoError(s.store.CreateAccount(s.ctx, s.gmailAccount("a1", "shop@example.com")))

	err := s.store.SaveWatch(s.ctx, "a1", models.SyncState{IsWatching: true})
	s.ErrorIs(err, store.ErrInvalidWatch)

	past := s.now.Add(-time.Minute)
	err = s.store.SaveWatch(s.ctx, "a1", models.SyncState{IsWatching: true, WatchExpiration: &past})
	s.ErrorIs(err, store.ErrInvalidWatch)

	future := s.now.Add(7 * 24 * time.Hour)
	s.Require().NoError(s.store.SaveWatch(s.ctx, "a1", models.SyncState{IsWatching: true, WatchExpiration: &future, LastWatchRenewal: &s.now}))

	got, err := s.store.GetAccount(s.ctx, "a1")
	s.Require().NoError(err)
	s.True(got.SyncState.IsWatching)
	s.True(got.SyncState.WatchExpiration.Equal(future))
	s.True(got.SyncState.LastWatchRenewal.Equal(s.now))
}

func (s *StoreSuite) TestSaveSyncStateKeepsWatch() {
	s.Require().NoError(s.store.CreateAccount(s.ctx, s.gmailAccount("a1", "shop@example.com")))
	future := s.now.Add(time.Hour)
	s.Require().NoError(s.store.SaveWatch(s.ctx, "a1", models.SyncState{IsWatching: true, WatchExpiration: &future}))

	// The watch lapses; cursor writes must still succeed and leave it untouched.
	s.now = s.now.Add(2 * time.Hour)
	st := models.SyncState{
		LastHistoryID: "12345",
		SyncStatus:    models.SyncComplete,
		LastSyncAt:    &s.now,
		Progress:      models.SyncProgress{Processed: 7},
	}
	st.CountCall(s.now, 3)
	s.Require().NoError(s.store.SaveSyncState(s.ctx, "a1", st))

	got, err := s.store.GetAccount(s.ctx, "a1")
	s.Require().NoError(err)
	s.True(got.SyncState.IsWatching)
	s.True(got.SyncState.WatchExpiration.Equal(future))
	s.Equal("12345", got.SyncState.LastHistoryID)
	s.Equal(models.SyncComplete, got.SyncState.SyncStatus)
	s.Equal(7, got.SyncState.Progress.Processed)
	s.Equal(3, got.SyncState.Quota.DailyCount)

	s.ErrorIs(s.store.SaveSyncState(s.ctx, "missing", st), store.ErrNotFound)
}

func (s *StoreSuite) TestListAccountsFilters() {
	a1 := s.gmailAccount("a1", "one@example.com")
	a2 := s.gmailAccount("a2", "two@example.com")
	a2.OAuth.EncryptedAccessToken = ""
	a3 := &models.Account{ID: "a3", UserID: "user-2", Email: "imap@example.com", Provider: models.ProviderIMAP, IsActive: true}
	for _, a := range []*models.Account{a1, a2, a3} {
		s.Require().NoError(s.store.CreateAccount(s.ctx, a))
	}

	got, err := s.store.ListAccounts(s.ctx, store.AccountFilter{
		Providers:       []models.Provider{models.ProviderGmail, models.ProviderOutlook},
		ActiveOnly:      true,
		WithAccessToken: true,
	})
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("a1", got[0].ID)

	notWatching := false
	got, err = s.store.ListAccounts(s.ctx, store.AccountFilter{Watching: &notWatching})
	s.Require().NoError(err)
	s.Len(got, 3)

	got, err = s.store.ListAccounts(s.ctx, store.AccountFilter{UserID: "user-2"})
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Nil(got[0].OAuth)
}

func (s *StoreSuite) TestWatchExpiredFilter() {
	s.Require().NoError(s.store.CreateAccount(s.ctx, s.gmailAccount("a1", "one@example.com")))
	exp := s.now.Add(time.Hour)
	s.Require().NoError(s.store.SaveWatch(s.ctx, "a1", models.SyncState{IsWatching: true, WatchExpiration: &exp}))

	later := s.now.Add(2 * time.Hour)
	watching := true
	got, err := s.store.ListAccounts(s.ctx, store.AccountFilter{ActiveOnly: true, Watching: &watching, WatchExpiredBy: &later})
	s.Require().NoError(err)
	s.Len(got, 1)

	got, err = s.store.ListAccounts(s.ctx, store.AccountFilter{ActiveOnly: true, Watching: &watching, WatchExpiredBy: &s.now})
	s.Require().NoError(err)
	s.Empty(got)
}

func (s *StoreSuite) TestSetPrimaryKeepsOnePrimary() {
	a1 := s.gmailAccount("a1", "one@example.com")
	a1.IsPrimary = true
	s.Require().NoError(s.store.CreateAccount(s.ctx, a1))

	a2 := s.gmailAccount("a2", "two@example.com")
	a2.IsPrimary = true
	s.ErrorIs(s.store.CreateAccount(s.ctx, a2), store.ErrPrimaryConflict)

	a2.IsPrimary = false
	s.Require().NoError(s.store.CreateAccount(s.ctx, a2))
	s.Require().NoError(s.store.SetPrimary(s.ctx, "user-1", "a2"))

	got1, _ := s.store.GetAccount(s.ctx, "a1")
	got2, _ := s.store.GetAccount(s.ctx, "a2")
	s.False(got1.IsPrimary)
	s.True(got2.IsPrimary)

	s.ErrorIs(s.store.SetPrimary(s.ctx, "user-1", "nope"), store.ErrNotFound)
}

func (s *StoreSuite) TestUpdateOAuthAndStatus() {
	s.Require().NoError(s.store.CreateAccount(s.ctx, s.gmailAccount("a1", "one@example.com")))

	s.Require().NoError(s.store.UpdateOAuth(s.ctx, "a1", &models.OAuthBundle{EncryptedRefreshToken: "enc-refresh"}))
	s.Require().NoError(s.store.SetConnectionStatus(s.ctx, "a1", models.StatusError, "re-authenticate"))

	got, err := s.store.GetAccount(s.ctx, "a1")
	s.Require().NoError(err)
	s.False(got.OAuth.HasAccessToken())
	s.Nil(got.OAuth.TokenExpiry)
	s.Equal(models.StatusError, got.ConnectionStatus)
	s.Equal("re-authenticate", got.StatusMessage)

	s.ErrorIs(s.store.SetConnectionStatus(s.ctx, "nope", models.StatusError, ""), store.ErrNotFound)
}

func (s *StoreSuite) TestFindBySubscription() {
	a := &models.Account{ID: "o1", UserID: "u", Email: "me@contoso.com", Provider: models.ProviderOutlook, IsActive: true}
	s.Require().NoError(s.store.CreateAccount(s.ctx, a))
	exp := s.now.Add(48 * time.Hour)
	s.Require().NoError(s.store.SaveWatch(s.ctx, "o1", models.SyncState{IsWatching: true, WatchExpiration: &exp, SubscriptionID: "sub-1"}))

	got, err := s.store.FindBySubscription(s.ctx, "sub-1")
	s.Require().NoError(err)
	s.Equal("o1", got.ID)

	_, err = s.store.FindBySubscription(s.ctx, "")
	s.ErrorIs(err, store.ErrNotFound)
}

func thread(id, accountID string, msgs ...models.RawMessage) *models.GmailThread {
	return &models.GmailThread{
		ThreadID:   id,
		ThreadData: models.ThreadData{AccountID: accountID, Subject: "Re: Order 42", Folder: "inbox", RawMessages: msgs},
	}
}

func (s *StoreSuite) TestUpsertThreadsIsIdempotent() {
	at := s.now.Add(-time.Hour)
	msg := models.RawMessage{ID: "m1", InternalDate: at, From: "a@example.com", Unread: true}

	res, err := s.store.UpsertThreads(s.ctx, []models.ThreadRecord{thread("t1", "a1", msg)}, nil)
	s.Require().NoError(err)
	s.Equal(1, res.Created)

	res, err = s.store.UpsertThreads(s.ctx, []models.ThreadRecord{thread("t1", "a1", msg)}, nil)
	s.Require().NoError(err)
	s.Equal(0, res.Created)

	n, err := s.store.CountThreads(s.ctx, models.ProviderGmail, "a1")
	s.Require().NoError(err)
	s.Equal(1, n)

	got, err := s.store.GetThread(s.ctx, models.ProviderGmail, "a1", "t1")
	s.Require().NoError(err)
	d := got.Data()
	s.Len(d.RawMessages, 1)
	s.Equal(1, d.MessageCount)
	s.Equal("order 42", d.NormalizedSubject)
	s.True(d.LastMessageAt.Equal(at))
	s.Equal("t1", got.NativeID())
}

func (s *StoreSuite) TestUpsertThreadsAppendsMessages() {
	base := s.now.Add(-2 * time.Hour)
	_, err := s.store.UpsertThreads(s.ctx, []models.ThreadRecord{
		thread("t1", "a1", models.RawMessage{ID: "m1", InternalDate: base}),
	}, nil)
	s.Require().NoError(err)

	_, err = s.store.UpsertThreads(s.ctx, []models.ThreadRecord{
		thread("t1", "a1", models.RawMessage{ID: "m2", InternalDate: base.Add(time.Hour), Unread: true}),
	}, nil)
	s.Require().NoError(err)

	got, err := s.store.GetThread(s.ctx, models.ProviderGmail, "a1", "t1")
	s.Require().NoError(err)
	s.Len(got.Data().RawMessages, 2)
	s.Equal(1, got.Data().UnreadCount)
	s.True(got.Data().LastMessageAt.Equal(base.Add(time.Hour)))
}

func (s *StoreSuite) TestThreadFamiliesAreSeparate() {
	_, err := s.store.UpsertThreads(s.ctx, []models.ThreadRecord{
		thread("same", "a1"),
		&models.OutlookThread{ConversationID: "same", ThreadData: models.ThreadData{AccountID: "a1"}},
	}, nil)
	s.Require().NoError(err)

	gm, err := s.store.ListThreads(s.ctx, models.ProviderGmail, "a1", store.ThreadQuery{})
	s.Require().NoError(err)
	s.Len(gm, 1)

	ol, err := s.store.ListThreads(s.ctx, models.ProviderExchange, "a1", store.ThreadQuery{})
	s.Require().NoError(err)
	s.Require().Len(ol, 1)
	s.IsType(&models.OutlookThread{}, ol[0])

	_, err = s.store.GetThread(s.ctx, models.ProviderIMAP, "a1", "same")
	s.ErrorIs(err, store.ErrNotFound)
}

func (s *StoreSuite) TestListThreadsQuery() {
	base := s.now.Add(-24 * time.Hour)
	var recs []models.ThreadRecord
	for i, id := range []string{"t1", "t2", "t3"} {
		recs = append(recs, thread(id, "a1", models.RawMessage{ID: id + "-m", InternalDate: base.Add(time.Duration(i) * time.Hour), Unread: i == 1}))
	}
	_, err := s.store.UpsertThreads(s.ctx, recs, nil)
	s.Require().NoError(err)

	got, err := s.store.ListThreads(s.ctx, models.ProviderGmail, "a1", store.ThreadQuery{Limit: 2})
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("t3", got[0].NativeID())

	got, err = s.store.ListThreads(s.ctx, models.ProviderGmail, "a1", store.ThreadQuery{UnreadOnly: true})
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("t2", got[0].NativeID())

	got, err = s.store.ListThreads(s.ctx, models.ProviderGmail, "a1", store.ThreadQuery{Folder: "sent"})
	s.Require().NoError(err)
	s.Empty(got)
}

func (s *StoreSuite) TestUpsertRejectsRecordWithoutKeys() {
	_, err := s.store.UpsertThreads(s.ctx, []models.ThreadRecord{thread("", "a1")}, nil)
	s.Error(err)
}

func (s *StoreSuite) TestOutboxWrittenWithThreads() {
	event := &store.OutboxEvent{Subject: "mailsync.a1.threads.synced", EventType: "threads.synced", Payload: []byte(`{}`), MsgID: "sync|a1|1"}
	_, err := s.store.UpsertThreads(s.ctx, []models.ThreadRecord{thread("t1", "a1")}, event)
	s.Require().NoError(err)
	_, err = s.store.UpsertThreads(s.ctx, []models.ThreadRecord{thread("t1", "a1")}, event)
	s.Require().NoError(err)

	msgs, err := s.store.DequeueOutbox(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(msgs, 1, "repeated msg id is stored once")
	s.Equal("sync|a1|1", msgs[0].MsgID)

	s.Require().NoError(s.store.MarkOutboxRetry(s.ctx, msgs[0].ID, time.Minute))
	msgs, err = s.store.DequeueOutbox(s.ctx, 10)
	s.Require().NoError(err)
	s.Empty(msgs)

	s.now = s.now.Add(2 * time.Minute)
	msgs, err = s.store.DequeueOutbox(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(msgs, 1)

	s.Require().NoError(s.store.MarkPublished(s.ctx, msgs[0].ID))
	msgs, err = s.store.DequeueOutbox(s.ctx, 10)
	s.Require().NoError(err)
	s.Empty(msgs)
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mailsync.db")
	st, err := Open(path)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.AppendEvent(context.Background(), store.OutboxEvent{Subject: "s", EventType: "t", Payload: []byte("x"), MsgID: "1"}))
	msgs, err := st.DequeueOutbox(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
