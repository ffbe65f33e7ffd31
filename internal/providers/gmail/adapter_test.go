package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const threadJSON = `{
  "id": "t1",
  "historyId": "510",
  "messages": [
    {
      "id": "m1",
      "threadId": "t1",
      "labelIds": ["INBOX", "UNREAD", "CATEGORY_UPDATES"],
      "snippet": "Where is my order",
      "internalDate": "1717236000000",
      "sizeEstimate": 1200,
      "payload": {
        "headers": [
          {"name": "subject", "value": "Re: Order 1001"},
          {"name": "From", "value": "Buyer <buyer@example.com>"},
          {"name": "To", "value": "Shop <shop@example.com>, ops@example.com"}
        ],
        "parts": [
          {"filename": "invoice.pdf", "body": {"attachmentId": "att-1", "size": 10}}
        ]
      }
    }
  ]
}`

type fakeGmail struct {
	*httptest.Server
	threadsQuery string
	historyStart string
	historyCode  int
	listCode     int
	profileCode  int
	stopped      bool
	watchTopic   string
}

func newFakeGmail(t *testing.T) *fakeGmail {
	t.Helper()
	f := &fakeGmail{}

	writeErr := func(w http.ResponseWriter, code int) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		fmt.Fprintf(w, `{"error":{"code":%d,"message":"%s"}}`, code, http.StatusText(code))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		if f.profileCode != 0 {
			writeErr(w, f.profileCode)
			return
		}
		fmt.Fprint(w, `{"emailAddress":"shop@example.com","historyId":"500"}`)
	})
	mux.HandleFunc("GET /gmail/v1/users/me/threads", func(w http.ResponseWriter, r *http.Request) {
		if f.listCode != 0 {
			writeErr(w, f.listCode)
			return
		}
		f.threadsQuery = r.URL.Query().Get("q")
		fmt.Fprint(w, `{"threads":[{"id":"t1"}],"resultSizeEstimate":1}`)
	})
	mux.HandleFunc("GET /gmail/v1/users/me/threads/t1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, threadJSON)
	})
	mux.HandleFunc("GET /gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		if f.historyCode != 0 {
			writeErr(w, f.historyCode)
			return
		}
		f.historyStart = r.URL.Query().Get("startHistoryId")
		fmt.Fprint(w, `{"history":[{"id":"510","messagesAdded":[{"message":{"id":"m1","threadId":"t1"}}]}],"historyId":"520"}`)
	})
	mux.HandleFunc("POST /gmail/v1/users/me/watch", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TopicName string `json:"topicName"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.watchTopic = req.TopicName
		fmt.Fprint(w, `{"historyId":"600","expiration":"1717840800000"}`)
	})
	mux.HandleFunc("POST /gmail/v1/users/me/stop", func(w http.ResponseWriter, r *http.Request) {
		f.stopped = true
		w.WriteHeader(http.StatusNoContent)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func newTestAdapter(f *fakeGmail) *Adapter {
	logger, _ := test.NewNullLogger()
	return New(nil, Config{
		TopicName:  "projects/shop/topics/gmail",
		Endpoint:   f.URL + "/",
		HTTPClient: f.Client(),
	}, logger)
}

func session() *auth.Session {
	return &auth.Session{AccountID: "acc-1", Provider: models.ProviderGmail, AccessToken: "tok"}
}

func TestFullSyncListsFolderAndConvertsThreads(t *testing.T) {
	f := newFakeGmail(t)
	a := newTestAdapter(f)
	acct := &models.Account{ID: "acc-1", Provider: models.ProviderGmail}

	res, err := a.SyncThreads(context.Background(), acct, session(), sync.SyncOptions{})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	assert.Equal(t, sync.SyncTypeFull, res.SyncType)
	assert.Equal(t, "500", res.Cursor)
	assert.Equal(t, "in:inbox", f.threadsQuery)
	assert.Equal(t, 3, res.APICalls)
	assert.Equal(t, 1, res.Processed)
	require.Len(t, res.Threads, 1)

	th := res.Threads[0].(*models.GmailThread)
	assert.Equal(t, "t1", th.ThreadID)
	assert.Equal(t, "acc-1", th.AccountID)
	assert.Equal(t, "Re: Order 1001", th.Subject)
	assert.Equal(t, "order 1001", th.NormalizedSubject)
	assert.Equal(t, 1, th.UnreadCount)
	assert.True(t, th.HasAttachments)
	assert.Equal(t, "updates", th.Category)
	assert.Equal(t, "inbox", th.Folder)
	assert.False(t, th.IsArchived)
	assert.Equal(t, time.UnixMilli(1717236000000).UTC(), th.LastMessageAt)
	assert.Equal(t, []string{"Shop <shop@example.com>", "ops@example.com"}, th.RawMessages[0].To)
	assert.NotEmpty(t, th.RawMessages[0].Payload)
	assert.Len(t, th.Participants, 3)
}

func TestIncrementalSyncReplaysHistory(t *testing.T) {
	f := newFakeGmail(t)
	a := newTestAdapter(f)
	acct := &models.Account{ID: "acc-1", Provider: models.ProviderGmail}
	acct.SyncState.LastHistoryID = "400"

	res, err := a.SyncThreads(context.Background(), acct, session(), sync.SyncOptions{HistoryID: "530"})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	assert.Equal(t, "400", f.historyStart)
	assert.Equal(t, sync.SyncTypeIncremental, res.SyncType)
	assert.Equal(t, "530", res.Cursor)
	assert.Equal(t, 1, res.Processed)
	require.Len(t, res.Threads, 1)
	assert.Equal(t, "t1", res.Threads[0].NativeID())
}

func TestIncrementalSyncKeepsNewestHistoryID(t *testing.T) {
	f := newFakeGmail(t)
	a := newTestAdapter(f)
	acct := &models.Account{ID: "acc-1", Provider: models.ProviderGmail}
	acct.SyncState.LastHistoryID = "400"

	res, err := a.SyncThreads(context.Background(), acct, session(), sync.SyncOptions{HistoryID: "450"})
	require.NoError(t, err)
	assert.Equal(t, "520", res.Cursor)
}

func TestIncrementalSyncFallsBackWhenHistoryExpired(t *testing.T) {
	f := newFakeGmail(t)
	f.historyCode = http.StatusNotFound
	a := newTestAdapter(f)
	acct := &models.Account{ID: "acc-1", Provider: models.ProviderGmail}
	acct.SyncState.LastHistoryID = "1"

	res, err := a.SyncThreads(context.Background(), acct, session(), sync.SyncOptions{})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, sync.SyncTypeFull, res.SyncType)
	assert.Equal(t, "500", res.Cursor)
	assert.Len(t, res.Threads, 1)
}

func TestSyncReportsUnauthorizedAsFailure(t *testing.T) {
	f := newFakeGmail(t)
	f.listCode = http.StatusUnauthorized
	a := newTestAdapter(f)

	res, err := a.SyncThreads(context.Background(), &models.Account{ID: "acc-1"}, session(), sync.SyncOptions{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.Failure)
	assert.Equal(t, sync.KindAuth, res.Failure.Kind)
	assert.Equal(t, http.StatusUnauthorized, res.Failure.StatusCode)
	assert.Equal(t, models.SyncError, res.SyncStatus)
}

func TestSyncWithoutSession(t *testing.T) {
	f := newFakeGmail(t)
	a := newTestAdapter(f)

	res, err := a.SyncThreads(context.Background(), &models.Account{ID: "acc-1"}, nil, sync.SyncOptions{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, sync.KindAuth, res.Failure.Kind)
}

func TestWatchAndStop(t *testing.T) {
	f := newFakeGmail(t)
	a := newTestAdapter(f)
	acct := &models.Account{ID: "acc-1"}

	wr, err := a.Watch(context.Background(), acct, session())
	require.NoError(t, err)
	assert.Equal(t, "600", wr.HistoryID)
	assert.Equal(t, time.UnixMilli(1717840800000).UTC(), wr.Expiration)
	assert.Equal(t, "projects/shop/topics/gmail", f.watchTopic)

	require.NoError(t, a.StopWatch(context.Background(), acct, session()))
	assert.True(t, f.stopped)
}

func TestWatchWithoutTopic(t *testing.T) {
	f := newFakeGmail(t)
	logger, _ := test.NewNullLogger()
	a := New(nil, Config{Endpoint: f.URL + "/", HTTPClient: f.Client()}, logger)

	_, err := a.Watch(context.Background(), &models.Account{ID: "acc-1"}, session())
	assert.ErrorIs(t, err, ErrNoTopic)
}

func TestValidateWrapsUnauthorized(t *testing.T) {
	f := newFakeGmail(t)
	a := newTestAdapter(f)

	require.NoError(t, a.Validate(context.Background(), &models.Account{ID: "acc-1"}, "tok"))

	f.profileCode = http.StatusUnauthorized
	err := a.Validate(context.Background(), &models.Account{ID: "acc-1"}, "tok")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.True(t, auth.IsTerminal(err))

	f.profileCode = http.StatusServiceUnavailable
	err = a.Validate(context.Background(), &models.Account{ID: "acc-1"}, "tok")
	require.Error(t, err)
	assert.False(t, auth.IsTerminal(err))
}

func TestClassify(t *testing.T) {
	cases := map[string]struct {
		err  error
		kind sync.ErrorKind
	}{
		"unauthorized": {&googleapi.Error{Code: 401}, sync.KindAuth},
		"forbidden":    {&googleapi.Error{Code: 403, Message: "Insufficient Permission"}, sync.KindForbidden},
		"rate reason": {&googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}},
			sync.KindRateLimit},
		"rate message":  {&googleapi.Error{Code: 403, Message: "User Rate Limit Exceeded"}, sync.KindRateLimit},
		"not found":     {&googleapi.Error{Code: 404}, sync.KindNotFound},
		"too many":      {&googleapi.Error{Code: 429}, sync.KindRateLimit},
		"server":        {&googleapi.Error{Code: 503}, sync.KindTransient},
		"bad request":   {&googleapi.Error{Code: 400}, sync.KindPermanent},
		"network":       {errors.New("connection reset"), sync.KindTransient},
		"deadline":      {context.DeadlineExceeded, sync.KindTransient},
		"wrapped twice": {fmt.Errorf("list: %w", &googleapi.Error{Code: 404}), sync.KindNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.kind, classify("op", tc.err).Kind)
		})
	}
}

func TestFolderQuery(t *testing.T) {
	assert.Equal(t, "in:inbox", folderQuery(""))
	assert.Equal(t, "in:sent", folderQuery("Sent"))
	assert.Equal(t, "", folderQuery("all"))
	assert.Equal(t, "label:Orders", folderQuery("Orders"))
}
