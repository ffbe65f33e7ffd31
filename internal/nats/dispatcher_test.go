package natsjs

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/store/sqlite"
)

type fakePublisher struct {
	mu        gosync.Mutex
	failing   map[string]bool
	published []string
}

func (f *fakePublisher) Publish(subject string, payload []byte, msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[msgID] {
		return errors.New("nats: no responders available")
	}
	f.published = append(f.published, msgID)
	return nil
}

func (f *fakePublisher) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

func newOutbox(t *testing.T, now *time.Time) *sqlite.Store {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	st.SetClock(func() time.Time { return *now })
	return st
}

func appendEvent(t *testing.T, st *sqlite.Store, msgID string) {
	t.Helper()
	require.NoError(t, st.AppendEvent(context.Background(), store.OutboxEvent{
		Subject:   "user.user-1.mail.threads_synced",
		EventType: "mail.threads_synced",
		Payload:   []byte(`{"id":"` + msgID + `"}`),
		MsgID:     msgID,
	}))
}

func TestDispatchOncePublishesAndRetries(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	st := newOutbox(t, &now)
	appendEvent(t, st, "a")
	appendEvent(t, st, "b")
	appendEvent(t, st, "a")

	pub := &fakePublisher{failing: map[string]bool{"b": true}}
	logger, _ := test.NewNullLogger()
	d := NewDispatcher(st, pub, logger)
	ctx := context.Background()

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a"}, pub.sent())

	// b waits for its retry time
	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	now = now.Add(11 * time.Second)
	pub.mu.Lock()
	pub.failing = nil
	pub.mu.Unlock()

	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a", "b"}, pub.sent())

	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunStopsOnCancel(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	st := newOutbox(t, &now)
	appendEvent(t, st, "a")

	pub := &fakePublisher{}
	logger, _ := test.NewNullLogger()
	d := NewDispatcher(st, pub, logger)
	d.Idle = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(pub.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDefaultStreamConfig(t *testing.T) {
	cfg := DefaultStreamConfig()
	assert.Equal(t, DefaultStream, cfg.Name)
	assert.Equal(t, []string{"user.*.>"}, cfg.Subjects)
	assert.Equal(t, 10*time.Minute, cfg.Duplicates)
}
