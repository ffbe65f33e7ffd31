package gmail

import (
	"context"
	"errors"
	"strconv"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// ErrNoTopic is returned by Watch when no Pub/Sub topic is configured.
var ErrNoTopic = errors.New("gmail watch needs a pubsub topic")

// Watch registers the mailbox INBOX for push notifications on the configured topic.
// Calling it again renews the watch.
func (a *Adapter) Watch(ctx context.Context, acct *models.Account, sess *auth.Session) (*sync.WatchResult, error) {
	if a.cfg.TopicName == "" {
		return nil, ErrNoTopic
	}
	svc, err := a.service(ctx, sess.AccessToken)
	if err != nil {
		return nil, err
	}

	req := &gmail.WatchRequest{
		TopicName: a.cfg.TopicName,
		LabelIds:  []string{labelInbox},
	}

	var resp *gmail.WatchResponse
	err = a.call("users.watch", func() error {
		var err error
		resp, err = svc.Users.Watch(me, req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	a.log.WithField("account_id", acct.ID).WithField("history_id", resp.HistoryId).Debug("gmail watch registered")
	return &sync.WatchResult{
		Expiration: time.UnixMilli(resp.Expiration).UTC(),
		HistoryID:  strconv.FormatUint(resp.HistoryId, 10),
	}, nil
}

// StopWatch stops push notifications for the mailbox
func (a *Adapter) StopWatch(ctx context.Context, acct *models.Account, sess *auth.Session) error {
	svc, err := a.service(ctx, sess.AccessToken)
	if err != nil {
		return err
	}
	return a.call("users.stop", func() error {
		return svc.Users.Stop(me).Context(ctx).Do()
	})
}
