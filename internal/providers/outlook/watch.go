package outlook

import (
	"context"
	"errors"
	"time"

	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// ErrNoNotificationURL is returned by Watch when no webhook URL is configured.
var ErrNoNotificationURL = errors.New("outlook watch needs a notification url")

// subscriptionResource is the inbox message collection of the signed-in user
const subscriptionResource = "me/mailFolders('inbox')/messages"

// Watch renews the account's Graph subscription, creating one when none exists
// or the stored one is gone.
func (a *Adapter) Watch(ctx context.Context, acct *models.Account, sess *auth.Session) (*sync.WatchResult, error) {
	if a.cfg.NotificationURL == "" {
		return nil, ErrNoNotificationURL
	}
	client, err := a.client(sess.AccessToken)
	if err != nil {
		return nil, err
	}
	log := a.log.WithField("account_id", acct.ID)
	expires := a.now().Add(a.cfg.SubscriptionLifetime).UTC()

	if id := acct.SyncState.SubscriptionID; id != "" {
		upd := graphmodels.NewSubscription()
		upd.SetExpirationDateTime(&expires)
		renewed, err := client.Subscriptions().BySubscriptionId(id).Patch(ctx, upd, nil)
		if err == nil {
			return watchResult(renewed, id, expires), nil
		}
		if perr := classify("subscriptions.patch", err); perr.Kind != sync.KindNotFound {
			return nil, perr
		}
		log.WithField("subscription_id", id).Info("subscription gone, creating a new one")
	}

	sub := graphmodels.NewSubscription()
	sub.SetChangeType(strPtr("created,updated"))
	sub.SetNotificationUrl(strPtr(a.cfg.NotificationURL))
	sub.SetResource(strPtr(subscriptionResource))
	sub.SetExpirationDateTime(&expires)
	if a.cfg.ClientState != "" {
		sub.SetClientState(strPtr(a.cfg.ClientState))
	}

	created, err := client.Subscriptions().Post(ctx, sub, nil)
	if err != nil {
		return nil, classify("subscriptions.create", err)
	}
	wr := watchResult(created, "", expires)
	log.WithField("subscription_id", wr.SubscriptionID).Debug("graph subscription created")
	return wr, nil
}

// StopWatch deletes the account's Graph subscription
func (a *Adapter) StopWatch(ctx context.Context, acct *models.Account, sess *auth.Session) error {
	id := acct.SyncState.SubscriptionID
	if id == "" {
		return nil
	}
	client, err := a.client(sess.AccessToken)
	if err != nil {
		return err
	}
	if err := client.Subscriptions().BySubscriptionId(id).Delete(ctx, nil); err != nil {
		return classify("subscriptions.delete", err)
	}
	return nil
}

// watchResult prefers the id and expiration Graph answered with
func watchResult(sub graphmodels.Subscriptionable, id string, expires time.Time) *sync.WatchResult {
	wr := &sync.WatchResult{SubscriptionID: id, Expiration: expires}
	if sub == nil {
		return wr
	}
	if v := deref(sub.GetId()); v != "" {
		wr.SubscriptionID = v
	}
	if exp := sub.GetExpirationDateTime(); exp != nil {
		wr.Expiration = exp.UTC()
	}
	return wr
}
