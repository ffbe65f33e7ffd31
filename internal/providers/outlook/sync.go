package outlook

import (
	"context"
	"fmt"
	"strings"
	"time"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// deltaFolder is the folder whose changes the stored delta link tracks
const deltaFolder = "inbox"

// SyncThreads syncs the inbox through Graph delta queries. The cursor is the
// deltaLink of the last finished round, or the nextLink when a round was cut
// short. Other folders are listed without touching the cursor.
func (a *Adapter) SyncThreads(ctx context.Context, acct *models.Account, sess *auth.Session, opts sync.SyncOptions) (*sync.SyncResult, error) {
	if sess == nil || sess.AccessToken == "" {
		return sync.Failed(&sync.ProviderError{
			Provider: models.ProviderOutlook,
			Op:       "sync",
			Kind:     sync.KindAuth,
			Err:      auth.ErrUnauthorized,
		}), nil
	}

	client, err := a.client(sess.AccessToken)
	if err != nil {
		return nil, err
	}
	log := a.log.WithField("account_id", acct.ID)

	var res *sync.SyncResult
	folder := graphFolder(opts.Folder)
	if folder != deltaFolder {
		res, err = a.listFolder(ctx, client, acct, folder, opts)
	} else {
		cursor := acct.SyncState.LastHistoryID
		if cursor != "" && !opts.FetchAll && strings.HasPrefix(cursor, "http") {
			res, err = a.delta(ctx, client, acct, cursor, opts)
			if sync.KindOf(err) == sync.KindNotFound {
				log.Info("delta link expired, starting a new delta round")
				res, err = a.delta(ctx, client, acct, "", opts)
			}
		} else {
			res, err = a.delta(ctx, client, acct, "", opts)
		}
	}

	if err != nil {
		return sync.Failed(classify("sync", err)), nil
	}
	return res, nil
}

// delta follows one delta round from link, or starts a new one when link is empty
func (a *Adapter) delta(ctx context.Context, client *msgraphsdk.GraphServiceClient, acct *models.Account, link string, opts sync.SyncOptions) (*sync.SyncResult, error) {
	builder := client.Users().ByUserId(acct.Email).MailFolders().ByMailFolderId(deltaFolder).Messages().Delta()

	syncType := sync.SyncTypeIncremental
	var config *users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration
	if link == "" {
		syncType = sync.SyncTypeFull
		since := a.now().Add(-a.cfg.Lookback)
		if opts.Since != nil {
			since = *opts.Since
		}
		filter := fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339))
		config = &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
			Headers: a.pageSizeHeader(),
			QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
				Filter: &filter,
				Select: messageFields,
			},
		}
	} else {
		builder = builder.WithUrl(link)
		config = &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
			Headers: a.pageSizeHeader(),
		}
	}

	var msgs []graphmodels.Messageable
	calls := 0
	cursor, status := "", models.SyncComplete
	for page := 0; ; page++ {
		resp, err := builder.GetAsDeltaGetResponse(ctx, config)
		calls++
		if err != nil {
			return nil, classify("messages.delta", err)
		}
		msgs = append(msgs, resp.GetValue()...)

		if next := deref(resp.GetOdataNextLink()); next != "" {
			if page+1 >= a.cfg.MaxPages {
				cursor, status = next, models.SyncPartial
				break
			}
			builder = builder.WithUrl(next)
			config = &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{Headers: a.pageSizeHeader()}
			continue
		}
		cursor = deref(resp.GetOdataDeltaLink())
		break
	}

	records, processed, err := groupConversations(acct.ID, folderName(deltaFolder), msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to convert messages: %w", err)
	}
	return &sync.SyncResult{
		Success:    true,
		Threads:    records,
		TotalCount: len(records),
		Processed:  processed,
		SyncStatus: status,
		SyncType:   syncType,
		Cursor:     cursor,
		APICalls:   calls,
	}, nil
}

// listFolder lists the newest messages of a folder
func (a *Adapter) listFolder(ctx context.Context, client *msgraphsdk.GraphServiceClient, acct *models.Account, folder string, opts sync.SyncOptions) (*sync.SyncResult, error) {
	top := a.cfg.PageSize
	if opts.Limit > 0 {
		top = int32(opts.Limit)
	}
	query := &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
		Top:     Int32Ptr(top),
		Select:  messageFields,
		Orderby: []string{"receivedDateTime desc"},
	}
	if opts.Since != nil {
		filter := fmt.Sprintf("receivedDateTime ge %s", opts.Since.UTC().Format(time.RFC3339))
		query.Filter = &filter
	}

	resp, err := client.Users().ByUserId(acct.Email).MailFolders().ByMailFolderId(folder).Messages().Get(ctx,
		&users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{QueryParameters: query})
	if err != nil {
		return nil, classify("messages.list", err)
	}

	records, processed, err := groupConversations(acct.ID, folderName(folder), resp.GetValue())
	if err != nil {
		return nil, fmt.Errorf("failed to convert messages: %w", err)
	}
	status := models.SyncComplete
	if deref(resp.GetOdataNextLink()) != "" {
		status = models.SyncPartial
	}
	return &sync.SyncResult{
		Success:    true,
		Threads:    records,
		TotalCount: len(records),
		Processed:  processed,
		SyncStatus: status,
		SyncType:   sync.SyncTypeFull,
		APICalls:   1,
	}, nil
}

func (a *Adapter) pageSizeHeader() *abstractions.RequestHeaders {
	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", fmt.Sprintf("odata.maxpagesize=%d", a.cfg.PageSize))
	return headers
}
