package gmail

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	gosync "sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// syncRun counts API calls of one SyncThreads invocation
type syncRun struct {
	svc     *gmail.Service
	acct    *models.Account
	mu      gosync.Mutex
	calls   int
	log     logrus.FieldLogger
	adapter *Adapter
}

func (r *syncRun) call(op string, fn func() error) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.adapter.call(op, fn)
}

// SyncThreads fetches changed threads. With a stored history id it walks
// users.history.list from there, otherwise it lists the folder.
func (a *Adapter) SyncThreads(ctx context.Context, acct *models.Account, sess *auth.Session, opts sync.SyncOptions) (*sync.SyncResult, error) {
	if sess == nil || sess.AccessToken == "" {
		return sync.Failed(&sync.ProviderError{
			Provider: models.ProviderGmail,
			Op:       "sync",
			Kind:     sync.KindAuth,
			Err:      auth.ErrUnauthorized,
		}), nil
	}

	svc, err := a.service(ctx, sess.AccessToken)
	if err != nil {
		return nil, err
	}
	run := &syncRun{
		svc:     svc,
		acct:    acct,
		adapter: a,
		log:     a.log.WithField("account_id", acct.ID),
	}

	var res *sync.SyncResult
	start := acct.SyncState.LastHistoryID
	if start != "" && !opts.FetchAll {
		res, err = run.incremental(ctx, start, opts)
		if sync.KindOf(err) == sync.KindNotFound {
			run.log.WithField("start_history_id", start).Info("history id too old, falling back to full sync")
			res, err = run.full(ctx, opts)
		}
	} else {
		res, err = run.full(ctx, opts)
	}

	if err != nil {
		perr := classify("sync", err)
		res = sync.Failed(perr)
	}
	res.APICalls = run.calls
	return res, nil
}

// full lists the folder and fetches every listed thread
func (r *syncRun) full(ctx context.Context, opts sync.SyncOptions) (*sync.SyncResult, error) {
	// Read the history id first so changes during the listing are replayed next time
	var profile *gmail.Profile
	err := r.call("users.getProfile", func() error {
		var err error
		profile, err = r.svc.Users.GetProfile(me).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	limit := r.adapter.cfg.PageSize
	if opts.Limit > 0 {
		limit = int64(opts.Limit)
	}
	q := folderQuery(opts.Folder)
	if opts.Since != nil {
		q = fmt.Sprintf("%s after:%d", q, opts.Since.Unix())
	}

	var list *gmail.ListThreadsResponse
	err = r.call("threads.list", func() error {
		call := r.svc.Users.Threads.List(me).MaxResults(limit).Context(ctx)
		if q != "" {
			call = call.Q(q)
		}
		var err error
		list, err = call.Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(list.Threads))
	for _, t := range list.Threads {
		ids = append(ids, t.Id)
	}
	records, processed, err := r.fetchThreads(ctx, ids, opts.Folder)
	if err != nil {
		return nil, err
	}

	status := models.SyncComplete
	if list.NextPageToken != "" {
		status = models.SyncPartial
	}
	total := int(list.ResultSizeEstimate)
	if total < len(records) {
		total = len(records)
	}

	return &sync.SyncResult{
		Success:    true,
		Threads:    records,
		TotalCount: total,
		Processed:  processed,
		SyncStatus: status,
		SyncType:   sync.SyncTypeFull,
		Cursor:     strconv.FormatUint(profile.HistoryId, 10),
	}, nil
}

// incremental replays mailbox history since start
func (r *syncRun) incremental(ctx context.Context, start string, opts sync.SyncOptions) (*sync.SyncResult, error) {
	startID, err := strconv.ParseUint(start, 10, 64)
	if err != nil {
		return nil, &sync.ProviderError{
			Provider: models.ProviderGmail,
			Op:       "history.list",
			Kind:     sync.KindNotFound,
			Err:      fmt.Errorf("invalid history id %q: %w", start, err),
		}
	}

	latest := startID
	seen := make(map[string]bool)
	changed := make(map[string]bool)
	err = r.call("history.list", func() error {
		call := r.svc.Users.History.List(me).
			StartHistoryId(startID).
			HistoryTypes("messageAdded", "labelAdded", "labelRemoved").
			MaxResults(500)
		return call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
			if page.HistoryId > latest {
				latest = page.HistoryId
			}
			for _, h := range page.History {
				if h.Id > latest {
					latest = h.Id
				}
				for _, added := range h.MessagesAdded {
					if added.Message == nil {
						continue
					}
					seen[added.Message.Id] = true
					changed[added.Message.ThreadId] = true
				}
				for _, l := range h.LabelsAdded {
					if l.Message != nil {
						changed[l.Message.ThreadId] = true
					}
				}
				for _, l := range h.LabelsRemoved {
					if l.Message != nil {
						changed[l.Message.ThreadId] = true
					}
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// The cursor never moves behind the history id the notification announced
	if announced, err := strconv.ParseUint(opts.HistoryID, 10, 64); err == nil && announced > latest {
		latest = announced
	}

	ids := make([]string, 0, len(changed))
	for id := range changed {
		if id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	records, _, err := r.fetchThreads(ctx, ids, "")
	if err != nil {
		return nil, err
	}

	return &sync.SyncResult{
		Success:    true,
		Threads:    records,
		TotalCount: len(records),
		Processed:  len(seen),
		SyncStatus: models.SyncComplete,
		SyncType:   sync.SyncTypeIncremental,
		Cursor:     strconv.FormatUint(latest, 10),
	}, nil
}

// fetchThreads runs threads.get(format=full) for ids with bounded concurrency.
// Threads deleted since they were listed are skipped.
func (r *syncRun) fetchThreads(ctx context.Context, ids []string, folder string) ([]models.ThreadRecord, int, error) {
	fetched := make([]*gmail.Thread, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.adapter.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			err := r.call("threads.get", func() error {
				t, err := r.svc.Users.Threads.Get(me, id).Format("full").Context(gctx).Do()
				fetched[i] = t
				return err
			})
			if sync.KindOf(err) == sync.KindNotFound {
				r.log.WithField("thread_id", id).Debug("thread vanished before fetch")
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	records := make([]models.ThreadRecord, 0, len(fetched))
	processed := 0
	for _, t := range fetched {
		if t == nil {
			continue
		}
		rec, err := convertThread(r.acct.ID, folder, t)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to convert thread %s: %w", t.Id, err)
		}
		processed += len(t.Messages)
		records = append(records, rec)
	}
	return records, processed, nil
}
