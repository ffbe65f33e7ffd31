package imap

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// bodySection fetches the whole message without setting \Seen
var bodySection = &imap.BodySectionName{Peek: true}

func fetchItems() []imap.FetchItem {
	return []imap.FetchItem{
		imap.FetchUid,
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchRFC822Size,
		imap.FetchEnvelope,
		bodySection.FetchItem(),
	}
}

// SyncThreads reads the selected folder over one connection. A full sync walks
// back from the newest message through at most Window messages; an incremental
// sync reads the UIDs above the stored "uidvalidity:uid" cursor. Only INBOX
// moves the cursor.
func (a *Adapter) SyncThreads(ctx context.Context, acct *models.Account, _ *auth.Session, opts sync.SyncOptions) (*sync.SyncResult, error) {
	c, closeFn, err := a.connect(ctx, acct)
	if err != nil {
		return sync.Failed(classify("connect", err)), nil
	}
	defer closeFn()

	folder := folderName(opts.Folder)
	status, err := c.Select(mailboxName(folder), true)
	if err != nil {
		return sync.Failed(classify("select", err)), nil
	}
	log := a.log.WithFields(logrus.Fields{"account_id": acct.ID, "mailbox": status.Name})

	window := a.cfg.Window
	if opts.Limit > 0 {
		window = opts.Limit
	}

	tracked := folder == "inbox"
	validity, lastUID, ok := parseCursor(acct.SyncState.LastHistoryID)
	incremental := tracked && ok && validity == status.UidValidity && !opts.FetchAll
	if tracked && ok && validity != status.UidValidity {
		log.WithField("uid_validity", status.UidValidity).Info("uid validity changed, reading the whole window")
	}

	var (
		msgs     []*imap.Message
		calls    int
		complete = true
	)
	if incremental {
		msgs, calls, complete, err = a.fetchSince(c, lastUID, window)
	} else {
		msgs, calls, complete, err = a.fetchWindow(c, status.Messages, window)
	}
	if err != nil {
		return sync.Failed(classify("fetch", err)), nil
	}

	records, processed, maxUID := groupBySubject(acct.ID, folder, status.UidValidity, msgs, opts.Since)

	res := &sync.SyncResult{
		Success:    true,
		Threads:    records,
		TotalCount: len(records),
		Processed:  processed,
		SyncStatus: models.SyncComplete,
		SyncType:   sync.SyncTypeFull,
		APICalls:   calls + 1,
	}
	if incremental {
		res.SyncType = sync.SyncTypeIncremental
	}
	if !complete {
		res.SyncStatus = models.SyncPartial
	}
	if tracked {
		if incremental && maxUID < lastUID {
			maxUID = lastUID
		}
		res.Cursor = formatCursor(status.UidValidity, maxUID)
	}
	return res, nil
}

// fetchWindow fetches the newest window messages in batches, newest batch first
func (a *Adapter) fetchWindow(c *client.Client, total uint32, window int) ([]*imap.Message, int, bool, error) {
	if total == 0 {
		return nil, 0, true, nil
	}
	from := uint32(1)
	if total > uint32(window) {
		from = total - uint32(window) + 1
	}

	var (
		msgs  []*imap.Message
		calls int
		batch = uint32(a.cfg.BatchSize)
	)
	for hi := total; hi >= from; {
		lo := from
		if hi-from+1 > batch {
			lo = hi - batch + 1
		}
		seqset := new(imap.SeqSet)
		seqset.AddRange(lo, hi)
		got, err := fetch(c, false, seqset, int(hi-lo+1))
		calls++
		if err != nil {
			return nil, calls, false, err
		}
		msgs = append(msgs, got...)
		if lo == 1 {
			break
		}
		hi = lo - 1
	}
	return msgs, calls, from == 1, nil
}

// fetchSince fetches messages with a UID above lastUID, keeping the newest window of them
func (a *Adapter) fetchSince(c *client.Client, lastUID uint32, window int) ([]*imap.Message, int, bool, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(lastUID+1, 0)
	uids, err := c.UidSearch(criteria)
	calls := 1
	if err != nil {
		return nil, calls, false, fmt.Errorf("failed to search new messages: %w", err)
	}

	// n:* always matches the last message, even when it is not new
	fresh := uids[:0]
	for _, uid := range uids {
		if uid > lastUID {
			fresh = append(fresh, uid)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i] > fresh[j] })

	complete := true
	if len(fresh) > window {
		fresh, complete = fresh[:window], false
	}

	var msgs []*imap.Message
	for start := 0; start < len(fresh); start += a.cfg.BatchSize {
		end := start + a.cfg.BatchSize
		if end > len(fresh) {
			end = len(fresh)
		}
		seqset := new(imap.SeqSet)
		seqset.AddNum(fresh[start:end]...)
		got, err := fetch(c, true, seqset, end-start)
		calls++
		if err != nil {
			return nil, calls, false, err
		}
		msgs = append(msgs, got...)
	}
	return msgs, calls, complete, nil
}

func fetch(c *client.Client, byUID bool, seqset *imap.SeqSet, size int) ([]*imap.Message, error) {
	messages := make(chan *imap.Message, size)
	done := make(chan error, 1)
	go func() {
		if byUID {
			done <- c.UidFetch(seqset, fetchItems(), messages)
		} else {
			done <- c.Fetch(seqset, fetchItems(), messages)
		}
	}()

	var result []*imap.Message
	for msg := range messages {
		result = append(result, msg)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return result, nil
}

func parseCursor(cursor string) (validity, uid uint32, ok bool) {
	v, u, found := strings.Cut(cursor, ":")
	if !found {
		return 0, 0, false
	}
	pv, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	pu, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint32(pv), uint32(pu), true
}

func formatCursor(validity, uid uint32) string {
	return fmt.Sprintf("%d:%d", validity, uid)
}

// folderName maps a requested folder onto the stored folder name
func folderName(folder string) string {
	switch strings.ToLower(folder) {
	case "", "inbox":
		return "inbox"
	case "sent", "sent items", "sent messages":
		return "sent"
	case "spam", "junk":
		return "spam"
	case "trash", "deleted", "deleted items":
		return "trash"
	case "archive":
		return "archive"
	}
	return folder
}

// mailboxName maps a stored folder name onto the IMAP mailbox to select
func mailboxName(folder string) string {
	switch folder {
	case "inbox":
		return "INBOX"
	case "sent":
		return "Sent"
	case "spam":
		return "Junk"
	case "trash":
		return "Trash"
	case "archive":
		return "Archive"
	}
	return folder
}
