package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/threads"
)

// threadTable names the collection and key column of a provider family.
type threadTable struct {
	name  string
	idCol string
}

func tableFor(family models.Provider) threadTable {
	switch models.ThreadFamily(family) {
	case models.ProviderGmail:
		return threadTable{name: "gmail_threads", idCol: "thread_id"}
	case models.ProviderOutlook:
		return threadTable{name: "outlook_threads", idCol: "conversation_id"}
	default:
		return threadTable{name: "imap_threads", idCol: "thread_id"}
	}
}

func decodeThread(family models.Provider, doc string) (models.ThreadRecord, error) {
	rec := models.NewThreadRecord(family, "")
	if err := json.Unmarshal([]byte(doc), rec); err != nil {
		return nil, fmt.Errorf("failed to decode thread: %w", err)
	}
	return rec, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) loadThread(ctx context.Context, q queryer, family models.Provider, accountID, nativeID string) (models.ThreadRecord, error) {
	t := tableFor(family)
	var doc string
	err := q.QueryRowContext(ctx,
		`SELECT doc FROM `+t.name+` WHERE `+t.idCol+` = ? AND account_id = ?`, nativeID, accountID).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	return decodeThread(family, doc)
}

// UpsertThreads merges each record into its stored version keyed by (native id, account id).
// The optional event is appended to the outbox in the same transaction.
func (s *Store) UpsertThreads(ctx context.Context, records []models.ThreadRecord, event *store.OutboxEvent) (*store.UpsertResult, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	result := &store.UpsertResult{Threads: make([]models.ThreadRecord, 0, len(records))}

	for _, rec := range records {
		if rec == nil || rec.NativeID() == "" || rec.Data().AccountID == "" {
			return nil, fmt.Errorf("thread record needs a native id and account id")
		}

		stored, err := s.loadThread(ctx, tx, rec.Family(), rec.Data().AccountID, rec.NativeID())
		switch {
		case errors.Is(err, store.ErrNotFound):
			stored = nil
			result.Created++
		case err != nil:
			return nil, err
		}

		merged := threads.Merge(stored, rec, now)
		if err := s.writeThread(ctx, tx, merged); err != nil {
			return nil, err
		}
		result.Threads = append(result.Threads, merged)
	}

	if event != nil {
		if err := appendEventTx(ctx, tx, *event, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}

func (s *Store) writeThread(ctx context.Context, tx *sql.Tx, rec models.ThreadRecord) error {
	t := tableFor(rec.Family())
	d := rec.Data()

	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode thread: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO `+t.name+` (`+t.idCol+`, account_id, subject, normalized_subject, folder, unread_count,
			last_message_at, doc, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(`+t.idCol+`, account_id) DO UPDATE SET
			subject = excluded.subject,
			normalized_subject = excluded.normalized_subject,
			folder = excluded.folder,
			unread_count = excluded.unread_count,
			last_message_at = excluded.last_message_at,
			doc = excluded.doc,
			updated_at = excluded.updated_at
	`, rec.NativeID(), d.AccountID, d.Subject, d.NormalizedSubject, d.Folder, d.UnreadCount,
		d.LastMessageAt.UnixMilli(), string(doc), d.CreatedAt.UnixMilli(), d.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert thread: %w", err)
	}
	return nil
}

// GetThread loads one thread of a provider family
func (s *Store) GetThread(ctx context.Context, family models.Provider, accountID, nativeID string) (models.ThreadRecord, error) {
	return s.loadThread(ctx, s.DB, family, accountID, nativeID)
}

// ListThreads returns threads of an account newest first
func (s *Store) ListThreads(ctx context.Context, family models.Provider, accountID string, q store.ThreadQuery) ([]models.ThreadRecord, error) {
	t := tableFor(family)
	query := `SELECT doc FROM ` + t.name + ` WHERE account_id = ?`
	args := []any{accountID}
	if q.Folder != "" {
		query += " AND folder = ?"
		args = append(args, q.Folder)
	}
	if q.UnreadOnly {
		query += " AND unread_count > 0"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY last_message_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, q.Offset)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var out []models.ThreadRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan thread row: %w", err)
		}
		rec, err := decodeThread(family, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountThreads counts the threads stored for an account
func (s *Store) CountThreads(ctx context.Context, family models.Provider, accountID string) (int, error) {
	t := tableFor(family)
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.name+` WHERE account_id = ?`, accountID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count threads: %w", err)
	}
	return n, nil
}
