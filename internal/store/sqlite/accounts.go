package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
)

const accountColumns = `id, user_id, email, provider, is_active, is_primary, incoming_json, outgoing_json,
	oauth_client_ref, refresh_token_enc, access_token_enc, token_expiry, oauth_scopes,
	connection_status, status_message, last_history_id, sync_status, last_sync_at, progress_json,
	watch_expiration, last_watch_renewal, is_watching, subscription_id, quota_daily_count,
	quota_reset_at, consecutive_failures, next_retry_at, created_at, updated_at`

// serverRow is the stored form of a ServerConfig, password included.
type serverRow struct {
	Host              string          `json:"host,omitempty"`
	Port              int             `json:"port,omitempty"`
	Security          models.Security `json:"security,omitempty"`
	Username          string          `json:"username,omitempty"`
	EncryptedPassword string          `json:"password,omitempty"`
}

func encodeServer(c models.ServerConfig) string {
	b, _ := json.Marshal(serverRow(c))
	return string(b)
}

func decodeServer(s string) models.ServerConfig {
	var row serverRow
	_ = json.Unmarshal([]byte(s), &row)
	return models.ServerConfig(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (*models.Account, error) {
	var (
		a                                          models.Account
		provider, connStatus, syncStatus           string
		isActive, isPrimary, isWatching            int
		incoming, outgoing, progress               string
		clientRef, refreshEnc, accessEnc, scopes   sql.NullString
		tokenExpiry, lastSync, watchExp, lastRenew sql.NullInt64
		quotaReset, nextRetry                      sql.NullInt64
		createdAt, updatedAt                       int64
	)

	err := r.Scan(&a.ID, &a.UserID, &a.Email, &provider, &isActive, &isPrimary, &incoming, &outgoing,
		&clientRef, &refreshEnc, &accessEnc, &tokenExpiry, &scopes,
		&connStatus, &a.StatusMessage, &a.SyncState.LastHistoryID, &syncStatus, &lastSync, &progress,
		&watchExp, &lastRenew, &isWatching, &a.SyncState.SubscriptionID, &a.SyncState.Quota.DailyCount,
		&quotaReset, &a.SyncState.ConsecutiveFailures, &nextRetry, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	a.Provider = models.Provider(provider)
	a.IsActive = isActive == 1
	a.IsPrimary = isPrimary == 1
	a.Incoming = decodeServer(incoming)
	a.Outgoing = decodeServer(outgoing)
	a.ConnectionStatus = models.ConnectionStatus(connStatus)

	if clientRef.Valid || refreshEnc.Valid || accessEnc.Valid {
		a.OAuth = &models.OAuthBundle{
			ClientIDRef:           clientRef.String,
			EncryptedRefreshToken: refreshEnc.String,
			EncryptedAccessToken:  accessEnc.String,
			TokenExpiry:           fromMillis(tokenExpiry),
		}
		if scopes.Valid && scopes.String != "" {
			_ = json.Unmarshal([]byte(scopes.String), &a.OAuth.Scopes)
		}
	}

	st := &a.SyncState
	st.SyncStatus = models.SyncStatus(syncStatus)
	st.LastSyncAt = fromMillis(lastSync)
	_ = json.Unmarshal([]byte(progress), &st.Progress)
	st.WatchExpiration = fromMillis(watchExp)
	st.LastWatchRenewal = fromMillis(lastRenew)
	st.IsWatching = isWatching == 1
	if t := fromMillis(quotaReset); t != nil {
		st.Quota.ResetAt = *t
	}
	st.NextRetryAt = fromMillis(nextRetry)

	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	a.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &a, nil
}

func oauthArgs(o *models.OAuthBundle) (ref, refresh, access, expiry, scopes any) {
	if o == nil {
		return nil, nil, nil, nil, nil
	}
	var scopesJSON any
	if len(o.Scopes) > 0 {
		b, _ := json.Marshal(o.Scopes)
		scopesJSON = string(b)
	}
	return o.ClientIDRef, o.EncryptedRefreshToken, o.EncryptedAccessToken, nullMillis(o.TokenExpiry), scopesJSON
}

// CreateAccount inserts a new account
func (s *Store) CreateAccount(ctx context.Context, a *models.Account) error {
	if _, err := models.ParseProvider(string(a.Provider)); err != nil {
		return err
	}
	if !a.SyncState.WatchValid(s.now()) {
		return store.ErrInvalidWatch
	}

	now := s.now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.ConnectionStatus == "" {
		a.ConnectionStatus = models.StatusConnected
	}
	if a.SyncState.SyncStatus == "" {
		a.SyncState.SyncStatus = models.SyncInitial
	}

	ref, refresh, access, expiry, scopes := oauthArgs(a.OAuth)
	st := a.SyncState
	progress, _ := json.Marshal(st.Progress)

	_, err := s.DB.ExecContext(ctx, `INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Email, string(a.Provider), boolInt(a.IsActive), boolInt(a.IsPrimary),
		encodeServer(a.Incoming), encodeServer(a.Outgoing),
		ref, refresh, access, expiry, scopes,
		string(a.ConnectionStatus), a.StatusMessage, st.LastHistoryID, string(st.SyncStatus),
		nullMillis(st.LastSyncAt), string(progress), nullMillis(st.WatchExpiration), nullMillis(st.LastWatchRenewal),
		boolInt(st.IsWatching), st.SubscriptionID, st.Quota.DailyCount, nullMillis(&st.Quota.ResetAt),
		st.ConsecutiveFailures, nullMillis(st.NextRetryAt), a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err, "accounts.user_id") {
			return store.ErrPrimaryConflict
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// GetAccount loads an account by id
func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// FindActiveByEmail resolves a push notification address to its account
func (s *Store) FindActiveByEmail(ctx context.Context, email string, provider models.Provider) (*models.Account, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE lower(email) = lower(?) AND provider = ? AND is_active = 1
		ORDER BY is_primary DESC, updated_at DESC LIMIT 1`, email, string(provider))
	return scanAccount(row)
}

// FindBySubscription resolves a Graph subscription id to its account
func (s *Store) FindBySubscription(ctx context.Context, subscriptionID string) (*models.Account, error) {
	if subscriptionID == "" {
		return nil, store.ErrNotFound
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE subscription_id = ? AND is_active = 1 LIMIT 1`, subscriptionID)
	return scanAccount(row)
}

// ListAccounts returns accounts matching the filter ordered by creation time
func (s *Store) ListAccounts(ctx context.Context, f store.AccountFilter) ([]*models.Account, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if len(f.Providers) > 0 {
		marks := make([]string, len(f.Providers))
		for i, p := range f.Providers {
			marks[i] = "?"
			args = append(args, string(p))
		}
		where = append(where, "provider IN ("+strings.Join(marks, ", ")+")")
	}
	if f.ActiveOnly {
		where = append(where, "is_active = 1")
	}
	if f.WithAccessToken {
		where = append(where, "access_token_enc IS NOT NULL AND access_token_enc != ''")
	}
	if f.Watching != nil {
		where = append(where, "is_watching = ?")
		args = append(args, boolInt(*f.Watching))
	}
	if f.WatchExpiredBy != nil {
		where = append(where, "watch_expiration IS NOT NULL AND watch_expiration < ?")
		args = append(args, f.WatchExpiredBy.UnixMilli())
	}

	query := `SELECT ` + accountColumns + ` FROM accounts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateOAuth replaces the stored OAuth bundle
func (s *Store) UpdateOAuth(ctx context.Context, id string, o *models.OAuthBundle) error {
	ref, refresh, access, expiry, scopes := oauthArgs(o)
	return s.execOne(ctx, `UPDATE accounts
		SET oauth_client_ref = ?, refresh_token_enc = ?, access_token_enc = ?, token_expiry = ?, oauth_scopes = ?, updated_at = ?
		WHERE id = ?`, ref, refresh, access, expiry, scopes, s.now().UnixMilli(), id)
}

// SetConnectionStatus records account health
func (s *Store) SetConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus, message string) error {
	return s.execOne(ctx, `UPDATE accounts SET connection_status = ?, status_message = ?, updated_at = ? WHERE id = ?`,
		string(status), message, s.now().UnixMilli(), id)
}

// SaveSyncState persists the cursor, progress, quota and backoff of an account.
// Watch columns are left alone; see SaveWatch.
func (s *Store) SaveSyncState(ctx context.Context, id string, st models.SyncState) error {
	progress, _ := json.Marshal(st.Progress)
	return s.execOne(ctx, `UPDATE accounts
		SET last_history_id = ?, sync_status = ?, last_sync_at = ?, progress_json = ?,
		    quota_daily_count = ?, quota_reset_at = ?, consecutive_failures = ?, next_retry_at = ?,
		    updated_at = ?
		WHERE id = ?`,
		st.LastHistoryID, string(st.SyncStatus), nullMillis(st.LastSyncAt), string(progress),
		st.Quota.DailyCount, nullMillis(&st.Quota.ResetAt), st.ConsecutiveFailures, nullMillis(st.NextRetryAt),
		s.now().UnixMilli(), id)
}

// SaveWatch persists the watch fields of st. A watching state needs a future expiration.
func (s *Store) SaveWatch(ctx context.Context, id string, st models.SyncState) error {
	if !st.WatchValid(s.now()) {
		return store.ErrInvalidWatch
	}
	return s.execOne(ctx, `UPDATE accounts
		SET watch_expiration = ?, last_watch_renewal = ?, is_watching = ?, subscription_id = ?, updated_at = ?
		WHERE id = ?`,
		nullMillis(st.WatchExpiration), nullMillis(st.LastWatchRenewal), boolInt(st.IsWatching), st.SubscriptionID,
		s.now().UnixMilli(), id)
}

// SetPrimary makes accountID the only primary account of userID
func (s *Store) SetPrimary(ctx context.Context, userID, accountID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET is_primary = 0, updated_at = ? WHERE user_id = ? AND id != ?`,
		now, userID, accountID); err != nil {
		return fmt.Errorf("failed to clear primary: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET is_primary = 1, updated_at = ? WHERE user_id = ? AND id = ?`,
		now, userID, accountID)
	if err != nil {
		return fmt.Errorf("failed to set primary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeactivateAccount soft-deletes an account and drops its watch
func (s *Store) DeactivateAccount(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE accounts
		SET is_active = 0, is_primary = 0, is_watching = 0, connection_status = ?, updated_at = ?
		WHERE id = ?`, string(models.StatusDisconnected), s.now().UnixMilli(), id)
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error, column string) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}
