package models

import (
	"fmt"
	"time"
)

// Provider identifies the mail protocol family behind an account.
type Provider string

const (
	ProviderGmail    Provider = "gmail"
	ProviderOutlook  Provider = "outlook"
	ProviderIMAP     Provider = "imap"
	ProviderPOP3     Provider = "pop3"
	ProviderExchange Provider = "exchange"
	ProviderCustom   Provider = "custom"
)

// ParseProvider validates a provider name.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case ProviderGmail, ProviderOutlook, ProviderIMAP, ProviderPOP3, ProviderExchange, ProviderCustom:
		return p, nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// SupportsOAuth reports whether accounts of this provider authenticate with OAuth tokens.
func (p Provider) SupportsOAuth() bool {
	return p == ProviderGmail || p == ProviderOutlook
}

// SupportsPush reports whether the provider can notify us of mailbox changes.
func (p Provider) SupportsPush() bool {
	return p == ProviderGmail || p == ProviderOutlook
}

// ConnectionStatus is the account health visible to the mailbox owner.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// SyncStatus tracks how far an account has been synchronised.
type SyncStatus string

const (
	SyncInitial    SyncStatus = "initial"
	SyncHistorical SyncStatus = "historical"
	SyncPartial    SyncStatus = "partial"
	SyncComplete   SyncStatus = "complete"
	SyncError      SyncStatus = "error"
)

// Security is the transport mode of an IMAP/SMTP endpoint.
type Security string

const (
	SecuritySSL      Security = "ssl"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// ServerConfig describes an incoming or outgoing mail server.
type ServerConfig struct {
	Host              string   `json:"host"`
	Port              int      `json:"port"`
	Security          Security `json:"security"`
	Username          string   `json:"username"`
	EncryptedPassword string   `json:"-"`
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// OAuthBundle holds the encrypted OAuth material of an account.
type OAuthBundle struct {
	ClientIDRef           string     `json:"clientIdRef"`
	EncryptedRefreshToken string     `json:"-"`
	EncryptedAccessToken  string     `json:"-"`
	TokenExpiry           *time.Time `json:"tokenExpiry,omitempty"`
	Scopes                []string   `json:"scopes,omitempty"`
}

// HasAccessToken reports whether an access token is stored.
func (o *OAuthBundle) HasAccessToken() bool {
	return o != nil && o.EncryptedAccessToken != ""
}

// SyncProgress reports backfill progress.
type SyncProgress struct {
	Processed      int `json:"processed"`
	CurrentBatch   int `json:"currentBatch"`
	EstimatedTotal int `json:"estimatedTotal"`
}

// QuotaUsage counts provider API calls per day.
type QuotaUsage struct {
	DailyCount int       `json:"dailyCount"`
	ResetAt    time.Time `json:"resetAt"`
}

// SyncState is the per-account synchronisation cursor and watch bookkeeping.
type SyncState struct {
	LastHistoryID       string       `json:"lastHistoryId,omitempty"`
	SyncStatus          SyncStatus   `json:"syncStatus"`
	LastSyncAt          *time.Time   `json:"lastSyncAt,omitempty"`
	Progress            SyncProgress `json:"syncProgress"`
	WatchExpiration     *time.Time   `json:"watchExpiration,omitempty"`
	LastWatchRenewal    *time.Time   `json:"lastWatchRenewal,omitempty"`
	IsWatching          bool         `json:"isWatching"`
	SubscriptionID      string       `json:"subscriptionId,omitempty"`
	Quota               QuotaUsage   `json:"quotaUsage"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	NextRetryAt         *time.Time   `json:"nextRetryAt,omitempty"`
}

// WatchValid reports whether a watching account has a future expiration.
func (s SyncState) WatchValid(now time.Time) bool {
	if !s.IsWatching {
		return true
	}
	return s.WatchExpiration != nil && s.WatchExpiration.After(now)
}

// CountCall bumps the daily quota counter, resetting it once the reset time passed.
func (s *SyncState) CountCall(now time.Time, n int) {
	if now.After(s.Quota.ResetAt) || s.Quota.ResetAt.IsZero() {
		s.Quota.DailyCount = 0
		y, m, d := now.UTC().Date()
		s.Quota.ResetAt = time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	}
	s.Quota.DailyCount += n
}

// Account is one linked mailbox.
type Account struct {
	ID               string           `json:"id"`
	UserID           string           `json:"userId"`
	Email            string           `json:"email"`
	Provider         Provider         `json:"accountType"`
	IsActive         bool             `json:"isActive"`
	IsPrimary        bool             `json:"isPrimary"`
	Incoming         ServerConfig     `json:"incoming"`
	Outgoing         ServerConfig     `json:"outgoing"`
	OAuth            *OAuthBundle     `json:"oauth,omitempty"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	StatusMessage    string           `json:"statusMessage,omitempty"`
	SyncState        SyncState        `json:"syncState"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// String identifies the account in logs without leaking credentials.
func (a *Account) String() string {
	return fmt.Sprintf("%s(%s/%s)", a.ID, a.Provider, a.Email)
}
