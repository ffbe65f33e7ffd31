package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/crypto"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const (
	defaultBatchSize   = 50
	defaultWindow      = 500
	defaultDialTimeout = 10 * time.Second
	defaultCmdTimeout  = 30 * time.Second
)

// Config configures the IMAP adapter
type Config struct {
	// DialTimeout bounds connecting and reading the server greeting.
	DialTimeout time.Duration
	// CommandTimeout bounds every command after the greeting.
	CommandTimeout time.Duration
	// BatchSize is the number of messages fetched per round trip.
	BatchSize int
	// Window is the number of most recent messages a full sync reads.
	Window int
	// TLSConfig overrides the TLS settings used for ssl and starttls servers.
	TLSConfig *tls.Config
}

// Adapter polls IMAP mailboxes. It keeps no connection between syncs.
type Adapter struct {
	sync.ThreadReader
	cfg   Config
	codec *crypto.TokenCodec
	log   logrus.FieldLogger
}

// New creates a new IMAP adapter. codec opens the stored server passwords.
func New(threads store.ThreadStore, codec *crypto.TokenCodec, cfg Config, log logrus.FieldLogger) *Adapter {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCmdTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	return &Adapter{
		ThreadReader: sync.ThreadReader{Store: threads, Family: models.ProviderIMAP},
		cfg:          cfg,
		codec:        codec,
		log:          log.WithField("provider", models.ProviderIMAP),
	}
}

// Provider returns models.ProviderIMAP
func (a *Adapter) Provider() models.Provider {
	return models.ProviderIMAP
}

// connect dials the account's incoming server and logs in.
// The returned client is closed when ctx ends.
func (a *Adapter) connect(ctx context.Context, acct *models.Account) (*client.Client, func(), error) {
	srv := acct.Incoming
	if srv.Host == "" {
		return nil, nil, &sync.ProviderError{Provider: models.ProviderIMAP, Op: "dial", Kind: sync.KindPermanent,
			Err: errors.New("no incoming server configured")}
	}
	password, err := a.password(acct)
	if err != nil {
		return nil, nil, err
	}

	c, err := a.dial(srv)
	if err != nil {
		return nil, nil, &sync.ProviderError{Provider: models.ProviderIMAP, Op: "dial", Kind: sync.KindTransient, Err: err}
	}
	c.ErrorLog = a.log
	c.Timeout = a.cfg.CommandTimeout
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })

	closeFn := func() {
		stop()
		if err := c.Logout(); err != nil && !errors.Is(err, client.ErrAlreadyLoggedOut) {
			a.log.WithError(err).WithField("account_id", acct.ID).Debug("logout failed")
			_ = c.Terminate()
		}
	}

	username := srv.Username
	if username == "" {
		username = acct.Email
	}
	if err := c.Login(username, password); err != nil {
		closeFn()
		return nil, nil, &sync.ProviderError{Provider: models.ProviderIMAP, Op: "login", Kind: sync.KindAuth,
			Err: fmt.Errorf("%w: %v", auth.ErrUnauthorized, err)}
	}
	return c, closeFn, nil
}

func (a *Adapter) dial(srv models.ServerConfig) (*client.Client, error) {
	dialer := &net.Dialer{Timeout: a.cfg.DialTimeout}
	addr := srv.Address()

	switch srv.Security {
	case models.SecuritySSL:
		return client.DialWithDialerTLS(dialer, addr, a.tlsConfig(srv.Host))
	case models.SecurityStartTLS:
		c, err := client.DialWithDialer(dialer, addr)
		if err != nil {
			return nil, err
		}
		if err := c.StartTLS(a.tlsConfig(srv.Host)); err != nil {
			_ = c.Terminate()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
		return c, nil
	default:
		return client.DialWithDialer(dialer, addr)
	}
}

func (a *Adapter) tlsConfig(host string) *tls.Config {
	if a.cfg.TLSConfig != nil {
		return a.cfg.TLSConfig.Clone()
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

func (a *Adapter) password(acct *models.Account) (string, error) {
	sealed := acct.Incoming.EncryptedPassword
	if sealed == "" {
		return "", &sync.ProviderError{Provider: models.ProviderIMAP, Op: "login", Kind: sync.KindAuth,
			Err: errors.New("no password stored")}
	}
	password, err := a.codec.Open(sealed)
	if errors.Is(err, crypto.ErrNoKey) {
		return "", &sync.ProviderError{Provider: models.ProviderIMAP, Op: "login", Kind: sync.KindPermanent, Err: err}
	}
	if err != nil {
		return "", fmt.Errorf("failed to open server password: %w", err)
	}
	return password, nil
}

// classify maps an IMAP failure that is not yet classified onto a provider error
func classify(op string, err error) *sync.ProviderError {
	var perr *sync.ProviderError
	if errors.As(err, &perr) {
		return perr
	}
	kind := sync.KindTransient
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		kind = sync.KindPermanent
	case errors.As(err, &netErr):
		kind = sync.KindTransient
	case strings.Contains(strings.ToLower(err.Error()), "no such mailbox"),
		strings.Contains(strings.ToLower(err.Error()), "doesn't exist"),
		strings.Contains(strings.ToLower(err.Error()), "nonexistent"):
		kind = sync.KindNotFound
	}
	return &sync.ProviderError{Provider: models.ProviderIMAP, Op: op, Kind: kind, Err: err}
}

var _ sync.Adapter = (*Adapter)(nil)
