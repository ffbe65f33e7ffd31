package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const (
	me = "me"

	defaultPageSize    = 50
	defaultConcurrency = 5
)

// Config configures the Gmail adapter
type Config struct {
	// TopicName is the Pub/Sub topic users.watch publishes to (projects/<p>/topics/<t>).
	TopicName string
	// Endpoint overrides the Gmail API base URL.
	Endpoint string
	// HTTPClient is the base transport under the bearer token.
	HTTPClient  *http.Client
	PageSize    int64
	Concurrency int
}

// Adapter syncs Gmail threads through the Gmail REST API
type Adapter struct {
	sync.ThreadReader
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	log     logrus.FieldLogger
}

// New creates a new Gmail adapter
func New(threads store.ThreadStore, cfg Config, log logrus.FieldLogger) *Adapter {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	log = log.WithField("provider", models.ProviderGmail)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		// Client errors say nothing about Gmail's health
		IsSuccessful: func(err error) bool {
			return err == nil || !classify("", err).Retryable()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("circuit breaker state changed")
		},
	})

	return &Adapter{
		ThreadReader: sync.ThreadReader{Store: threads, Family: models.ProviderGmail},
		cfg:          cfg,
		breaker:      breaker,
		log:          log,
	}
}

// Provider returns models.ProviderGmail
func (a *Adapter) Provider() models.Provider {
	return models.ProviderGmail
}

// BreakerState reports the circuit breaker state for status endpoints
func (a *Adapter) BreakerState() string {
	return a.breaker.State().String()
}

// service builds a Gmail client authenticated with a bearer access token
func (a *Adapter) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	if a.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.cfg.HTTPClient)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})

	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}
	if a.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.cfg.Endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// call runs one API call through the circuit breaker and classifies its failure
func (a *Adapter) call(op string, fn func() error) error {
	_, err := a.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		return classify(op, err)
	}
	return nil
}

// Validate makes a users.getProfile call with the access token
func (a *Adapter) Validate(ctx context.Context, acct *models.Account, accessToken string) error {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return err
	}
	err = a.call("users.getProfile", func() error {
		_, err := svc.Users.GetProfile(me).Context(ctx).Do()
		return err
	})
	if sync.KindOf(err) == sync.KindAuth {
		return fmt.Errorf("%w: %v", auth.ErrUnauthorized, err)
	}
	return err
}

var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
	"dailyLimitExceeded":    true,
}

// classify maps a Gmail API failure onto a provider error kind
func classify(op string, err error) *sync.ProviderError {
	var perr *sync.ProviderError
	if errors.As(err, &perr) {
		return perr
	}

	perr = &sync.ProviderError{Provider: models.ProviderGmail, Op: op, Kind: sync.KindTransient, Err: err}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.Canceled) {
			perr.Kind = sync.KindPermanent
		}
		return perr
	}

	perr.StatusCode = apiErr.Code
	switch {
	case apiErr.Code == http.StatusUnauthorized:
		perr.Kind = sync.KindAuth
	case apiErr.Code == http.StatusForbidden:
		perr.Kind = sync.KindForbidden
		for _, item := range apiErr.Errors {
			if rateLimitReasons[item.Reason] {
				perr.Kind = sync.KindRateLimit
			}
		}
		if strings.Contains(strings.ToLower(apiErr.Message), "rate limit") {
			perr.Kind = sync.KindRateLimit
		}
	case apiErr.Code == http.StatusNotFound:
		perr.Kind = sync.KindNotFound
	case apiErr.Code == http.StatusTooManyRequests:
		perr.Kind = sync.KindRateLimit
	case apiErr.Code >= 500:
		perr.Kind = sync.KindTransient
	default:
		perr.Kind = sync.KindPermanent
	}
	return perr
}

var (
	_ sync.Adapter   = (*Adapter)(nil)
	_ sync.Watcher   = (*Adapter)(nil)
	_ auth.Validator = (*Adapter)(nil)
)
