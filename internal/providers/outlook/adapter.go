package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	"github.com/microsoft/kiota-abstractions-go/authentication"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const graphScope = "https://graph.microsoft.com/.default"

// Config configures the Outlook adapter
type Config struct {
	// NotificationURL receives Graph change notifications.
	NotificationURL string
	// ClientState is echoed back in every notification and checked by the webhook.
	ClientState string
	// BaseURL overrides https://graph.microsoft.com/v1.0.
	BaseURL string
	// PageSize is the odata.maxpagesize preference for list and delta calls.
	PageSize int32
	// MaxPages bounds the pages one sync follows before it returns a partial result.
	MaxPages int
	// Lookback bounds the first delta round when SyncOptions.Since is not set.
	Lookback time.Duration
	// SubscriptionLifetime is how far ahead a subscription expiration is set.
	SubscriptionLifetime time.Duration
}

// Adapter syncs Outlook conversations through Microsoft Graph
type Adapter struct {
	sync.ThreadReader
	cfg Config
	log logrus.FieldLogger
	now func() time.Time
}

// New creates a new Outlook adapter
func New(threads store.ThreadStore, cfg Config, log logrus.FieldLogger) *Adapter {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 30 * 24 * time.Hour
	}
	if cfg.SubscriptionLifetime <= 0 {
		// Graph caps message subscriptions at 4230 minutes
		cfg.SubscriptionLifetime = 4200 * time.Minute
	}
	return &Adapter{
		ThreadReader: sync.ThreadReader{Store: threads, Family: models.ProviderOutlook},
		cfg:          cfg,
		log:          log.WithField("provider", models.ProviderOutlook),
		now:          time.Now,
	}
}

// Provider returns models.ProviderOutlook
func (a *Adapter) Provider() models.Provider {
	return models.ProviderOutlook
}

// ClientState returns the secret Graph echoes back in notifications
func (a *Adapter) ClientState() string {
	return a.cfg.ClientState
}

// client builds a Graph client that authenticates with the given access token
func (a *Adapter) client(accessToken string) (*msgraphsdk.GraphServiceClient, error) {
	if a.cfg.BaseURL == "" {
		client, err := msgraphsdk.NewGraphServiceClientWithCredentials(&staticTokenCredential{token: accessToken}, []string{graphScope})
		if err != nil {
			return nil, fmt.Errorf("failed to create Graph client: %w", err)
		}
		return client, nil
	}

	adapter, err := msgraphsdk.NewGraphRequestAdapter(
		authentication.NewBaseBearerTokenAuthenticationProvider(&staticTokenProvider{token: accessToken}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph request adapter: %w", err)
	}
	adapter.SetBaseUrl(strings.TrimRight(a.cfg.BaseURL, "/"))
	return msgraphsdk.NewGraphServiceClient(adapter), nil
}

// Validate reads the mailbox owner's user object with the access token
func (a *Adapter) Validate(ctx context.Context, acct *models.Account, accessToken string) error {
	client, err := a.client(accessToken)
	if err != nil {
		return err
	}
	if _, err := client.Users().ByUserId(acct.Email).Get(ctx, nil); err != nil {
		perr := classify("users.get", err)
		if perr.Kind == sync.KindAuth {
			return fmt.Errorf("%w: %v", auth.ErrUnauthorized, perr)
		}
		return perr
	}
	return nil
}

// classify maps a Graph failure onto a provider error kind
func classify(op string, err error) *sync.ProviderError {
	var perr *sync.ProviderError
	if errors.As(err, &perr) {
		return perr
	}
	perr = &sync.ProviderError{Provider: models.ProviderOutlook, Op: op, Kind: sync.KindTransient, Err: err}

	status, code := 0, ""
	var odataErr *odataerrors.ODataError
	var apiErr *abstractions.ApiError
	switch {
	case errors.As(err, &odataErr):
		status = odataErr.ResponseStatusCode
		if mainErr := odataErr.GetErrorEscaped(); mainErr != nil && mainErr.GetCode() != nil {
			code = *mainErr.GetCode()
		}
	case errors.As(err, &apiErr):
		status = apiErr.ResponseStatusCode
	default:
		if errors.Is(err, context.Canceled) {
			perr.Kind = sync.KindPermanent
		}
		return perr
	}

	perr.StatusCode = status
	switch {
	case status == http.StatusUnauthorized:
		perr.Kind = sync.KindAuth
	case status == http.StatusForbidden:
		perr.Kind = sync.KindForbidden
	case status == http.StatusNotFound, status == http.StatusGone:
		perr.Kind = sync.KindNotFound
	case strings.Contains(strings.ToLower(code), "syncstate"):
		// expired or invalid delta token
		perr.Kind = sync.KindNotFound
	case status == http.StatusTooManyRequests:
		perr.Kind = sync.KindRateLimit
	case status >= 500:
		perr.Kind = sync.KindTransient
	default:
		perr.Kind = sync.KindPermanent
	}
	return perr
}

// staticTokenCredential implements Azure credential interface
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

// staticTokenProvider hands kiota a fixed bearer token for a custom Graph endpoint
type staticTokenProvider struct {
	token string
}

func (p *staticTokenProvider) GetAuthorizationToken(ctx context.Context, u *url.URL, _ map[string]interface{}) (string, error) {
	return p.token, nil
}

func (p *staticTokenProvider) GetAllowedHostsValidator() *authentication.AllowedHostsValidator {
	return &authentication.AllowedHostsValidator{}
}

// Int32Ptr returns a pointer to an int32
func Int32Ptr(i int32) *int32 {
	return &i
}

func strPtr(s string) *string {
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var (
	_ sync.Adapter   = (*Adapter)(nil)
	_ sync.Watcher   = (*Adapter)(nil)
	_ auth.Validator = (*Adapter)(nil)
)
