package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// Token represents OAuth tokens
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
}

// OAuthRefresher refreshes tokens against an OAuth2 token endpoint
type OAuthRefresher struct {
	config *oauth2.Config
	client *http.Client
}

// NewOAuthRefresher creates a refresher for an arbitrary endpoint
func NewOAuthRefresher(config *oauth2.Config) *OAuthRefresher {
	return &OAuthRefresher{
		config: config,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// NewGoogleRefresher creates a refresher for Google accounts
func NewGoogleRefresher(clientID, clientSecret string) *OAuthRefresher {
	return NewOAuthRefresher(&oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
	})
}

// NewMicrosoftRefresher creates a refresher for Microsoft accounts; tenant defaults to "common"
func NewMicrosoftRefresher(clientID, clientSecret, tenant string) *OAuthRefresher {
	if tenant == "" {
		tenant = "common"
	}
	return NewOAuthRefresher(&oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
		Scopes:       []string{"offline_access", "https://graph.microsoft.com/.default"},
	})
}

// Refresh performs the refresh_token grant
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	src := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}
