package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// GoogleCertsURL serves the keys Google signs Pub/Sub push OIDC tokens with.
const GoogleCertsURL = "https://www.googleapis.com/oauth2/v3/certs"

var googleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// PushClaims are the fields of a verified push token we care about.
type PushClaims struct {
	Email    string
	Subject  string
	Audience []string
}

// PushVerifier checks the OIDC bearer token Pub/Sub attaches to push requests.
// Keys come from a jwk.Cache that refreshes in the background, so verification
// does no network I/O on the request path once warm.
type PushVerifier struct {
	jwksURL        string
	audience       string
	serviceAccount string
	keySet         jwk.Set
}

// NewPushVerifier registers jwksURL with a key cache and warms it.
// serviceAccount, when set, must match the token's email claim.
func NewPushVerifier(ctx context.Context, jwksURL, audience, serviceAccount string) (*PushVerifier, error) {
	if jwksURL == "" {
		jwksURL = GoogleCertsURL
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	// Do initial fetch to warm up the cache
	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &PushVerifier{
		jwksURL:        jwksURL,
		audience:       audience,
		serviceAccount: serviceAccount,
		keySet:         jwk.NewCachedSet(cache, jwksURL),
	}, nil
}

// VerifyRequest validates the Authorization bearer token of a push request.
func (v *PushVerifier) VerifyRequest(r *http.Request) (*PushClaims, error) {
	opts := []jwt.ParseOption{
		jwt.WithKeySet(v.keySet),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(30 * time.Second),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseRequest(r, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse push token: %w", err)
	}

	if !validIssuer(token.Issuer()) {
		return nil, fmt.Errorf("unexpected push token issuer %q", token.Issuer())
	}

	claims := &PushClaims{Subject: token.Subject(), Audience: token.Audience()}
	if emailClaim, ok := token.Get("email"); ok {
		claims.Email, _ = emailClaim.(string)
	}
	if verified, ok := token.Get("email_verified"); ok {
		if b, isBool := verified.(bool); isBool && !b {
			return nil, fmt.Errorf("push token email is not verified")
		}
	}

	if v.serviceAccount != "" && !strings.EqualFold(claims.Email, v.serviceAccount) {
		return nil, fmt.Errorf("push token issued to %q, expected %q", claims.Email, v.serviceAccount)
	}

	return claims, nil
}

func validIssuer(iss string) bool {
	for _, want := range googleIssuers {
		if iss == want {
			return true
		}
	}
	return false
}
