package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

var (
	// ErrUnauthorized is wrapped by validators when the provider answers 401.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNoRefreshToken means the account was linked without offline access.
	ErrNoRefreshToken = errors.New("no refresh token stored")
)

// AuthError is returned by Guardian.Ensure when no usable access token can be produced.
type AuthError struct {
	AccountID      string
	RequiresReAuth bool
	Retryable      bool
	Err            error
}

func (e *AuthError) Error() string {
	switch {
	case e.RequiresReAuth:
		return fmt.Sprintf("account %s requires re-authentication: %v", e.AccountID, e.Err)
	case e.Retryable:
		return fmt.Sprintf("account %s token refresh failed, retry later: %v", e.AccountID, e.Err)
	default:
		return fmt.Sprintf("account %s auth error: %v", e.AccountID, e.Err)
	}
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// RequiresReAuth reports whether err means the user has to link the mailbox again.
func RequiresReAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.RequiresReAuth
}

// IsTerminal reports whether a refresh or validation error cannot be fixed by retrying.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNoRefreshToken) {
		return true
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", "unauthorized_client":
			return true
		}
		if re.Response != nil {
			switch re.Response.StatusCode {
			case http.StatusUnauthorized:
				return true
			case http.StatusBadRequest:
				return strings.Contains(string(re.Body), "invalid_grant")
			}
		}
	}
	return false
}
