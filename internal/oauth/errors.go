package oauth

import (
	"errors"
	"fmt"
)

var (
	ErrUserDenied     = errors.New("user denied the authorization request")
	ErrCodeExpired    = errors.New("device code expired")
	ErrPollingTimeout = errors.New("device authorization polling timed out")
)

// AuthorizationRequestError is returned when the device authorization
// endpoint answers with a non-success status.
type AuthorizationRequestError struct {
	Status int
	Body   string
}

func (e *AuthorizationRequestError) Error() string {
	return fmt.Sprintf("device authorization request failed %d: %s", e.Status, e.Body)
}

// TokenRequestError is a terminal token endpoint error the poller does not
// know how to recover from.
type TokenRequestError struct {
	Code        string
	Description string
}

func (e *TokenRequestError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("token request failed: %s", e.Code)
	}
	return fmt.Sprintf("token request failed: %s: %s", e.Code, e.Description)
}

// IsTerminal reports whether err ends an authentication attempt in a way
// that needs the user to start over.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrUserDenied) || errors.Is(err, ErrCodeExpired)
}
