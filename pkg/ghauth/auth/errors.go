package auth

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrNetwork       = errors.New("network error")
	ErrProtocol      = errors.New("oauth protocol error")
	ErrStateMismatch = errors.New("state mismatch in callback")
	ErrMissingCode   = errors.New("missing code in callback")
	ErrTimeout       = errors.New("authentication timed out")
	ErrAuthorization = errors.New("authorization denied")
)

// OAuthError is an error reported by the authorization server in the
// error/error_description fields of a JSON response.
type OAuthError struct {
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%s: %s", ErrProtocol, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", ErrProtocol, e.Code, e.Description)
}

func (e *OAuthError) Is(target error) bool {
	return target == ErrProtocol
}

func newOAuthError(code, description string) *OAuthError {
	return &OAuthError{Code: code, Description: description}
}
