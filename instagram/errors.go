package instagram

import (
	"errors"
	"fmt"
)

var (
	ErrMissingCredentials = errors.New("instagram: username and password are required")
	ErrLoginRequired      = errors.New("instagram: login required")
	ErrBadCredentials     = errors.New("instagram: bad username or password")
	ErrTwoFactorRequired  = errors.New("instagram: two factor authentication required")
	ErrCheckpoint         = errors.New("instagram: checkpoint challenge required")
	ErrRateLimited        = errors.New("instagram: rate limited")
	ErrNotFound           = errors.New("instagram: not found")
	ErrUserNotFound       = errors.New("instagram: user not found")
)

// APIError is a non-2xx response from the private API.
type APIError struct {
	StatusCode int
	Message    string
	ErrorType  string
}

func (e *APIError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("instagram: status %d: %s (%s)", e.StatusCode, e.Message, e.ErrorType)
	}
	return fmt.Sprintf("instagram: status %d: %s", e.StatusCode, e.Message)
}
