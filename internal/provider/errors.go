package provider

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrRateLimited ErrorCode = "RATE_LIMITED"
	ErrAuthFailed  ErrorCode = "AUTH_FAILED"
	ErrStaleCursor ErrorCode = "STALE_CURSOR"
	ErrUnavailable ErrorCode = "UNAVAILABLE"
	ErrNotFound    ErrorCode = "NOT_FOUND"
)

// Error is a classified provider failure. Retriable marks errors worth
// retrying with backoff (rate limits, server-side failures); auth failures
// are never retriable.
type Error struct {
	Provider  string
	Code      ErrorCode
	Message   string
	Retriable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Provider, e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(providerName string, code ErrorCode, message string, err error, retriable bool) *Error {
	return &Error{
		Provider:  providerName,
		Code:      code,
		Message:   message,
		Retriable: retriable,
		Err:       err,
	}
}

func hasCode(err error, code ErrorCode) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Code == code
}

// IsRateLimited reports whether err is a provider throttle response.
func IsRateLimited(err error) bool {
	return hasCode(err, ErrRateLimited)
}

// IsStaleCursor reports whether err means the incremental cursor is no
// longer usable and a full fetch is required.
func IsStaleCursor(err error) bool {
	return hasCode(err, ErrStaleCursor)
}

// IsAuthError reports whether err is a credential failure. These are never
// retried; re-authorization is required.
func IsAuthError(err error) bool {
	return hasCode(err, ErrAuthFailed)
}
