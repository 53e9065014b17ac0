package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthorized means the platform rejected the credential.
	ErrUnauthorized = errors.New("transport: credential rejected")
	// ErrClosed is returned by a Conn after Close.
	ErrClosed = errors.New("transport: connection closed")
)

// RetryAfterError is returned when the platform asks the caller to back off.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("transport: retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// IsFatal reports errors after which a connection cannot be used again.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrClosed)
}

// RetryAfter extracts a server-requested backoff, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.After, true
	}
	return 0, false
}
