package publish

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds. Match with errors.Is.
var (
	ErrAuth        = errors.New("authentication failed")
	ErrTransport   = errors.New("transport error")
	ErrRateLimited = errors.New("rate limited")
)

// Error is returned by Publisher implementations.
type Error struct {
	Kind       error // ErrAuth, ErrTransport or ErrRateLimited
	Op         string
	RetryAfter time.Duration // set by platforms that report it
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func AuthError(op string, err error) error {
	return &Error{Kind: ErrAuth, Op: op, Err: err}
}

func TransportError(op string, err error) error {
	return &Error{Kind: ErrTransport, Op: op, Err: err}
}

func RateLimitError(op string, retryAfter time.Duration, err error) error {
	return &Error{Kind: ErrRateLimited, Op: op, RetryAfter: retryAfter, Err: err}
}

// Kind returns a short label for err, used in logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "other"
	}
}
