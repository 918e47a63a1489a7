// Package failure classifies errors raised while fetching and storing
// offline content so callers can decide between retrying, giving up and
// reporting.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind is the error taxonomy shared by the orchestrator, the cache and the
// interceptor.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindTransient
	KindMalformed
	KindCancelled
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindMalformed:
		return "malformed"
	case KindCancelled:
		return "cancelled"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Sentinels so callers can use errors.Is(err, failure.ErrNotFound).
var (
	ErrNotFound  = errors.New("resource not found")
	ErrTransient = errors.New("transient failure")
	ErrMalformed = errors.New("malformed content")
	ErrCancelled = errors.New("cancelled")
	ErrStorage   = errors.New("storage failure")
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindTransient:
		return ErrTransient
	case KindMalformed:
		return ErrMalformed
	case KindCancelled:
		return ErrCancelled
	case KindStorage:
		return ErrStorage
	default:
		return nil
	}
}

// Error carries a Kind together with the operation and key that failed.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
	// RetryAfter is the server-requested delay for transient failures, if any.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Key != "" {
		msg += " " + e.Key
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", msg, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// New wraps err with a kind.
func New(kind Kind, op, key string, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

func NotFound(op, key string, err error) error  { return New(KindNotFound, op, key, err) }
func Transient(op, key string, err error) error { return New(KindTransient, op, key, err) }
func Malformed(op, key string, err error) error { return New(KindMalformed, op, key, err) }
func Storage(op, key string, err error) error   { return New(KindStorage, op, key, err) }
func Cancelled(op, key string, err error) error { return New(KindCancelled, op, key, err) }

// KindOf walks the chain and returns the first classified kind. Context
// errors are classified even when not wrapped in an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}

// IsRetryable reports whether a later attempt could succeed.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// IsTerminal reports whether retrying err is pointless.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindMalformed, KindStorage:
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the server-suggested delay carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// FromContext classifies a context error: cancellation is Cancelled,
// deadlines are Transient.
func FromContext(op, key string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(op, key, err)
	}
	return Cancelled(op, key, err)
}

// FromStatus classifies an HTTP status code. It returns nil for 2xx and 304.
func FromStatus(op, key string, status int) *Error {
	if status < http.StatusBadRequest {
		return nil
	}
	err := fmt.Errorf("HTTP error: %d", status)
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return New(KindNotFound, op, key, err)
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= http.StatusInternalServerError:
		return New(KindTransient, op, key, err)
	default:
		return New(KindMalformed, op, key, err)
	}
}

// HTTPStatus maps an error onto the status the local server answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindTransient:
		return http.StatusGatewayTimeout
	case KindMalformed:
		return http.StatusBadGateway
	case KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
