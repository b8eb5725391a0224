package domain

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrCredentialsMissing means no OAuth grant is stored for the user and service.
	ErrCredentialsMissing = errors.New("credentials missing")
	// ErrRefreshFailed means the upstream rejected the refresh-token exchange.
	ErrRefreshFailed = errors.New("token refresh failed")
	// ErrUpstreamTransient covers timeouts, throttling and 5xx responses.
	ErrUpstreamTransient = errors.New("upstream transient failure")
	// ErrCursorInvalid means the upstream rejected the stored resumption token.
	ErrCursorInvalid = errors.New("sync cursor invalid")
	// ErrDuplicateProcessing means another worker owns the external identifier.
	ErrDuplicateProcessing = errors.New("duplicate processing")
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnsupportedService is returned when no strategy is registered for a service.
	ErrUnsupportedService = errors.New("unsupported service")
)

// ErrorKind is the propagation class of an error.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindCredentialsMissing  ErrorKind = "credentials_missing"
	KindRefreshFailed       ErrorKind = "refresh_failed"
	KindUpstreamTransient   ErrorKind = "upstream_transient"
	KindCursorInvalid       ErrorKind = "cursor_invalid"
	KindDuplicateProcessing ErrorKind = "duplicate_processing"
	KindPermanent           ErrorKind = "permanent"
)

// StatusError carries the HTTP status returned by an external service.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return e.Service + ": http " + strconv.Itoa(e.StatusCode)
	}
	return e.Service + ": http " + strconv.Itoa(e.StatusCode) + ": " + e.Body
}

// Is maps status codes onto the sentinel taxonomy.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUpstreamTransient:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	case ErrCursorInvalid:
		return e.StatusCode == http.StatusGone
	}
	return false
}

// Classify maps an arbitrary error onto the error taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	switch {
	case errors.Is(err, ErrCredentialsMissing):
		return KindCredentialsMissing
	case errors.Is(err, ErrRefreshFailed):
		return KindRefreshFailed
	case errors.Is(err, ErrCursorInvalid):
		return KindCursorInvalid
	case errors.Is(err, ErrDuplicateProcessing):
		return KindDuplicateProcessing
	case errors.Is(err, ErrUpstreamTransient):
		return KindUpstreamTransient
	case errors.Is(err, context.DeadlineExceeded):
		return KindUpstreamTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindUpstreamTransient
	}
	return KindPermanent
}

// IsTransient reports whether err should be retried or absorbed as a skipped cycle.
func IsTransient(err error) bool {
	return Classify(err) == KindUpstreamTransient
}

// RetryAfter extracts an upstream Retry-After hint, if any.
func RetryAfter(err error) time.Duration {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}

// ParseRetryAfter reads a Retry-After header expressed in seconds.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
