// Package googleutil holds helpers shared by the Google API strategies.
package googleutil

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

// Classify maps a Google API error onto the domain taxonomy. Cursor
// endpoints pass cursorCall so that 404 is also read as a rejected cursor.
func Classify(err error, call string, cursorCall bool) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		if domain.IsTransient(err) {
			return errors.Wrap(domain.ErrUpstreamTransient, err.Error())
		}
		return errors.Wrap(err, call)
	}

	switch {
	case apiErr.Code == http.StatusGone:
		return errors.Wrap(domain.ErrCursorInvalid, call)
	case apiErr.Code == http.StatusNotFound && cursorCall:
		return errors.Wrap(domain.ErrCursorInvalid, call)
	case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= 500, rateLimited(apiErr):
		return &domain.StatusError{
			Service:    call,
			StatusCode: transientCode(apiErr.Code),
			Body:       apiErr.Message,
			RetryAfter: domain.ParseRetryAfter(apiErr.Header.Get("Retry-After")),
		}
	case apiErr.Code == http.StatusUnauthorized:
		return errors.Wrap(domain.ErrRefreshFailed, call)
	}
	return errors.Wrap(err, call)
}

func rateLimited(apiErr *googleapi.Error) bool {
	if apiErr.Code != http.StatusForbidden {
		return false
	}
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return false
}

// transientCode normalises rate-limit 403s to 429 so StatusError reports them as transient.
func transientCode(code int) int {
	if code == http.StatusForbidden {
		return http.StatusTooManyRequests
	}
	return code
}

// ClientOptions builds the option set for a per-call Google service client.
// Extra options are appended last so tests can point clients at a fake server.
func ClientOptions(token *oauth2.Token, extra []option.ClientOption) []option.ClientOption {
	opts := []option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(token))}
	return append(opts, extra...)
}

// Expiration converts a channel expiry in epoch milliseconds. Zero means
// upstream did not report one.
func Expiration(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
