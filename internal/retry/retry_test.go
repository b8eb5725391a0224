package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
		MaxRetryAfter:   5 * time.Millisecond,
	}
}

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.Wrap(domain.ErrUpstreamTransient, "list events")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(2), func(context.Context) error {
		calls++
		return &domain.StatusError{Service: "attendee", StatusCode: 503}
	})
	require.Error(t, err)
	require.True(t, domain.IsTransient(err))
	require.Equal(t, 2, calls)
}

func TestDoDoesNotRetryPermanentKinds(t *testing.T) {
	for _, sentinel := range []error{domain.ErrCursorInvalid, domain.ErrCredentialsMissing, errors.New("bad request")} {
		calls := 0
		err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
			calls++
			return sentinel
		})
		require.ErrorIs(t, err, sentinel)
		require.Equal(t, 1, calls)
	}
}

func TestDoHonoursRetryAfterCap(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Do(context.Background(), fastPolicy(2), func(context.Context) error {
		calls++
		if calls == 1 {
			return &domain.StatusError{Service: "attendee", StatusCode: 429, RetryAfter: time.Hour}
		}
		return nil
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastPolicy(10), func(context.Context) error {
		calls++
		cancel()
		return domain.ErrUpstreamTransient
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestNoRetry(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), NoRetry(), func(context.Context) error {
		calls++
		return domain.ErrUpstreamTransient
	})
	require.Equal(t, 1, calls)
}
