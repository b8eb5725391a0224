package domain

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"missing", errors.Wrap(ErrCredentialsMissing, "calendar"), KindCredentialsMissing},
		{"refresh", errors.Wrap(ErrRefreshFailed, "oauth"), KindRefreshFailed},
		{"gone", &StatusError{Service: "attendee", StatusCode: http.StatusGone}, KindCursorInvalid},
		{"throttled", &StatusError{Service: "attendee", StatusCode: http.StatusTooManyRequests}, KindUpstreamTransient},
		{"server", errors.Wrap(&StatusError{Service: "x", StatusCode: 503}, "list"), KindUpstreamTransient},
		{"bad request", &StatusError{Service: "x", StatusCode: 400}, KindPermanent},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "call"), KindUpstreamTransient},
		{"duplicate", ErrDuplicateProcessing, KindDuplicateProcessing},
		{"other", errors.New("boom"), KindPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestRetryAfter(t *testing.T) {
	err := errors.Wrap(&StatusError{StatusCode: 429, RetryAfter: 7 * time.Second}, "list bots")
	require.Equal(t, 7*time.Second, RetryAfter(err))
	require.Zero(t, RetryAfter(errors.New("plain")))
	require.Equal(t, 3*time.Second, ParseRetryAfter("3"))
	require.Zero(t, ParseRetryAfter("soon"))
}

func TestReconcileCountsAdd(t *testing.T) {
	var total ReconcileCounts
	batch := ReconcileCounts{Created: 1}
	batch.Skip(SkipAllDay)
	batch.Skip(SkipAllDay)
	total.Add(batch)
	total.Add(ReconcileCounts{Updated: 2, Unchanged: 1})

	require.Equal(t, 1, total.Created)
	require.Equal(t, 2, total.Skipped)
	require.Equal(t, 2, total.SkipReasons[SkipAllDay])
	require.Equal(t, 6, total.Total())
}

func TestSubscriptionQuietWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	received := now.Add(-20 * time.Minute)
	sub := WebhookSubscription{IsActive: true, LastReceivedAt: &received, ExpirationTime: now.Add(10 * time.Hour)}

	require.True(t, sub.ReceivedWithin(now, time.Hour))
	require.False(t, sub.ReceivedWithin(now, 15*time.Minute))
	require.True(t, sub.NeedsRenewal(now, 24*time.Hour))

	sub.IsActive = false
	require.False(t, sub.ReceivedWithin(now, time.Hour))
}

func TestDurableState(t *testing.T) {
	require.False(t, Meeting{}.HasDurableState())
	require.True(t, Meeting{BotID: "bot-1"}.HasDurableState())
	require.True(t, Meeting{ProjectID: "p"}.HasDurableState())
	require.True(t, DriveFile{ProjectID: "p"}.HasDurableState())
	stamp := time.Now()
	require.True(t, BotJob{TranscriptAt: &stamp}.HasDurableState())
	require.False(t, EmailMessage{}.HasDurableState())
}
