package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/events"
)

func sampleEvent() events.SyncCompleted {
	return events.FromResult(domain.SyncResult{
		Key:       domain.SyncKey{UserID: "user-1", Service: domain.ServiceCalendar},
		Trigger:   domain.TriggerTimer,
		Counts:    domain.ReconcileCounts{Created: 2},
		StartedAt: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		Duration:  1500 * time.Millisecond,
	})
}

func TestWebhookBusPostsJSON(t *testing.T) {
	var got events.SyncCompleted
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, events.EventTypeSyncCompleted, r.Header.Get("X-Event-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	bus := NewWebhookBus(srv.URL, "tok", time.Second, nil)
	require.NoError(t, bus.Publish(context.Background(), sampleEvent()))
	require.Equal(t, "user-1", got.UserID)
	require.Equal(t, 2, got.Counts.Created)
	require.EqualValues(t, 1500, got.DurationMS)
}

func TestWebhookBusDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewWebhookBus(srv.URL, "", time.Second, nil).Publish(context.Background(), sampleEvent())
	var statusErr *domain.StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

type stubWriter struct {
	msgs []kafka.Message
	err  error
}

func (s *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	s.msgs = append(s.msgs, msgs...)
	return s.err
}

func (s *stubWriter) Close() error { return nil }

func TestKafkaBusHeaders(t *testing.T) {
	writer := &stubWriter{}
	bus := &KafkaBus{writer: writer}
	require.NoError(t, bus.Publish(context.Background(), sampleEvent()))
	require.Len(t, writer.msgs, 1)

	msg := writer.msgs[0]
	require.Equal(t, "user-1", string(msg.Key))
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, events.EventTypeSyncCompleted, headers["event_type"])
	require.Equal(t, "calendar", headers["service"])
	require.NoError(t, bus.Close())
}

type failingBus struct{ err error }

func (f failingBus) Publish(context.Context, events.SyncCompleted) error { return f.err }

func TestFanoutJoinsErrors(t *testing.T) {
	writer := &stubWriter{}
	boom := errors.New("boom")
	err := Fanout{failingBus{boom}, &KafkaBus{writer: writer}, Nop{}}.Publish(context.Background(), sampleEvent())
	require.ErrorIs(t, err, boom)
	require.Len(t, writer.msgs, 1, "later buses still receive the event")
}
