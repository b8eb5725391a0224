package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/events"
	"github.com/allan-cais/besunny-ai-sub006/internal/memstore"
)

func summaryMessage(t *testing.T, offset int64) kafka.Message {
	t.Helper()
	payload, err := json.Marshal(events.SyncCompleted{
		UserID:      "user-1",
		Service:     "drive",
		Trigger:     "webhook",
		Counts:      domain.ReconcileCounts{Created: 3, Skipped: 1},
		DurationMS:  420,
		CompletedAt: time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC),
		Version:     "1",
	})
	require.NoError(t, err)
	return kafka.Message{
		Topic:     "workspace.sync.completed",
		Partition: 2,
		Offset:    offset,
		Time:      time.Now().UTC(),
		Value:     payload,
		Key:       []byte("user-1"),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(events.EventTypeSyncCompleted)},
			{Key: "user_id", Value: []byte("user-1")},
			{Key: "service", Value: []byte("drive")},
		},
	}
}

func TestProcessorRecordsRunAndCommits(t *testing.T) {
	store := memstore.New()
	reader := &stubReader{messages: []kafka.Message{summaryMessage(t, 10)}}

	processor := NewProcessor(reader, NewRunLogHandler(store), WithLogger(zaptest.NewLogger(t)))
	err := processor.Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, reader.commitCalls)
	runs := store.Runs()
	require.Len(t, runs, 1)
	require.Equal(t, "user-1", runs[0].UserID)
	require.Equal(t, domain.ServiceDrive, runs[0].Service)
	require.Equal(t, domain.TriggerWebhook, runs[0].Trigger)
	require.Equal(t, 3, runs[0].Counts.Created)
	require.Equal(t, "workspace.sync.completed", runs[0].Topic)
	require.Equal(t, 2, runs[0].Partition)
	require.EqualValues(t, 10, runs[0].Offset)
}

func TestProcessorSkipsCommitOnHandlerError(t *testing.T) {
	reader := &stubReader{messages: []kafka.Message{summaryMessage(t, 20)}}
	handler := &stubHandler{err: errors.New("boom")}

	processor := NewProcessor(reader, handler, WithLogger(zaptest.NewLogger(t)))
	err := processor.Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 0, reader.commitCalls)
}

func TestProcessorCommitsPoisonMessages(t *testing.T) {
	bad := summaryMessage(t, 30)
	bad.Value = []byte("{not json")
	wrongType := summaryMessage(t, 31)
	wrongType.Headers = []kafka.Header{{Key: "event_type", Value: []byte("sync.started")}}

	reader := &stubReader{messages: []kafka.Message{bad, wrongType}}
	handler := &stubHandler{}

	processor := NewProcessor(reader, handler, WithLogger(zaptest.NewLogger(t)))
	require.ErrorIs(t, processor.Run(context.Background()), context.Canceled)

	require.Zero(t, handler.calls)
	require.Equal(t, 2, reader.commitCalls)
}

func TestProcessorBacksOffOnFetchError(t *testing.T) {
	reader := &stubReader{
		messages: []kafka.Message{summaryMessage(t, 40)},
		failOnce: errors.New("broker unavailable"),
	}
	handler := &stubHandler{}

	processor := NewProcessor(reader, handler, WithLogger(zaptest.NewLogger(t)), WithFetchBackoff(time.Millisecond))
	require.ErrorIs(t, processor.Run(context.Background()), context.Canceled)
	require.Equal(t, 1, handler.calls)
	require.Equal(t, "user-1", handler.last.UserID)
}

type stubReader struct {
	messages    []kafka.Message
	index       int
	commitCalls int
	failOnce    error
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.failOnce != nil {
		err := r.failOnce
		r.failOnce = nil
		return kafka.Message{}, err
	}
	if r.index >= len(r.messages) {
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

type stubHandler struct {
	calls int
	err   error
	last  Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	return h.err
}
