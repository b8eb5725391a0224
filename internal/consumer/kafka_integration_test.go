//go:build integration

package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkaContainer "github.com/testcontainers/testcontainers-go/modules/kafka"
	"go.uber.org/zap/zaptest"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/events"
	"github.com/allan-cais/besunny-ai-sub006/internal/memstore"
	"github.com/allan-cais/besunny-ai-sub006/internal/notify"
)

func TestKafkaSummaryLandsInRunLog(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	kafkaC, err := kafkaContainer.Run(ctx, "confluentinc/confluent-local:7.5.0", testcontainers.WithEnv(map[string]string{
		"KAFKA_AUTO_CREATE_TOPICS_ENABLE": "true",
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kafkaC.Terminate(context.Background()) })

	brokers, err := kafkaC.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)

	topic := "workspace.sync.completed"
	conn, err := kafka.Dial("tcp", brokers[0])
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))

	store := memstore.New()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     "sync-audit-integration",
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()

	consumerCtx, stop := context.WithCancel(ctx)
	defer stop()
	proc := NewProcessor(reader, NewRunLogHandler(store), WithLogger(zaptest.NewLogger(t)))
	go func() {
		_ = proc.Run(consumerCtx)
	}()

	bus := notify.NewKafkaBus(brokers, topic)
	defer bus.Close()
	require.NoError(t, bus.Publish(ctx, events.SyncCompleted{
		UserID:      "user-int",
		Service:     string(domain.ServiceCalendar),
		Trigger:     string(domain.TriggerTimer),
		Counts:      domain.ReconcileCounts{Created: 2, Updated: 1},
		DurationMS:  150,
		CompletedAt: time.Now().UTC(),
		Version:     "1",
	}))

	require.Eventually(t, func() bool {
		return len(store.Runs()) == 1
	}, 30*time.Second, 500*time.Millisecond)

	run := store.Runs()[0]
	require.Equal(t, "user-int", run.UserID)
	require.Equal(t, domain.ServiceCalendar, run.Service)
	require.Equal(t, 2, run.Counts.Created)
	require.Equal(t, topic, run.Topic)
}
