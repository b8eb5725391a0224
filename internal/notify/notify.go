// Package notify publishes sync summaries to downstream workflow systems.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/events"
	"github.com/allan-cais/besunny-ai-sub006/internal/observability"
	"github.com/allan-cais/besunny-ai-sub006/internal/retry"
)

// Bus delivers a SyncCompleted summary.
type Bus interface {
	Publish(ctx context.Context, evt events.SyncCompleted) error
}

// Nop discards every summary.
type Nop struct{}

func (Nop) Publish(context.Context, events.SyncCompleted) error { return nil }

// Fanout publishes to every bus and joins their errors.
type Fanout []Bus

func (f Fanout) Publish(ctx context.Context, evt events.SyncCompleted) error {
	var errs error
	for _, bus := range f {
		errs = multierr.Append(errs, bus.Publish(ctx, evt))
	}
	return errs
}

// WebhookBus posts summaries as JSON to a workflow endpoint.
type WebhookBus struct {
	url    string
	token  string
	client *http.Client
	retry  retry.Policy
	logger *zap.Logger
}

// NewWebhookBus constructs a WebhookBus with a bounded per-request timeout.
func NewWebhookBus(url, token string, timeout time.Duration, logger *zap.Logger) *WebhookBus {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookBus{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
		retry:  retry.DefaultPolicy(),
		logger: logger,
	}
}

func (b *WebhookBus) Publish(ctx context.Context, evt events.SyncCompleted) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "marshal sync summary")
	}
	err = retry.Do(ctx, b.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event-Type", events.EventTypeSyncCompleted)
		if b.token != "" {
			req.Header.Set("Authorization", "Bearer "+b.token)
		}
		resp, err := b.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusMultipleChoices {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return &domain.StatusError{
				Service:    "workflow",
				StatusCode: resp.StatusCode,
				Body:       string(detail),
				RetryAfter: domain.ParseRetryAfter(resp.Header.Get("Retry-After")),
			}
		}
		return nil
	}, retry.WithLogger(b.logger), retry.WithName("workflow.webhook"))
	if err != nil {
		observability.RecordNotifyFailure("webhook")
	}
	return err
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBus publishes summaries to a Kafka topic keyed by user.
type KafkaBus struct {
	writer messageWriter
}

// NewKafkaBus creates a synchronous writer for topic.
func NewKafkaBus(brokers []string, topic string) *KafkaBus {
	return &KafkaBus{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
	}}
}

func (b *KafkaBus) Publish(ctx context.Context, evt events.SyncCompleted) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "marshal sync summary")
	}
	msg := kafka.Message{
		Key:   []byte(evt.UserID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(events.EventTypeSyncCompleted)},
			{Key: "user_id", Value: []byte(evt.UserID)},
			{Key: "service", Value: []byte(evt.Service)},
		},
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		observability.RecordNotifyFailure("kafka")
		return errors.Wrap(err, "kafka publish")
	}
	return nil
}

// Close releases the writer.
func (b *KafkaBus) Close() error {
	return b.writer.Close()
}
