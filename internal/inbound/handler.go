// Package inbound processes push notifications from upstream services.
package inbound

import (
	"context"
	"crypto/subtle"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/allan-cais/besunny-ai-sub006/internal/dedup"
	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/observability"
)

// Outcome describes what happened to a notification. Callers always
// acknowledge upstream regardless of the outcome.
type Outcome string

const (
	OutcomeProcessed      Outcome = "processed"
	OutcomeHandshake      Outcome = "handshake"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeUnknownChannel Outcome = "unknown_channel"
	OutcomeRejected       Outcome = "rejected"
	OutcomeQueued         Outcome = "queued"
	OutcomeDeferred       Outcome = "deferred"
	OutcomeFailed         Outcome = "failed"
)

// Notification is a header-based push from a Google API channel.
type Notification struct {
	Service       domain.ServiceType
	ChannelID     string
	ChannelToken  string
	ResourceID    string
	ResourceState string
	MessageNumber string
}

// DedupKey identifies one delivery of the notification.
func (n Notification) DedupKey() string {
	return n.ChannelID + ":" + n.MessageNumber
}

// Cycles runs sync cycles.
type Cycles interface {
	RunCycle(ctx context.Context, key domain.SyncKey, trigger domain.Trigger) domain.SyncResult
}

// Receiver resolves channels to subscriptions and stamps push receipts.
type Receiver interface {
	Lookup(ctx context.Context, channelID string) (*domain.WebhookSubscription, error)
	MarkReceived(ctx context.Context, channelID string, at time.Time) (*domain.WebhookSubscription, error)
	ChannelToken() string
}

// Reconciler applies bot status events directly.
type Reconciler interface {
	Reconcile(ctx context.Context, userID string, events []domain.ExternalEvent) (domain.ReconcileCounts, error)
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// WithLockTTL sets how long a delivery blocks duplicates.
func WithLockTTL(ttl time.Duration) Option {
	return func(h *Handler) {
		h.lockTTL = ttl
	}
}

// WithAsync processes notifications in the background so the caller can
// acknowledge immediately.
func WithAsync() Option {
	return func(h *Handler) {
		h.async = true
	}
}

// Handler routes inbound notifications through the dedup lock to a sync
// cycle or to direct reconciliation.
type Handler struct {
	locker     dedup.Locker
	receiver   Receiver
	cycles     Cycles
	reconciler Reconciler
	lockTTL    time.Duration
	async      bool
	logger     *zap.Logger
	now        func() time.Time
	wg         sync.WaitGroup
}

// NewHandler constructs a Handler.
func NewHandler(locker dedup.Locker, receiver Receiver, cycles Cycles, reconciler Reconciler, opts ...Option) *Handler {
	h := &Handler{
		locker:     locker,
		receiver:   receiver,
		cycles:     cycles,
		reconciler: reconciler,
		lockTTL:    dedup.DefaultTTL,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Wait blocks until background processing completes.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// HandleGoogle processes a channel notification. The initial "sync"
// handshake carries no changes and is acknowledged without work.
func (h *Handler) HandleGoogle(ctx context.Context, n Notification) Outcome {
	source := "google_" + string(n.Service)
	outcome := h.handleGoogle(ctx, n)
	observability.RecordInbound(source, string(outcome))
	return outcome
}

func (h *Handler) handleGoogle(ctx context.Context, n Notification) Outcome {
	if n.ResourceState == "sync" {
		return OutcomeHandshake
	}
	if n.ChannelID == "" {
		return OutcomeRejected
	}
	if want := h.receiver.ChannelToken(); want != "" && subtle.ConstantTimeCompare([]byte(want), []byte(n.ChannelToken)) != 1 {
		h.logger.Warn("notification with bad channel token", zap.String("channel_id", n.ChannelID))
		return OutcomeRejected
	}

	id := n.DedupKey()
	ok, err := h.locker.TryAcquire(ctx, id, h.lockTTL)
	if err != nil {
		h.logger.Error("acquire dedup lock", zap.String("id", id), zap.Error(err))
		return OutcomeFailed
	}
	if !ok {
		observability.RecordDuplicate("google")
		return OutcomeDuplicate
	}

	at := h.now()
	sub, err := h.receiver.Lookup(ctx, n.ChannelID)
	if errors.Is(err, domain.ErrNotFound) {
		h.logger.Info("notification for unknown channel", zap.String("channel_id", n.ChannelID))
		return OutcomeUnknownChannel
	}
	if err != nil {
		h.release(ctx, id)
		h.logger.Error("look up subscription", zap.String("channel_id", n.ChannelID), zap.Error(err))
		return OutcomeFailed
	}
	if n.Service != "" && sub.Service != n.Service {
		h.logger.Warn("notification service mismatch",
			zap.String("channel_id", n.ChannelID),
			zap.String("expected", string(sub.Service)),
			zap.String("got", string(n.Service)),
		)
		return OutcomeRejected
	}

	// The receipt is stamped only after the change was fetched, so the
	// quiet window never hides a push that was not synced.
	run := func(ctx context.Context) Outcome {
		logger := h.logger.With(
			zap.String("user_id", sub.UserID),
			zap.String("service", string(sub.Service)),
		)
		res := h.cycles.RunCycle(ctx, sub.Key(), domain.TriggerWebhook)
		switch {
		case res.Err != nil:
			h.release(ctx, id)
			logger.Warn("webhook-triggered cycle failed", zap.Error(res.Err))
			return OutcomeFailed
		case res.Queued:
			logger.Debug("cycle running, push queued for rerun")
			return OutcomeDeferred
		case res.Skipped:
			h.release(ctx, id)
			logger.Warn("webhook-triggered cycle skipped", zap.String("cause", string(res.SkipCause)))
			return OutcomeFailed
		}
		if _, err := h.receiver.MarkReceived(ctx, n.ChannelID, at); err != nil {
			logger.Warn("mark subscription received", zap.String("channel_id", n.ChannelID), zap.Error(err))
		}
		return OutcomeProcessed
	}
	if !h.async {
		return run(ctx)
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		run(context.WithoutCancel(ctx))
	}()
	return OutcomeQueued
}

// HandleBotStatus reconciles a meeting-bot state change pushed by the vendor.
func (h *Handler) HandleBotStatus(ctx context.Context, p domain.BotStatusPayload) Outcome {
	outcome := h.handleBotStatus(ctx, p)
	observability.RecordInbound("attendee", string(outcome))
	return outcome
}

func (h *Handler) handleBotStatus(ctx context.Context, p domain.BotStatusPayload) Outcome {
	if p.BotID == "" || p.UserID == "" {
		return OutcomeRejected
	}
	eventID := p.EventID
	if eventID == "" {
		eventID = p.State + "@" + strconv.FormatInt(p.UpdatedAt.UnixNano(), 10)
	}
	id := "bot:" + p.BotID + ":" + eventID
	ok, err := h.locker.TryAcquire(ctx, id, h.lockTTL)
	if err != nil {
		h.logger.Error("acquire dedup lock", zap.String("id", id), zap.Error(err))
		return OutcomeFailed
	}
	if !ok {
		observability.RecordDuplicate("attendee")
		return OutcomeDuplicate
	}

	payload := p
	_, err = h.reconciler.Reconcile(ctx, p.UserID, []domain.ExternalEvent{{
		Kind:       domain.KindBotStatus,
		ExternalID: p.BotID,
		Bot:        &payload,
	}})
	if err != nil {
		h.release(ctx, id)
		h.logger.Warn("reconcile bot status",
			zap.String("bot_id", p.BotID),
			zap.String("state", p.State),
			zap.Error(err),
		)
		return OutcomeFailed
	}
	return OutcomeProcessed
}

func (h *Handler) release(ctx context.Context, id string) {
	if err := h.locker.Release(ctx, id); err != nil {
		h.logger.Warn("release dedup lock", zap.String("id", id), zap.Error(err))
	}
}
