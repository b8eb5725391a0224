// Package webhook tracks push subscriptions per user and service and keeps
// them alive by replacing channels before they expire.
package webhook

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/allan-cais/besunny-ai-sub006/internal/credentials"
	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/observability"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider"
)

const (
	// DefaultTTL is the channel lifetime requested from upstream.
	DefaultTTL = 7 * 24 * time.Hour
	// DefaultLeadTime is how long before expiry a channel is renewed.
	DefaultLeadTime = 24 * time.Hour

	defaultFailureThreshold    = 3
	defaultDeactivateThreshold = 10
)

// DefaultResource returns the watched resource for a service.
func DefaultResource(service domain.ServiceType) string {
	switch service {
	case domain.ServiceCalendar:
		return "primary"
	case domain.ServiceDrive:
		return "changes"
	default:
		return string(service)
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithTTL sets the requested channel lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		r.ttl = ttl
	}
}

// WithLeadTime sets how early channels are renewed.
func WithLeadTime(lead time.Duration) Option {
	return func(r *Registry) {
		r.lead = lead
	}
}

// WithChannelToken sets the verification token echoed on every push.
func WithChannelToken(token string) Option {
	return func(r *Registry) {
		r.channelToken = token
	}
}

// WithThresholds sets the consecutive-failure thresholds for incrementing
// failure_count and for deactivating the subscription.
func WithThresholds(failure, deactivate int) Option {
	return func(r *Registry) {
		if failure > 0 {
			r.failureThreshold = failure
		}
		if deactivate > 0 {
			r.deactivateThreshold = deactivate
		}
	}
}

// Registry owns the subscription lifecycle:
// NONE -> PENDING_REGISTRATION -> ACTIVE -> {RENEWING -> ACTIVE | EXPIRED}.
type Registry struct {
	store               domain.SubscriptionStore
	providers           *provider.Registry
	creds               credentials.Provider
	baseURL             string
	channelToken        string
	ttl                 time.Duration
	lead                time.Duration
	failureThreshold    int
	deactivateThreshold int
	logger              *zap.Logger
	now                 func() time.Time
}

// NewRegistry constructs a Registry. baseURL is the public address that
// upstream services post notifications to.
func NewRegistry(store domain.SubscriptionStore, providers *provider.Registry, creds credentials.Provider, baseURL string, opts ...Option) *Registry {
	r := &Registry{
		store:               store,
		providers:           providers,
		creds:               creds,
		baseURL:             strings.TrimRight(baseURL, "/"),
		ttl:                 DefaultTTL,
		lead:                DefaultLeadTime,
		failureThreshold:    defaultFailureThreshold,
		deactivateThreshold: defaultDeactivateThreshold,
		logger:              zap.NewNop(),
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ChannelToken returns the token expected on inbound notifications.
func (r *Registry) ChannelToken() string {
	return r.channelToken
}

// Address returns the notification URL for a service.
func (r *Registry) Address(service domain.ServiceType) string {
	return r.baseURL + "/webhooks/google/" + string(service)
}

// Supports reports whether the service can be watched.
func (r *Registry) Supports(service domain.ServiceType) bool {
	_, ok := r.providers.Watcher(service)
	return ok
}

// Active returns the active subscription for key, or nil when the key is
// polling only.
func (r *Registry) Active(ctx context.Context, key domain.SyncKey) (*domain.WebhookSubscription, error) {
	sub, err := r.store.ActiveSubscription(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load subscription %s", key)
	}
	return sub, nil
}

// Register opens a push channel for key. An existing active channel for the
// same resource is replaced, never updated in place.
func (r *Registry) Register(ctx context.Context, key domain.SyncKey, resourceID string) (*domain.WebhookSubscription, error) {
	watcher, ok := r.providers.Watcher(key.Service)
	if !ok {
		return nil, errors.Wrapf(domain.ErrUnsupportedService, "watch %s", key.Service)
	}
	if resourceID == "" {
		resourceID = DefaultResource(key.Service)
	}
	existing, err := r.Active(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.ResourceID == resourceID {
		return r.Renew(ctx, *existing)
	}

	token, err := r.creds.GetValidToken(ctx, key.UserID, key.Service)
	if err != nil {
		return nil, errors.Wrapf(err, "token for %s", key)
	}
	ch, err := watcher.Watch(ctx, token, r.watchRequest(key.Service, ""))
	if err != nil {
		observability.RecordRenewal(string(key.Service), "register_failed")
		return nil, errors.Wrapf(err, "watch %s", key)
	}
	now := r.now().UTC()
	sub := domain.WebhookSubscription{
		ID:                 uuid.NewString(),
		UserID:             key.UserID,
		Service:            key.Service,
		ResourceID:         resourceID,
		ChannelID:          ch.ChannelID,
		ExternalResourceID: ch.ExternalResourceID,
		ResumptionToken:    ch.ResumptionToken,
		ExpirationTime:     r.expiration(ch, now),
		State:              domain.SubscriptionActive,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := r.store.InsertSubscription(ctx, sub); err != nil {
		r.stopQuietly(ctx, watcher, token, ch)
		return nil, errors.Wrapf(err, "store subscription %s", key)
	}
	observability.RecordRenewal(string(key.Service), "registered")
	r.logger.Info("webhook registered",
		zap.String("user_id", key.UserID),
		zap.String("service", string(key.Service)),
		zap.String("channel_id", sub.ChannelID),
		zap.Time("expires_at", sub.ExpirationTime),
	)
	return &sub, nil
}

// Ensure registers key when it has no active channel. Unsupported services
// return nil and stay polling only.
func (r *Registry) Ensure(ctx context.Context, key domain.SyncKey) (*domain.WebhookSubscription, error) {
	if !r.Supports(key.Service) {
		return nil, nil
	}
	existing, err := r.Active(ctx, key)
	if err != nil || existing != nil {
		return existing, err
	}
	return r.Register(ctx, key, "")
}

// Renew replaces sub with a freshly registered channel. Stopping the old
// channel is best effort. When registration fails the subscription is
// expired and the key falls back to polling.
func (r *Registry) Renew(ctx context.Context, sub domain.WebhookSubscription) (*domain.WebhookSubscription, error) {
	watcher, ok := r.providers.Watcher(sub.Service)
	if !ok {
		return nil, errors.Wrapf(domain.ErrUnsupportedService, "watch %s", sub.Service)
	}
	logger := r.logger.With(
		zap.String("user_id", sub.UserID),
		zap.String("service", string(sub.Service)),
		zap.String("old_channel_id", sub.ChannelID),
	)
	sub.State = domain.SubscriptionRenewing

	token, err := r.creds.GetValidToken(ctx, sub.UserID, sub.Service)
	if err != nil {
		r.expireAfterFailure(ctx, sub, logger)
		return nil, errors.Wrapf(err, "token for %s", sub.Key())
	}

	r.stopQuietly(ctx, watcher, token, provider.Channel{
		ChannelID:          sub.ChannelID,
		ExternalResourceID: sub.ExternalResourceID,
	})

	ch, err := watcher.Watch(ctx, token, r.watchRequest(sub.Service, sub.ResumptionToken))
	if err != nil {
		r.expireAfterFailure(ctx, sub, logger)
		return nil, errors.Wrapf(err, "rewatch %s", sub.Key())
	}

	now := r.now().UTC()
	next := domain.WebhookSubscription{
		ID:                 uuid.NewString(),
		UserID:             sub.UserID,
		Service:            sub.Service,
		ResourceID:         sub.ResourceID,
		ChannelID:          ch.ChannelID,
		ExternalResourceID: ch.ExternalResourceID,
		ResumptionToken:    ch.ResumptionToken,
		ExpirationTime:     r.expiration(ch, now),
		LastReceivedAt:     sub.LastReceivedAt,
		State:              domain.SubscriptionActive,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if next.ResumptionToken == "" {
		next.ResumptionToken = sub.ResumptionToken
	}
	if err := r.store.ReplaceActive(ctx, sub.ID, next); err != nil {
		r.stopQuietly(ctx, watcher, token, ch)
		observability.RecordRenewal(string(sub.Service), "failed")
		return nil, errors.Wrapf(err, "replace subscription %s", sub.ID)
	}
	observability.RecordRenewal(string(sub.Service), "renewed")
	logger.Info("webhook renewed",
		zap.String("channel_id", next.ChannelID),
		zap.Time("expires_at", next.ExpirationTime),
	)
	return &next, nil
}

// Expire deactivates sub without touching the upstream channel.
func (r *Registry) Expire(ctx context.Context, sub domain.WebhookSubscription) error {
	sub.IsActive = false
	sub.State = domain.SubscriptionExpired
	sub.UpdatedAt = r.now().UTC()
	return errors.Wrapf(r.store.UpdateSubscription(ctx, sub), "expire subscription %s", sub.ID)
}

// Unregister stops and expires the active channel for key, if any.
func (r *Registry) Unregister(ctx context.Context, key domain.SyncKey) error {
	sub, err := r.Active(ctx, key)
	if err != nil || sub == nil {
		return err
	}
	if watcher, ok := r.providers.Watcher(key.Service); ok {
		if token, err := r.creds.GetValidToken(ctx, key.UserID, key.Service); err == nil {
			r.stopQuietly(ctx, watcher, token, provider.Channel{
				ChannelID:          sub.ChannelID,
				ExternalResourceID: sub.ExternalResourceID,
			})
		}
	}
	return r.Expire(ctx, *sub)
}

// Lookup returns the subscription behind channelID. Unknown channels yield
// domain.ErrNotFound.
func (r *Registry) Lookup(ctx context.Context, channelID string) (*domain.WebhookSubscription, error) {
	return r.store.SubscriptionByChannel(ctx, channelID)
}

// MarkReceived stamps the push time on the channel's subscription and resets
// its failure count. Unknown channels yield domain.ErrNotFound.
func (r *Registry) MarkReceived(ctx context.Context, channelID string, at time.Time) (*domain.WebhookSubscription, error) {
	sub, err := r.store.SubscriptionByChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	at = at.UTC()
	sub.LastReceivedAt = &at
	sub.FailureCount = 0
	sub.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateSubscription(ctx, *sub); err != nil {
		return nil, errors.Wrapf(err, "mark received %s", channelID)
	}
	return sub, nil
}

// RecordFailure applies the failure thresholds to the active subscription
// of key given the number of consecutive failed cycles. It returns the
// updated subscription, or nil when the key has none.
func (r *Registry) RecordFailure(ctx context.Context, key domain.SyncKey, consecutive int) (*domain.WebhookSubscription, error) {
	if consecutive < r.failureThreshold {
		return nil, nil
	}
	sub, err := r.Active(ctx, key)
	if err != nil || sub == nil {
		return nil, err
	}
	sub.FailureCount++
	if consecutive >= r.deactivateThreshold {
		sub.IsActive = false
		sub.State = domain.SubscriptionExpired
		r.logger.Warn("webhook deactivated after repeated failures",
			zap.String("user_id", key.UserID),
			zap.String("service", string(key.Service)),
			zap.Int("consecutive_failures", consecutive),
		)
	}
	sub.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateSubscription(ctx, *sub); err != nil {
		return nil, errors.Wrapf(err, "record failure %s", key)
	}
	return sub, nil
}

// DueForRenewal lists active subscriptions expiring within the lead time.
func (r *Registry) DueForRenewal(ctx context.Context, now time.Time) ([]domain.WebhookSubscription, error) {
	subs, err := r.store.ListExpiringSubscriptions(ctx, now.Add(r.lead))
	if err != nil {
		return nil, errors.Wrap(err, "list expiring subscriptions")
	}
	return subs, nil
}

func (r *Registry) watchRequest(service domain.ServiceType, cursor string) provider.WatchRequest {
	return provider.WatchRequest{
		ChannelID: uuid.NewString(),
		Address:   r.Address(service),
		Token:     r.channelToken,
		Cursor:    cursor,
		TTL:       r.ttl,
	}
}

func (r *Registry) expiration(ch provider.Channel, now time.Time) time.Time {
	if ch.Expiration.IsZero() {
		return now.Add(r.ttl)
	}
	return ch.Expiration.UTC()
}

func (r *Registry) expireAfterFailure(ctx context.Context, sub domain.WebhookSubscription, logger *zap.Logger) {
	observability.RecordRenewal(string(sub.Service), "failed")
	logger.Warn("webhook renewal failed, falling back to polling")
	if err := r.Expire(ctx, sub); err != nil {
		logger.Error("expire subscription", zap.Error(err))
	}
}

func (r *Registry) stopQuietly(ctx context.Context, watcher provider.Watcher, token *oauth2.Token, ch provider.Channel) {
	if ch.ChannelID == "" {
		return
	}
	if err := watcher.Stop(ctx, token, ch); err != nil {
		r.logger.Info("stop channel failed, it will expire on its own",
			zap.String("channel_id", ch.ChannelID),
			zap.Error(err),
		)
	}
}
