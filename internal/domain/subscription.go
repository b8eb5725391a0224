package domain

import "time"

// SubscriptionState is the lifecycle state of a push channel.
type SubscriptionState string

const (
	SubscriptionNone                SubscriptionState = "none"
	SubscriptionPendingRegistration SubscriptionState = "pending_registration"
	SubscriptionActive              SubscriptionState = "active"
	SubscriptionRenewing            SubscriptionState = "renewing"
	SubscriptionExpired             SubscriptionState = "expired"
)

// WebhookSubscription is one push channel registered with an upstream
// service. At most one active row exists per (user, service, resource);
// renewal replaces the row instead of mutating it.
type WebhookSubscription struct {
	ID                 string
	UserID             string
	Service            ServiceType
	ResourceID         string
	ChannelID          string
	ExternalResourceID string
	ResumptionToken    string
	ExpirationTime     time.Time
	LastReceivedAt     *time.Time
	FailureCount       int
	State              SubscriptionState
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Key returns the scheduling key the subscription belongs to.
func (s WebhookSubscription) Key() SyncKey {
	return SyncKey{UserID: s.UserID, Service: s.Service}
}

// ReceivedWithin reports whether a push arrived within window before now.
func (s WebhookSubscription) ReceivedWithin(now time.Time, window time.Duration) bool {
	if !s.IsActive || s.LastReceivedAt == nil || window <= 0 {
		return false
	}
	return now.Sub(*s.LastReceivedAt) < window
}

// NeedsRenewal reports whether the channel expires within lead of now.
func (s WebhookSubscription) NeedsRenewal(now time.Time, lead time.Duration) bool {
	return s.IsActive && s.ExpirationTime.Sub(now) < lead
}
