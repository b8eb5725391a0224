package api

import (
	"time"

	"github.com/pkg/errors"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

// RecordActivityRequest is the payload for POST /v1/activity.
type RecordActivityRequest struct {
	Kind domain.ActivityKind `json:"kind"`
}

// Validate ensures request correctness. Virtual-inbox detections are
// recorded by the engine only.
func (r RecordActivityRequest) Validate() error {
	if r.Kind == "" {
		return errors.New("kind is required")
	}
	if !r.Kind.Valid() || r.Kind == domain.ActivityVirtualEmailDetected {
		return errors.Errorf("unsupported kind %q", r.Kind)
	}
	return nil
}

// RecordActivityResponse reports the user's level after recording and the
// services whose polling started because of it.
type RecordActivityResponse struct {
	Level   string   `json:"activity_level"`
	Score   float64  `json:"score"`
	Started []string `json:"started,omitempty"`
}

// CycleView describes one executed or skipped sync cycle.
type CycleView struct {
	Service    string                 `json:"service"`
	Trigger    string                 `json:"trigger"`
	Skipped    bool                   `json:"skipped"`
	SkipCause  string                 `json:"skip_cause,omitempty"`
	Queued     bool                   `json:"queued,omitempty"`
	FullResync bool                   `json:"full_resync"`
	Counts     domain.ReconcileCounts `json:"counts"`
	DurationMS int64                  `json:"duration_ms"`
	Error      string                 `json:"error,omitempty"`
}

// ServiceWorkerView reports a service after it was connected or
// deactivated.
type ServiceWorkerView struct {
	Service   string     `json:"service"`
	Active    bool       `json:"active"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// PollResponse packages the results of POST /v1/sync/poll.
type PollResponse struct {
	Results []CycleView `json:"results"`
}

// ServiceStatusView exposes one (user, service) sync row.
type ServiceStatusView struct {
	Service             string     `json:"service"`
	Status              string     `json:"status"`
	Active              bool       `json:"active"`
	SyncFrequency       string     `json:"sync_frequency"`
	ChangeFrequency     string     `json:"change_frequency"`
	LastSyncAt          *time.Time `json:"last_sync_at,omitempty"`
	NextRunAt           *time.Time `json:"next_run_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	HasCursor           bool       `json:"has_cursor"`
}

// SubscriptionView exposes one push subscription.
type SubscriptionView struct {
	Service        string     `json:"service"`
	ResourceID     string     `json:"resource_id"`
	ChannelID      string     `json:"channel_id"`
	Active         bool       `json:"active"`
	State          string     `json:"state"`
	ExpiresAt      time.Time  `json:"expires_at"`
	LastReceivedAt *time.Time `json:"last_received_at,omitempty"`
	FailureCount   int        `json:"failure_count"`
}

// StatusResponse is the body of GET /v1/sync/status.
type StatusResponse struct {
	ActivityLevel string              `json:"activity_level"`
	Services      []ServiceStatusView `json:"services"`
	Subscriptions []SubscriptionView  `json:"subscriptions"`
}

// DispatchBotRequest is the optional body of POST /v1/meetings/{id}/bot.
type DispatchBotRequest struct {
	BotName string `json:"bot_name"`
}

// DispatchBotResponse describes the created bot job.
type DispatchBotResponse struct {
	JobID     string `json:"job_id"`
	BotID     string `json:"bot_id"`
	MeetingID string `json:"meeting_id"`
	BotState  string `json:"bot_state"`
	Status    string `json:"status"`
}

// WebhookAck is returned to upstream pushers.
type WebhookAck struct {
	Outcome string `json:"outcome"`
}

func toCycleView(r domain.SyncResult) CycleView {
	v := CycleView{
		Service:    string(r.Key.Service),
		Trigger:    string(r.Trigger),
		Skipped:    r.Skipped,
		SkipCause:  string(r.SkipCause),
		Queued:     r.Queued,
		FullResync: r.FullResync,
		Counts:     r.Counts,
		DurationMS: r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return v
}

func toServiceStatusView(s domain.UserSyncState) ServiceStatusView {
	return ServiceStatusView{
		Service:             string(s.Service),
		Status:              string(s.Status),
		Active:              s.IsActive,
		SyncFrequency:       string(s.SyncFrequency),
		ChangeFrequency:     string(s.ChangeFrequency),
		LastSyncAt:          s.LastSyncAt,
		ConsecutiveFailures: s.ConsecutiveFailures,
		HasCursor:           s.Cursor != "",
	}
}

func toSubscriptionView(s domain.WebhookSubscription) SubscriptionView {
	return SubscriptionView{
		Service:        string(s.Service),
		ResourceID:     s.ResourceID,
		ChannelID:      s.ChannelID,
		Active:         s.IsActive,
		State:          string(s.State),
		ExpiresAt:      s.ExpirationTime,
		LastReceivedAt: s.LastReceivedAt,
		FailureCount:   s.FailureCount,
	}
}
