// Package domain defines the core types of the workspace synchronization engine.
package domain

import (
	"fmt"
	"time"
)

// ServiceType identifies an external integration that is kept in sync.
type ServiceType string

const (
	ServiceCalendar ServiceType = "calendar"
	ServiceDrive    ServiceType = "drive"
	ServiceGmail    ServiceType = "gmail"
	ServiceAttendee ServiceType = "attendee"
)

// AllServices lists every synchronized service in a stable order.
var AllServices = []ServiceType{ServiceCalendar, ServiceDrive, ServiceGmail, ServiceAttendee}

// Valid reports whether s names a known service.
func (s ServiceType) Valid() bool {
	switch s {
	case ServiceCalendar, ServiceDrive, ServiceGmail, ServiceAttendee:
		return true
	}
	return false
}

// SyncFrequency is the persisted polling tier for a (user, service) pair.
type SyncFrequency string

const (
	FrequencyImmediate  SyncFrequency = "immediate"
	FrequencyFast       SyncFrequency = "fast"
	FrequencyNormal     SyncFrequency = "normal"
	FrequencySlow       SyncFrequency = "slow"
	FrequencyBackground SyncFrequency = "background"
)

// ChangeFrequency describes how often a service's data changes upstream.
type ChangeFrequency string

const (
	ChangeHigh   ChangeFrequency = "high"
	ChangeMedium ChangeFrequency = "medium"
	ChangeLow    ChangeFrequency = "low"
)

// ActivityLevel is the discretised recent-interaction bucket for a user.
type ActivityLevel string

const (
	ActivityIdle   ActivityLevel = "idle"
	ActivityLow    ActivityLevel = "low"
	ActivityMedium ActivityLevel = "medium"
	ActivityHigh   ActivityLevel = "high"
)

// Rank orders activity levels from idle (0) to high (3).
func (l ActivityLevel) Rank() int {
	switch l {
	case ActivityHigh:
		return 3
	case ActivityMedium:
		return 2
	case ActivityLow:
		return 1
	default:
		return 0
	}
}

// ActivityKind enumerates the user-activity signals emitted by the UI layer.
type ActivityKind string

const (
	ActivityAppLoad              ActivityKind = "app_load"
	ActivityCalendarView         ActivityKind = "calendar_view"
	ActivityMeetingCreation      ActivityKind = "meeting_creation"
	ActivityGeneral              ActivityKind = "general"
	ActivityVirtualEmailDetected ActivityKind = "virtual_email_detected"
)

// Valid reports whether k is a recognised activity kind.
func (k ActivityKind) Valid() bool {
	switch k {
	case ActivityAppLoad, ActivityCalendarView, ActivityMeetingCreation, ActivityGeneral, ActivityVirtualEmailDetected:
		return true
	}
	return false
}

// SyncKey identifies one scheduled (user, service) pair.
type SyncKey struct {
	UserID  string
	Service ServiceType
}

func (k SyncKey) String() string {
	return fmt.Sprintf("%s/%s", k.UserID, k.Service)
}

// IntegrationStatus is the user-visible connection state of an integration.
type IntegrationStatus string

const (
	IntegrationConnected    IntegrationStatus = "connected"
	IntegrationDisconnected IntegrationStatus = "disconnected"
)

// UserSyncState is the persisted per-(user, service) scheduling row.
type UserSyncState struct {
	UserID              string
	Service             ServiceType
	LastSyncAt          *time.Time
	SyncFrequency       SyncFrequency
	ChangeFrequency     ChangeFrequency
	IsActive            bool
	Cursor              string
	ConsecutiveFailures int
	RefreshFailures     int
	Status              IntegrationStatus
	UpdatedAt           time.Time
}

// Key returns the scheduling key of the state row.
func (s UserSyncState) Key() SyncKey {
	return SyncKey{UserID: s.UserID, Service: s.Service}
}

// Trigger names what started a sync cycle.
type Trigger string

const (
	TriggerTimer   Trigger = "timer"
	TriggerManual  Trigger = "manual"
	TriggerWebhook Trigger = "webhook"
)

// SkipCause explains why a cycle did not contact the upstream service.
type SkipCause string

const (
	SkipNone         SkipCause = ""
	SkipQuietWindow  SkipCause = "quiet_window"
	SkipBusy         SkipCause = "busy"
	SkipDisconnected SkipCause = "disconnected"
	SkipShutdown     SkipCause = "shutdown"
)

// SkipReason categorises an external event that reconciliation refused to store.
type SkipReason string

const (
	SkipNoMeetingURL  SkipReason = "no_meeting_url"
	SkipAllDay        SkipReason = "all_day"
	SkipMissingStart  SkipReason = "missing_start"
	SkipMissingName   SkipReason = "missing_name"
	SkipMissingStatus SkipReason = "missing_status"
	SkipDeclined      SkipReason = "declined"
	SkipUnknownKind   SkipReason = "unknown_kind"
)

// ReconcileCounts summarises one reconciliation batch.
type ReconcileCounts struct {
	Created       int                `json:"created"`
	Updated       int                `json:"updated"`
	Deleted       int                `json:"deleted"`
	Cancelled     int                `json:"cancelled"`
	Skipped       int                `json:"skipped"`
	Unchanged     int                `json:"unchanged"`
	VirtualEmails int                `json:"virtual_emails,omitempty"`
	SkipReasons   map[SkipReason]int `json:"skip_reasons,omitempty"`
}

// Skip records an event that was intentionally not stored.
func (c *ReconcileCounts) Skip(reason SkipReason) {
	c.Skipped++
	if c.SkipReasons == nil {
		c.SkipReasons = make(map[SkipReason]int)
	}
	c.SkipReasons[reason]++
}

// Add merges other into c.
func (c *ReconcileCounts) Add(other ReconcileCounts) {
	c.Created += other.Created
	c.Updated += other.Updated
	c.Deleted += other.Deleted
	c.Cancelled += other.Cancelled
	c.Unchanged += other.Unchanged
	c.Skipped += other.Skipped
	c.VirtualEmails += other.VirtualEmails
	for reason, n := range other.SkipReasons {
		if c.SkipReasons == nil {
			c.SkipReasons = make(map[SkipReason]int)
		}
		c.SkipReasons[reason] += n
	}
}

// Total returns the number of events that were looked at.
func (c ReconcileCounts) Total() int {
	return c.Created + c.Updated + c.Deleted + c.Cancelled + c.Skipped + c.Unchanged
}

// SyncResult is the outcome of one scheduler cycle.
type SyncResult struct {
	Key       SyncKey
	Trigger   Trigger
	Skipped   bool
	SkipCause SkipCause
	// Queued is set on a busy result whose trigger was recorded and will
	// rerun once the running cycle finishes.
	Queued     bool
	FullResync bool
	Counts     ReconcileCounts
	Cursor     string
	StartedAt  time.Time
	Duration   time.Duration
	Err        error
}

// Succeeded reports whether the cycle completed without an error.
func (r SyncResult) Succeeded() bool {
	return r.Err == nil
}
