package domain

import "time"

// LocalStatus is the local lifecycle state of a synchronized entity. It is
// tracked independently of the upstream resource state.
type LocalStatus string

const (
	StatusActive       LocalStatus = "active"
	StatusPending      LocalStatus = "pending"
	StatusBotScheduled LocalStatus = "bot_scheduled"
	StatusCompleted    LocalStatus = "completed"
	StatusDeclined     LocalStatus = "declined"
	StatusCancelled    LocalStatus = "cancelled"
)

// Meeting is the local record of a calendar event with a joinable meeting URL.
type Meeting struct {
	ID               string
	UserID           string
	ExternalID       string
	Title            string
	Description      string
	MeetingURL       string
	StartTime        time.Time
	EndTime          time.Time
	Status           LocalStatus
	BotID            string
	ProjectID        string
	TranscriptStored bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasDurableState reports whether deleting the meeting would lose user work.
func (m Meeting) HasDurableState() bool {
	return m.BotID != "" || m.ProjectID != "" || m.TranscriptStored
}

// DriveFile is the local record of a watched Drive document.
type DriveFile struct {
	ID           string
	UserID       string
	ExternalID   string
	Name         string
	MimeType     string
	WebViewLink  string
	ModifiedTime time.Time
	Status       LocalStatus
	ProjectID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (f DriveFile) HasDurableState() bool {
	return f.ProjectID != ""
}

// BotJob tracks a meeting-bot vendor job and its transcript.
type BotJob struct {
	ID           string
	UserID       string
	ExternalID   string
	MeetingID    string
	MeetingURL   string
	BotState     string
	Status       LocalStatus
	Transcript   string
	TranscriptAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasDurableState reports whether a transcript has been stored for the job.
func (b BotJob) HasDurableState() bool {
	return b.TranscriptAt != nil
}

// EmailMessage is the local record of a mailbox message.
type EmailMessage struct {
	ID           string
	UserID       string
	ExternalID   string
	ThreadID     string
	Labels       []string
	VirtualInbox bool
	ReceivedAt   time.Time
	Status       LocalStatus
	ProjectID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (e EmailMessage) HasDurableState() bool {
	return e.ProjectID != ""
}

// EventKind tags the payload carried by an ExternalEvent.
type EventKind string

const (
	KindCalendarEvent EventKind = "calendar_event"
	KindDriveChange   EventKind = "drive_change"
	KindBotStatus     EventKind = "bot_status"
	KindEmailMessage  EventKind = "email_message"
)

// ExternalEvent is one change record fetched from an upstream service.
// Exactly one payload pointer matching Kind is set.
type ExternalEvent struct {
	Kind       EventKind
	ExternalID string
	Deleted    bool

	Calendar *CalendarEventPayload
	Drive    *DriveChangePayload
	Bot      *BotStatusPayload
	Email    *EmailMessagePayload
}

// CalendarEventPayload carries the fields of an upstream calendar event.
type CalendarEventPayload struct {
	Summary      string
	Description  string
	Location     string
	MeetingURL   string
	Start        *time.Time
	End          *time.Time
	AllDay       bool
	Status       string
	SelfResponse string
	Updated      time.Time
}

// Upstream calendar event states.
const (
	CalendarStatusConfirmed = "confirmed"
	CalendarStatusTentative = "tentative"
	CalendarStatusCancelled = "cancelled"
	ResponseDeclined        = "declined"
)

// DriveChangePayload carries the fields of a Drive change record.
type DriveChangePayload struct {
	Name         string
	MimeType     string
	WebViewLink  string
	ModifiedTime time.Time
	Trashed      bool
}

// BotStatusPayload carries a meeting-bot state transition.
type BotStatusPayload struct {
	BotID      string
	EventID    string
	State      string
	SubState   string
	MeetingURL string
	UserID     string
	UpdatedAt  time.Time
}

// Meeting-bot vendor states.
const (
	BotStateReady       = "ready"
	BotStateJoining     = "joining"
	BotStateJoined      = "joined_recording"
	BotStateLeaving     = "leaving"
	BotStatePostProcess = "post_processing"
	BotStateEnded       = "ended"
	BotStateFatalError  = "fatal_error"
)

// BotJoined reports whether a bot in state has already entered the meeting.
func BotJoined(state string) bool {
	switch state {
	case BotStateReady, BotStateJoining, "":
		return false
	}
	return true
}

// EmailMessagePayload carries the fields of a mailbox message.
type EmailMessagePayload struct {
	ThreadID     string
	Labels       []string
	VirtualInbox bool
	ReceivedAt   time.Time
}

// ProcessingLock is a short-lived claim on an external message identifier.
type ProcessingLock struct {
	ExternalMessageID string
	Status            string
	Token             string
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// Expired reports whether the lock no longer blocks acquisition at now.
func (l ProcessingLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Lock statuses.
const (
	LockProcessing = "processing"
)
