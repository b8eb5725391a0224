package domain

import (
	"context"
	"time"
)

// SyncStateStore persists one UserSyncState row per (user, service). Webhook
// and polling paths share UpsertSyncState so the last writer wins.
type SyncStateStore interface {
	GetSyncState(ctx context.Context, key SyncKey) (*UserSyncState, error)
	UpsertSyncState(ctx context.Context, state UserSyncState) error
	ListSyncStates(ctx context.Context, userID string) ([]UserSyncState, error)
	ListActiveSyncStates(ctx context.Context) ([]UserSyncState, error)
}

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore interface {
	// ActiveSubscription returns the active subscription for key, or ErrNotFound.
	ActiveSubscription(ctx context.Context, key SyncKey) (*WebhookSubscription, error)
	SubscriptionByChannel(ctx context.Context, channelID string) (*WebhookSubscription, error)
	ListSubscriptions(ctx context.Context, userID string) ([]WebhookSubscription, error)
	ListExpiringSubscriptions(ctx context.Context, before time.Time) ([]WebhookSubscription, error)
	InsertSubscription(ctx context.Context, sub WebhookSubscription) error
	UpdateSubscription(ctx context.Context, sub WebhookSubscription) error
	// ReplaceActive deactivates oldID and inserts next in one transaction.
	ReplaceActive(ctx context.Context, oldID string, next WebhookSubscription) error
}

// MeetingStore persists calendar-derived meetings.
type MeetingStore interface {
	FindMeetings(ctx context.Context, userID, externalID string) ([]Meeting, error)
	GetMeeting(ctx context.Context, userID, id string) (*Meeting, error)
	CreateMeeting(ctx context.Context, m Meeting) error
	UpdateMeeting(ctx context.Context, m Meeting) error
	DeleteMeeting(ctx context.Context, id string) error
}

// DriveFileStore persists Drive documents.
type DriveFileStore interface {
	FindDriveFiles(ctx context.Context, userID, externalID string) ([]DriveFile, error)
	CreateDriveFile(ctx context.Context, f DriveFile) error
	UpdateDriveFile(ctx context.Context, f DriveFile) error
	DeleteDriveFile(ctx context.Context, id string) error
}

// BotJobStore persists meeting-bot jobs.
type BotJobStore interface {
	FindBotJobs(ctx context.Context, userID, externalID string) ([]BotJob, error)
	CreateBotJob(ctx context.Context, b BotJob) error
	UpdateBotJob(ctx context.Context, b BotJob) error
	DeleteBotJob(ctx context.Context, id string) error
}

// EmailStore persists mailbox messages.
type EmailStore interface {
	FindEmails(ctx context.Context, userID, externalID string) ([]EmailMessage, error)
	CreateEmail(ctx context.Context, e EmailMessage) error
	UpdateEmail(ctx context.Context, e EmailMessage) error
	DeleteEmail(ctx context.Context, id string) error
}

// EntityStore groups the stores the reconciler writes to.
type EntityStore interface {
	MeetingStore
	DriveFileStore
	BotJobStore
	EmailStore
}

// LockStore backs the relational dedup lock.
type LockStore interface {
	// AcquireLock inserts lock or takes over an expired row. It returns
	// false when an unexpired row already exists.
	AcquireLock(ctx context.Context, lock ProcessingLock) (bool, error)
	ReleaseLock(ctx context.Context, externalMessageID, token string) error
	PurgeLocks(ctx context.Context, now time.Time) (int, error)
}

// CredentialStore is the encrypted OAuth grant storage owned by the auth backend.
type CredentialStore interface {
	// RefreshToken returns ErrCredentialsMissing when no grant exists.
	RefreshToken(ctx context.Context, userID string, service ServiceType) (string, error)
	ConnectedServices(ctx context.Context, userID string) ([]ServiceType, error)
}

// SyncRun is one audited sync cycle.
type SyncRun struct {
	UserID     string
	Service    ServiceType
	Trigger    Trigger
	FullResync bool
	Counts     ReconcileCounts
	DurationMS int64
	Error      string
	Topic      string
	Partition  int
	Offset     int64
	OccurredAt time.Time
}

// RunLog stores audited sync cycles for capacity planning.
type RunLog interface {
	AppendRun(ctx context.Context, run SyncRun) error
}
