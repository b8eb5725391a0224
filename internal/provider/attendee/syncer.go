package attendee

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider"
)

// MetadataUserID is the bot metadata key carrying the owning user.
const MetadataUserID = "user_id"

// Syncer polls bot states for a user. The cursor is the newest updated_at
// seen, formatted as RFC3339.
type Syncer struct {
	api API
	now func() time.Time
}

var _ provider.Syncer = (*Syncer)(nil)

// NewSyncer constructs an attendee Syncer.
func NewSyncer(api API) *Syncer {
	return &Syncer{api: api, now: time.Now}
}

func (s *Syncer) Service() domain.ServiceType { return domain.ServiceAttendee }

// SyncIncremental lists bots updated after cursor. The vendor client holds
// its own API key, so token is unused.
func (s *Syncer) SyncIncremental(ctx context.Context, userID string, _ *oauth2.Token, cursor string) (provider.Batch, error) {
	since, err := time.Parse(time.RFC3339Nano, cursor)
	if err != nil {
		return provider.Batch{}, errors.Wrapf(domain.ErrCursorInvalid, "attendee: cursor %q", cursor)
	}
	return s.list(ctx, userID, since)
}

// SyncFull lists every bot owned by the user.
func (s *Syncer) SyncFull(ctx context.Context, userID string, _ *oauth2.Token) (provider.Batch, error) {
	return s.list(ctx, userID, time.Time{})
}

func (s *Syncer) list(ctx context.Context, userID string, since time.Time) (provider.Batch, error) {
	started := s.now().UTC()
	bots, err := s.api.ListBots(ctx, ListBotsParams{UserID: userID, UpdatedAfter: since})
	if err != nil {
		return provider.Batch{}, err
	}

	latest := since
	if latest.IsZero() {
		latest = started
	}
	batch := provider.Batch{Events: make([]domain.ExternalEvent, 0, len(bots))}
	for _, bot := range bots {
		if bot.UpdatedAt.After(latest) {
			latest = bot.UpdatedAt
		}
		batch.Events = append(batch.Events, BotEvent(bot, userID))
	}
	batch.NextCursor = latest.UTC().Format(time.RFC3339Nano)
	return batch, nil
}

// BotEvent converts a vendor bot into a bot_status event.
func BotEvent(bot Bot, userID string) domain.ExternalEvent {
	if owner := bot.Metadata[MetadataUserID]; owner != "" {
		userID = owner
	}
	return domain.ExternalEvent{
		Kind:       domain.KindBotStatus,
		ExternalID: bot.ID,
		Bot: &domain.BotStatusPayload{
			BotID:      bot.ID,
			EventID:    "poll:" + bot.UpdatedAt.UTC().Format(time.RFC3339Nano),
			State:      bot.State,
			SubState:   bot.SubState,
			MeetingURL: bot.MeetingURL,
			UserID:     userID,
			UpdatedAt:  bot.UpdatedAt,
		},
	}
}
