package reconcile

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider/attendee"
)

// ErrAlreadyDispatched is returned when the meeting already has a bot.
var ErrAlreadyDispatched = errors.New("bot already dispatched")

// DispatchBot sends a meeting bot to a stored meeting and records the job.
// The meeting gains durable state and survives later upstream deletion.
func (r *Reconciler) DispatchBot(ctx context.Context, userID, meetingID, botName string) (*domain.BotJob, error) {
	if r.bots == nil {
		return nil, errors.Wrap(domain.ErrUnsupportedService, "meeting bot api not configured")
	}
	meeting, err := r.store.GetMeeting(ctx, userID, meetingID)
	if err != nil {
		return nil, err
	}
	if meeting.BotID != "" {
		return nil, errors.Wrapf(ErrAlreadyDispatched, "meeting %s", meetingID)
	}

	req := attendee.CreateBotRequest{
		MeetingURL: meeting.MeetingURL,
		BotName:    botName,
		Metadata:   map[string]string{attendee.MetadataUserID: userID, "meeting_id": meeting.ID},
	}
	if meeting.StartTime.After(r.now()) {
		joinAt := meeting.StartTime.Add(-time.Minute)
		req.JoinAt = &joinAt
	}
	bot, err := r.bots.CreateBot(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "create bot for meeting %s", meetingID)
	}

	now := r.stamp()
	job := domain.BotJob{
		ID:         r.newID(),
		UserID:     userID,
		ExternalID: bot.ID,
		MeetingID:  meeting.ID,
		MeetingURL: meeting.MeetingURL,
		BotState:   bot.State,
		Status:     botLocalStatus(bot.State),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.CreateBotJob(ctx, job); err != nil {
		return nil, err
	}
	meeting.BotID = bot.ID
	meeting.Status = domain.StatusBotScheduled
	meeting.UpdatedAt = now
	if err := r.store.UpdateMeeting(ctx, *meeting); err != nil {
		return nil, err
	}
	r.logger.Info("dispatched meeting bot",
		zap.String("user_id", userID),
		zap.String("meeting_id", meeting.ID),
		zap.String("bot_id", bot.ID),
	)
	return &job, nil
}
