package reconcile

import (
	"context"

	"go.uber.org/zap"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

func (r *Reconciler) calendarEvent(ctx context.Context, userID string, ev domain.ExternalEvent, counts *domain.ReconcileCounts) error {
	rows, err := r.store.FindMeetings(ctx, userID, ev.ExternalID)
	if err != nil {
		return err
	}
	p := ev.Calendar
	if ev.Deleted || (p != nil && p.Status == domain.CalendarStatusCancelled) {
		return r.removeMeetings(ctx, userID, rows, counts)
	}

	switch {
	case p == nil:
		counts.Skip(domain.SkipUnknownKind)
		return nil
	case p.Start == nil:
		counts.Skip(domain.SkipMissingStart)
		return nil
	case p.AllDay:
		counts.Skip(domain.SkipAllDay)
		return nil
	case p.MeetingURL == "":
		counts.Skip(domain.SkipNoMeetingURL)
		return nil
	}

	if p.SelfResponse == domain.ResponseDeclined {
		if len(rows) == 0 {
			counts.Skip(domain.SkipDeclined)
			return nil
		}
		for _, m := range rows {
			if m.Status == domain.StatusDeclined {
				counts.Unchanged++
				continue
			}
			m.Status = domain.StatusDeclined
			m.UpdatedAt = r.stamp()
			if err := r.store.UpdateMeeting(ctx, m); err != nil {
				return err
			}
			counts.Updated++
		}
		return nil
	}

	if len(rows) == 0 {
		now := r.stamp()
		m := domain.Meeting{
			ID:         r.newID(),
			UserID:     userID,
			ExternalID: ev.ExternalID,
			Status:     domain.StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		applyCalendar(&m, p)
		if err := r.store.CreateMeeting(ctx, m); err != nil {
			return err
		}
		counts.Created++
		return nil
	}

	for _, m := range rows {
		if !applyCalendar(&m, p) {
			counts.Unchanged++
			continue
		}
		m.UpdatedAt = r.stamp()
		if err := r.store.UpdateMeeting(ctx, m); err != nil {
			return err
		}
		counts.Updated++
	}
	return nil
}

// applyCalendar copies the tracked fields of p onto m and reports whether
// any of them changed.
func applyCalendar(m *domain.Meeting, p *domain.CalendarEventPayload) bool {
	changed := false
	set := func(dst *string, v string) {
		if *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&m.Title, p.Summary)
	set(&m.Description, p.Description)
	set(&m.MeetingURL, p.MeetingURL)
	if !m.StartTime.Equal(*p.Start) {
		m.StartTime = p.Start.UTC()
		changed = true
	}
	if p.End != nil && !m.EndTime.Equal(*p.End) {
		m.EndTime = p.End.UTC()
		changed = true
	}
	if m.Status == domain.StatusCancelled || m.Status == domain.StatusDeclined {
		m.Status = domain.StatusPending
		if m.BotID != "" {
			m.Status = domain.StatusBotScheduled
		}
		changed = true
	}
	return changed
}

func (r *Reconciler) removeMeetings(ctx context.Context, userID string, rows []domain.Meeting, counts *domain.ReconcileCounts) error {
	return removeRows(rows,
		domain.Meeting.HasDurableState,
		func(m domain.Meeting) (bool, error) {
			r.cancelBot(ctx, userID, m)
			if m.Status == domain.StatusCancelled {
				return false, nil
			}
			m.Status = domain.StatusCancelled
			m.UpdatedAt = r.stamp()
			return true, r.store.UpdateMeeting(ctx, m)
		},
		func(m domain.Meeting) error {
			return r.store.DeleteMeeting(ctx, m.ID)
		},
		counts,
	)
}

// cancelBot removes a bot that has not yet joined the cancelled meeting.
// Failures are logged; the bot leaves on its own when the meeting never starts.
func (r *Reconciler) cancelBot(ctx context.Context, userID string, m domain.Meeting) {
	if r.bots == nil || m.BotID == "" || m.Status == domain.StatusCancelled {
		return
	}
	jobs, err := r.store.FindBotJobs(ctx, userID, m.BotID)
	if err != nil {
		r.logger.Warn("lookup bot job", zap.String("bot_id", m.BotID), zap.Error(err))
		return
	}
	for _, job := range jobs {
		if domain.BotJoined(job.BotState) {
			return
		}
	}
	if err := r.bots.DeleteBot(ctx, m.BotID); err != nil {
		r.logger.Warn("remove bot for cancelled meeting",
			zap.String("meeting_id", m.ID),
			zap.String("bot_id", m.BotID),
			zap.Error(err),
		)
		return
	}
	r.logger.Info("removed bot for cancelled meeting",
		zap.String("meeting_id", m.ID),
		zap.String("bot_id", m.BotID),
	)
}
