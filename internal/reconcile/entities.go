package reconcile

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider/attendee"
)

func (r *Reconciler) driveChange(ctx context.Context, userID string, ev domain.ExternalEvent, counts *domain.ReconcileCounts) error {
	rows, err := r.store.FindDriveFiles(ctx, userID, ev.ExternalID)
	if err != nil {
		return err
	}
	p := ev.Drive
	if ev.Deleted || (p != nil && p.Trashed) {
		return removeRows(rows,
			domain.DriveFile.HasDurableState,
			func(f domain.DriveFile) (bool, error) {
				if f.Status == domain.StatusCancelled {
					return false, nil
				}
				f.Status = domain.StatusCancelled
				f.UpdatedAt = r.stamp()
				return true, r.store.UpdateDriveFile(ctx, f)
			},
			func(f domain.DriveFile) error { return r.store.DeleteDriveFile(ctx, f.ID) },
			counts,
		)
	}
	if p == nil {
		counts.Skip(domain.SkipUnknownKind)
		return nil
	}
	if strings.TrimSpace(p.Name) == "" {
		counts.Skip(domain.SkipMissingName)
		return nil
	}

	if len(rows) == 0 {
		now := r.stamp()
		f := domain.DriveFile{
			ID:         r.newID(),
			UserID:     userID,
			ExternalID: ev.ExternalID,
			Status:     domain.StatusActive,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		applyDrive(&f, p)
		if err := r.store.CreateDriveFile(ctx, f); err != nil {
			return err
		}
		counts.Created++
		return nil
	}
	for _, f := range rows {
		if !applyDrive(&f, p) {
			counts.Unchanged++
			continue
		}
		f.UpdatedAt = r.stamp()
		if err := r.store.UpdateDriveFile(ctx, f); err != nil {
			return err
		}
		counts.Updated++
	}
	return nil
}

func applyDrive(f *domain.DriveFile, p *domain.DriveChangePayload) bool {
	changed := false
	set := func(dst *string, v string) {
		if *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&f.Name, p.Name)
	set(&f.MimeType, p.MimeType)
	set(&f.WebViewLink, p.WebViewLink)
	if !f.ModifiedTime.Equal(p.ModifiedTime) {
		f.ModifiedTime = p.ModifiedTime.UTC()
		changed = true
	}
	if f.Status != domain.StatusActive {
		f.Status = domain.StatusActive
		changed = true
	}
	return changed
}

func (r *Reconciler) emailMessage(ctx context.Context, userID string, ev domain.ExternalEvent, counts *domain.ReconcileCounts) error {
	rows, err := r.store.FindEmails(ctx, userID, ev.ExternalID)
	if err != nil {
		return err
	}
	if ev.Deleted {
		return removeRows(rows,
			domain.EmailMessage.HasDurableState,
			func(e domain.EmailMessage) (bool, error) {
				if e.Status == domain.StatusCancelled {
					return false, nil
				}
				e.Status = domain.StatusCancelled
				e.UpdatedAt = r.stamp()
				return true, r.store.UpdateEmail(ctx, e)
			},
			func(e domain.EmailMessage) error { return r.store.DeleteEmail(ctx, e.ID) },
			counts,
		)
	}
	p := ev.Email
	if p == nil {
		counts.Skip(domain.SkipUnknownKind)
		return nil
	}

	if len(rows) == 0 {
		now := r.stamp()
		e := domain.EmailMessage{
			ID:         r.newID(),
			UserID:     userID,
			ExternalID: ev.ExternalID,
			Status:     domain.StatusActive,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		applyEmail(&e, p)
		if err := r.store.CreateEmail(ctx, e); err != nil {
			return err
		}
		counts.Created++
		if e.VirtualInbox {
			counts.VirtualEmails++
		}
		return nil
	}
	for _, e := range rows {
		wasVirtual := e.VirtualInbox
		if !applyEmail(&e, p) {
			counts.Unchanged++
			continue
		}
		e.UpdatedAt = r.stamp()
		if err := r.store.UpdateEmail(ctx, e); err != nil {
			return err
		}
		counts.Updated++
		if e.VirtualInbox && !wasVirtual {
			counts.VirtualEmails++
		}
	}
	return nil
}

func applyEmail(e *domain.EmailMessage, p *domain.EmailMessagePayload) bool {
	changed := false
	if e.ThreadID != p.ThreadID {
		e.ThreadID = p.ThreadID
		changed = true
	}
	if !equalLabels(e.Labels, p.Labels) {
		e.Labels = append([]string(nil), p.Labels...)
		changed = true
	}
	if e.VirtualInbox != p.VirtualInbox {
		e.VirtualInbox = p.VirtualInbox
		changed = true
	}
	if !p.ReceivedAt.IsZero() && !e.ReceivedAt.Equal(p.ReceivedAt) {
		e.ReceivedAt = p.ReceivedAt.UTC()
		changed = true
	}
	if e.Status == domain.StatusCancelled {
		e.Status = domain.StatusActive
		changed = true
	}
	return changed
}

func equalLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (r *Reconciler) botStatus(ctx context.Context, userID string, ev domain.ExternalEvent, counts *domain.ReconcileCounts) error {
	rows, err := r.store.FindBotJobs(ctx, userID, ev.ExternalID)
	if err != nil {
		return err
	}
	if ev.Deleted {
		return removeRows(rows,
			domain.BotJob.HasDurableState,
			func(b domain.BotJob) (bool, error) {
				if b.Status == domain.StatusCancelled {
					return false, nil
				}
				b.Status = domain.StatusCancelled
				b.UpdatedAt = r.stamp()
				return true, r.store.UpdateBotJob(ctx, b)
			},
			func(b domain.BotJob) error { return r.store.DeleteBotJob(ctx, b.ID) },
			counts,
		)
	}
	p := ev.Bot
	if p == nil || p.State == "" {
		counts.Skip(domain.SkipMissingStatus)
		return nil
	}

	if len(rows) == 0 {
		now := r.stamp()
		job := domain.BotJob{
			ID:         r.newID(),
			UserID:     userID,
			ExternalID: ev.ExternalID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		applyBot(&job, p)
		if err := r.store.CreateBotJob(ctx, job); err != nil {
			return err
		}
		counts.Created++
		return r.storeTranscript(ctx, job)
	}

	var errs error
	for _, job := range rows {
		if applyBot(&job, p) {
			job.UpdatedAt = r.stamp()
			if err := r.store.UpdateBotJob(ctx, job); err != nil {
				return err
			}
			counts.Updated++
		} else {
			counts.Unchanged++
		}
		if err := r.storeTranscript(ctx, job); err != nil {
			errs = err
		}
	}
	return errs
}

func applyBot(b *domain.BotJob, p *domain.BotStatusPayload) bool {
	changed := false
	if b.BotState != p.State {
		b.BotState = p.State
		changed = true
	}
	if p.MeetingURL != "" && b.MeetingURL != p.MeetingURL {
		b.MeetingURL = p.MeetingURL
		changed = true
	}
	if status := botLocalStatus(p.State); b.Status != status {
		b.Status = status
		changed = true
	}
	return changed
}

func botLocalStatus(state string) domain.LocalStatus {
	switch state {
	case domain.BotStateEnded:
		return domain.StatusCompleted
	case domain.BotStateFatalError:
		return domain.StatusCancelled
	case domain.BotStateReady, domain.BotStateJoining:
		return domain.StatusBotScheduled
	default:
		return domain.StatusActive
	}
}

// storeTranscript fetches and stores the transcript of an ended bot once,
// then flags the linked meeting as holding a transcript.
func (r *Reconciler) storeTranscript(ctx context.Context, job domain.BotJob) error {
	if r.bots == nil || job.BotState != domain.BotStateEnded || job.TranscriptAt != nil {
		return nil
	}
	utterances, err := r.bots.GetTranscript(ctx, job.ExternalID)
	if err != nil {
		return errors.Wrapf(err, "fetch transcript for bot %s", job.ExternalID)
	}
	at := r.stamp()
	job.Transcript = attendee.FormatTranscript(utterances)
	job.TranscriptAt = &at
	job.UpdatedAt = at
	if err := r.store.UpdateBotJob(ctx, job); err != nil {
		return err
	}
	r.logger.Info("stored bot transcript",
		zap.String("bot_id", job.ExternalID),
		zap.Int("utterances", len(utterances)),
	)

	if job.MeetingID == "" {
		return nil
	}
	meeting, err := r.store.GetMeeting(ctx, job.UserID, job.MeetingID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if meeting.TranscriptStored && meeting.Status == domain.StatusCompleted {
		return nil
	}
	meeting.TranscriptStored = true
	meeting.Status = domain.StatusCompleted
	meeting.UpdatedAt = at
	return r.store.UpdateMeeting(ctx, *meeting)
}
