package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

// Entity lookups return every row for (user, external id). Rows written
// before the unique index existed may still carry duplicates and the
// reconciler applies its policy to each.

const meetingColumns = `id, user_id, external_id, title, description, meeting_url, start_time, end_time,
    status, bot_id, project_id, transcript_stored, created_at, updated_at`

func scanMeeting(row pgx.Row) (domain.Meeting, error) {
	var (
		m   domain.Meeting
		end *time.Time
	)
	err := row.Scan(&m.ID, &m.UserID, &m.ExternalID, &m.Title, &m.Description, &m.MeetingURL, &m.StartTime, &end,
		&m.Status, &m.BotID, &m.ProjectID, &m.TranscriptStored, &m.CreatedAt, &m.UpdatedAt)
	m.EndTime = timeOrZero(end)
	return m, err
}

func (r *Repository) FindMeetings(ctx context.Context, userID, externalID string) ([]domain.Meeting, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE user_id=$1 AND external_id=$2 ORDER BY id`, userID, externalID)
	if err != nil {
		return nil, translate(err, "find meetings")
	}
	out, err := collect(rows, scanMeeting)
	return out, translate(err, "find meetings")
}

func (r *Repository) GetMeeting(ctx context.Context, userID, id string) (*domain.Meeting, error) {
	m, err := scanMeeting(r.pool.QueryRow(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE user_id=$1 AND id=$2`, userID, id))
	if err != nil {
		return nil, translate(err, "get meeting")
	}
	return &m, nil
}

func (r *Repository) CreateMeeting(ctx context.Context, m domain.Meeting) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO meetings (`+meetingColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		m.ID, m.UserID, m.ExternalID, m.Title, m.Description, m.MeetingURL, m.StartTime, nullTime(m.EndTime),
		m.Status, m.BotID, m.ProjectID, m.TranscriptStored, m.CreatedAt, m.UpdatedAt,
	)
	return translate(err, "create meeting")
}

func (r *Repository) UpdateMeeting(ctx context.Context, m domain.Meeting) error {
	tag, err := r.pool.Exec(ctx, `UPDATE meetings SET title=$2, description=$3, meeting_url=$4, start_time=$5, end_time=$6,
            status=$7, bot_id=$8, project_id=$9, transcript_stored=$10, updated_at=$11
        WHERE id=$1`,
		m.ID, m.Title, m.Description, m.MeetingURL, m.StartTime, nullTime(m.EndTime),
		m.Status, m.BotID, m.ProjectID, m.TranscriptStored, m.UpdatedAt,
	)
	if err != nil {
		return translate(err, "update meeting")
	}
	return expectRow(tag, "update meeting")
}

func (r *Repository) DeleteMeeting(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM meetings WHERE id=$1`, id)
	return translate(err, "delete meeting")
}

const driveFileColumns = `id, user_id, external_id, name, mime_type, web_view_link, modified_time, status, project_id, created_at, updated_at`

func scanDriveFile(row pgx.Row) (domain.DriveFile, error) {
	var (
		f        domain.DriveFile
		modified *time.Time
	)
	err := row.Scan(&f.ID, &f.UserID, &f.ExternalID, &f.Name, &f.MimeType, &f.WebViewLink, &modified,
		&f.Status, &f.ProjectID, &f.CreatedAt, &f.UpdatedAt)
	f.ModifiedTime = timeOrZero(modified)
	return f, err
}

func (r *Repository) FindDriveFiles(ctx context.Context, userID, externalID string) ([]domain.DriveFile, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+driveFileColumns+` FROM drive_files WHERE user_id=$1 AND external_id=$2 ORDER BY id`, userID, externalID)
	if err != nil {
		return nil, translate(err, "find drive files")
	}
	out, err := collect(rows, scanDriveFile)
	return out, translate(err, "find drive files")
}

func (r *Repository) CreateDriveFile(ctx context.Context, f domain.DriveFile) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO drive_files (`+driveFileColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		f.ID, f.UserID, f.ExternalID, f.Name, f.MimeType, f.WebViewLink, nullTime(f.ModifiedTime),
		f.Status, f.ProjectID, f.CreatedAt, f.UpdatedAt,
	)
	return translate(err, "create drive file")
}

func (r *Repository) UpdateDriveFile(ctx context.Context, f domain.DriveFile) error {
	tag, err := r.pool.Exec(ctx, `UPDATE drive_files SET name=$2, mime_type=$3, web_view_link=$4, modified_time=$5,
            status=$6, project_id=$7, updated_at=$8
        WHERE id=$1`,
		f.ID, f.Name, f.MimeType, f.WebViewLink, nullTime(f.ModifiedTime), f.Status, f.ProjectID, f.UpdatedAt,
	)
	if err != nil {
		return translate(err, "update drive file")
	}
	return expectRow(tag, "update drive file")
}

func (r *Repository) DeleteDriveFile(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM drive_files WHERE id=$1`, id)
	return translate(err, "delete drive file")
}

const botJobColumns = `id, user_id, external_id, meeting_id, meeting_url, bot_state, status, transcript, transcript_at, created_at, updated_at`

func scanBotJob(row pgx.Row) (domain.BotJob, error) {
	var b domain.BotJob
	err := row.Scan(&b.ID, &b.UserID, &b.ExternalID, &b.MeetingID, &b.MeetingURL, &b.BotState, &b.Status,
		&b.Transcript, &b.TranscriptAt, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (r *Repository) FindBotJobs(ctx context.Context, userID, externalID string) ([]domain.BotJob, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+botJobColumns+` FROM bot_jobs WHERE user_id=$1 AND external_id=$2 ORDER BY id`, userID, externalID)
	if err != nil {
		return nil, translate(err, "find bot jobs")
	}
	out, err := collect(rows, scanBotJob)
	return out, translate(err, "find bot jobs")
}

func (r *Repository) CreateBotJob(ctx context.Context, b domain.BotJob) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO bot_jobs (`+botJobColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		b.ID, b.UserID, b.ExternalID, b.MeetingID, b.MeetingURL, b.BotState, b.Status,
		b.Transcript, b.TranscriptAt, b.CreatedAt, b.UpdatedAt,
	)
	return translate(err, "create bot job")
}

func (r *Repository) UpdateBotJob(ctx context.Context, b domain.BotJob) error {
	tag, err := r.pool.Exec(ctx, `UPDATE bot_jobs SET meeting_id=$2, meeting_url=$3, bot_state=$4, status=$5,
            transcript=$6, transcript_at=$7, updated_at=$8
        WHERE id=$1`,
		b.ID, b.MeetingID, b.MeetingURL, b.BotState, b.Status, b.Transcript, b.TranscriptAt, b.UpdatedAt,
	)
	if err != nil {
		return translate(err, "update bot job")
	}
	return expectRow(tag, "update bot job")
}

func (r *Repository) DeleteBotJob(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM bot_jobs WHERE id=$1`, id)
	return translate(err, "delete bot job")
}

const emailColumns = `id, user_id, external_id, thread_id, labels, virtual_inbox, received_at, status, project_id, created_at, updated_at`

func scanEmail(row pgx.Row) (domain.EmailMessage, error) {
	var (
		e        domain.EmailMessage
		received *time.Time
	)
	err := row.Scan(&e.ID, &e.UserID, &e.ExternalID, &e.ThreadID, &e.Labels, &e.VirtualInbox, &received,
		&e.Status, &e.ProjectID, &e.CreatedAt, &e.UpdatedAt)
	e.ReceivedAt = timeOrZero(received)
	return e, err
}

func labels(l []string) []string {
	if l == nil {
		return []string{}
	}
	return l
}

func (r *Repository) FindEmails(ctx context.Context, userID, externalID string) ([]domain.EmailMessage, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+emailColumns+` FROM email_messages WHERE user_id=$1 AND external_id=$2 ORDER BY id`, userID, externalID)
	if err != nil {
		return nil, translate(err, "find emails")
	}
	out, err := collect(rows, scanEmail)
	return out, translate(err, "find emails")
}

func (r *Repository) CreateEmail(ctx context.Context, e domain.EmailMessage) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO email_messages (`+emailColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.UserID, e.ExternalID, e.ThreadID, labels(e.Labels), e.VirtualInbox, nullTime(e.ReceivedAt),
		e.Status, e.ProjectID, e.CreatedAt, e.UpdatedAt,
	)
	return translate(err, "create email")
}

func (r *Repository) UpdateEmail(ctx context.Context, e domain.EmailMessage) error {
	tag, err := r.pool.Exec(ctx, `UPDATE email_messages SET thread_id=$2, labels=$3, virtual_inbox=$4, received_at=$5,
            status=$6, project_id=$7, updated_at=$8
        WHERE id=$1`,
		e.ID, e.ThreadID, labels(e.Labels), e.VirtualInbox, nullTime(e.ReceivedAt), e.Status, e.ProjectID, e.UpdatedAt,
	)
	if err != nil {
		return translate(err, "update email")
	}
	return expectRow(tag, "update email")
}

func (r *Repository) DeleteEmail(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM email_messages WHERE id=$1`, id)
	return translate(err, "delete email")
}
