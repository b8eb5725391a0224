package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

const syncStateColumns = `user_id, service, last_sync_at, sync_frequency, change_frequency, is_active, sync_cursor, consecutive_failures, refresh_failures, status, updated_at`

func scanSyncState(row pgx.Row) (domain.UserSyncState, error) {
	var s domain.UserSyncState
	err := row.Scan(&s.UserID, &s.Service, &s.LastSyncAt, &s.SyncFrequency, &s.ChangeFrequency,
		&s.IsActive, &s.Cursor, &s.ConsecutiveFailures, &s.RefreshFailures, &s.Status, &s.UpdatedAt)
	return s, err
}

func (r *Repository) GetSyncState(ctx context.Context, key domain.SyncKey) (*domain.UserSyncState, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+syncStateColumns+` FROM user_sync_states WHERE user_id=$1 AND service=$2`, key.UserID, key.Service)
	state, err := scanSyncState(row)
	if err != nil {
		return nil, translate(err, "get sync state")
	}
	return &state, nil
}

// UpsertSyncState writes the whole row keyed by (user, service); webhook and
// polling paths share it and the last writer wins.
func (r *Repository) UpsertSyncState(ctx context.Context, s domain.UserSyncState) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO user_sync_states (`+syncStateColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
        ON CONFLICT (user_id, service) DO UPDATE SET
            last_sync_at=EXCLUDED.last_sync_at,
            sync_frequency=EXCLUDED.sync_frequency,
            change_frequency=EXCLUDED.change_frequency,
            is_active=EXCLUDED.is_active,
            sync_cursor=EXCLUDED.sync_cursor,
            consecutive_failures=EXCLUDED.consecutive_failures,
            refresh_failures=EXCLUDED.refresh_failures,
            status=EXCLUDED.status,
            updated_at=now()`,
		s.UserID, s.Service, s.LastSyncAt, s.SyncFrequency, s.ChangeFrequency,
		s.IsActive, s.Cursor, s.ConsecutiveFailures, s.RefreshFailures, s.Status,
	)
	return translate(err, "upsert sync state")
}

func (r *Repository) ListSyncStates(ctx context.Context, userID string) ([]domain.UserSyncState, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+syncStateColumns+` FROM user_sync_states WHERE user_id=$1 ORDER BY service`, userID)
	if err != nil {
		return nil, translate(err, "list sync states")
	}
	out, err := collect(rows, scanSyncState)
	return out, translate(err, "list sync states")
}

func (r *Repository) ListActiveSyncStates(ctx context.Context) ([]domain.UserSyncState, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+syncStateColumns+` FROM user_sync_states WHERE is_active ORDER BY user_id, service`)
	if err != nil {
		return nil, translate(err, "list active sync states")
	}
	out, err := collect(rows, scanSyncState)
	return out, translate(err, "list active sync states")
}
