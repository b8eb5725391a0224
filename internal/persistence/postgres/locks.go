package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

// AcquireLock inserts the lock row or takes over an expired one in a single
// statement; concurrent callers serialize on the primary key.
func (r *Repository) AcquireLock(ctx context.Context, lock domain.ProcessingLock) (bool, error) {
	var id string
	err := r.pool.QueryRow(ctx, `INSERT INTO processing_locks (external_message_id, status, token, created_at, expires_at)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (external_message_id) DO UPDATE SET
            status=EXCLUDED.status,
            token=EXCLUDED.token,
            created_at=EXCLUDED.created_at,
            expires_at=EXCLUDED.expires_at
        WHERE processing_locks.expires_at <= EXCLUDED.created_at
        RETURNING external_message_id`,
		lock.ExternalMessageID, lock.Status, lock.Token, lock.CreatedAt, lock.ExpiresAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, translate(err, "acquire lock")
	}
	return true, nil
}

func (r *Repository) ReleaseLock(ctx context.Context, externalMessageID, token string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM processing_locks WHERE external_message_id=$1 AND token=$2`, externalMessageID, token)
	return translate(err, "release lock")
}

func (r *Repository) PurgeLocks(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM processing_locks WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, translate(err, "purge locks")
	}
	return int(tag.RowsAffected()), nil
}
