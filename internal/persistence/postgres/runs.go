package postgres

import (
	"context"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

// AppendRun records an audited cycle. Rows consumed from Kafka are keyed by
// their record coordinates so redelivery is a no-op.
func (r *Repository) AppendRun(ctx context.Context, run domain.SyncRun) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO sync_run_log
            (user_id, service, trigger, full_resync, counts, duration_ms, error, topic, partition, record_offset, occurred_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (topic, partition, record_offset) WHERE topic <> '' DO NOTHING`,
		run.UserID, run.Service, run.Trigger, run.FullResync, run.Counts, run.DurationMS, run.Error,
		run.Topic, run.Partition, run.Offset, run.OccurredAt,
	)
	return translate(err, "append sync run")
}
