package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

const subscriptionColumns = `id, user_id, service, resource_id, channel_id, external_resource_id, resumption_token,
    expiration_time, last_received_at, failure_count, state, is_active, created_at, updated_at`

func scanSubscription(row pgx.Row) (domain.WebhookSubscription, error) {
	var s domain.WebhookSubscription
	err := row.Scan(&s.ID, &s.UserID, &s.Service, &s.ResourceID, &s.ChannelID, &s.ExternalResourceID,
		&s.ResumptionToken, &s.ExpirationTime, &s.LastReceivedAt, &s.FailureCount, &s.State,
		&s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func (r *Repository) querySubscription(ctx context.Context, op, where string, args ...interface{}) (*domain.WebhookSubscription, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE `+where+` LIMIT 1`, args...)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, translate(err, op)
	}
	return &sub, nil
}

func (r *Repository) querySubscriptions(ctx context.Context, op, where string, args ...interface{}) ([]domain.WebhookSubscription, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE `+where, args...)
	if err != nil {
		return nil, translate(err, op)
	}
	out, err := collect(rows, scanSubscription)
	return out, translate(err, op)
}

func (r *Repository) ActiveSubscription(ctx context.Context, key domain.SyncKey) (*domain.WebhookSubscription, error) {
	return r.querySubscription(ctx, "active subscription",
		`user_id=$1 AND service=$2 AND is_active ORDER BY created_at DESC`, key.UserID, key.Service)
}

func (r *Repository) SubscriptionByChannel(ctx context.Context, channelID string) (*domain.WebhookSubscription, error) {
	return r.querySubscription(ctx, "subscription by channel", `channel_id=$1`, channelID)
}

func (r *Repository) ListSubscriptions(ctx context.Context, userID string) ([]domain.WebhookSubscription, error) {
	return r.querySubscriptions(ctx, "list subscriptions", `user_id=$1 ORDER BY created_at`, userID)
}

func (r *Repository) ListExpiringSubscriptions(ctx context.Context, before time.Time) ([]domain.WebhookSubscription, error) {
	return r.querySubscriptions(ctx, "list expiring subscriptions",
		`is_active AND expiration_time < $1 ORDER BY expiration_time`, before)
}

const insertSubscription = `INSERT INTO webhook_subscriptions (` + subscriptionColumns + `)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

func subscriptionArgs(s domain.WebhookSubscription) []interface{} {
	created := s.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	updated := s.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	return []interface{}{
		s.ID, s.UserID, s.Service, s.ResourceID, s.ChannelID, s.ExternalResourceID, s.ResumptionToken,
		s.ExpirationTime, s.LastReceivedAt, s.FailureCount, s.State, s.IsActive, created, updated,
	}
}

func (r *Repository) InsertSubscription(ctx context.Context, sub domain.WebhookSubscription) error {
	_, err := r.pool.Exec(ctx, insertSubscription, subscriptionArgs(sub)...)
	return translate(err, "insert subscription")
}

func (r *Repository) UpdateSubscription(ctx context.Context, s domain.WebhookSubscription) error {
	tag, err := r.pool.Exec(ctx, `UPDATE webhook_subscriptions SET
            external_resource_id=$2, resumption_token=$3, expiration_time=$4, last_received_at=$5,
            failure_count=$6, state=$7, is_active=$8, updated_at=now()
        WHERE id=$1`,
		s.ID, s.ExternalResourceID, s.ResumptionToken, s.ExpirationTime, s.LastReceivedAt,
		s.FailureCount, s.State, s.IsActive,
	)
	if err != nil {
		return translate(err, "update subscription")
	}
	return expectRow(tag, "update subscription")
}

// ReplaceActive retires oldID and inserts next atomically so the partial
// unique index never sees two live channels for one resource.
func (r *Repository) ReplaceActive(ctx context.Context, oldID string, next domain.WebhookSubscription) error {
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE webhook_subscriptions SET is_active=FALSE, state=$2, updated_at=now() WHERE id=$1`,
			oldID, domain.SubscriptionExpired); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, insertSubscription, subscriptionArgs(next)...)
		return err
	})
	return translate(err, "replace active subscription")
}
