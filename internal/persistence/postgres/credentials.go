package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

func (r *Repository) RefreshToken(ctx context.Context, userID string, service domain.ServiceType) (string, error) {
	var token string
	err := r.pool.QueryRow(ctx, `SELECT refresh_token FROM user_credentials
        WHERE user_id=$1 AND service=$2 AND revoked_at IS NULL`, userID, service).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && token == "") {
		return "", errors.Wrapf(domain.ErrCredentialsMissing, "%s/%s", userID, service)
	}
	if err != nil {
		return "", translate(err, "load refresh token")
	}
	return token, nil
}

func (r *Repository) ConnectedServices(ctx context.Context, userID string) ([]domain.ServiceType, error) {
	rows, err := r.pool.Query(ctx, `SELECT service FROM user_credentials WHERE user_id=$1 AND revoked_at IS NULL`, userID)
	if err != nil {
		return nil, translate(err, "connected services")
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, translate(err, "connected services")
	}
	set := make(map[domain.ServiceType]bool, len(found))
	for _, s := range found {
		set[domain.ServiceType(s)] = true
	}
	var out []domain.ServiceType
	for _, svc := range domain.AllServices {
		if set[svc] {
			out = append(out, svc)
		}
	}
	return out, nil
}
