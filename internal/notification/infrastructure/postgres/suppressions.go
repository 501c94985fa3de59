package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/payment-reconciliation/internal/notification/domain"
)

type Suppressions struct {
	pool *pgxpool.Pool
}

func NewSuppressions(pool *pgxpool.Pool) *Suppressions {
	return &Suppressions{pool: pool}
}

// Active returns nil when recipient has no unexpired entry.
func (s *Suppressions) Active(ctx context.Context, recipient string) (*domain.Suppression, error) {
	var e domain.Suppression
	var reason string
	err := s.pool.QueryRow(ctx, `
		SELECT recipient, reason, source, created_at, expires_at
		FROM suppressions
		WHERE recipient = $1 AND (expires_at IS NULL OR expires_at > now())`, recipient).
		Scan(&e.Recipient, &reason, &e.Source, &e.CreatedAt, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Reason = domain.Reason(reason)
	return &e, nil
}

// Upsert never replaces a permanent reason with a soft bounce.
func (s *Suppressions) Upsert(ctx context.Context, e domain.Suppression) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO suppressions (recipient, reason, source, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $4, $5)
		ON CONFLICT (recipient) DO UPDATE
		SET reason = EXCLUDED.reason, source = EXCLUDED.source,
		    expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at
		WHERE NOT (suppressions.reason <> 'soft_bounce' AND EXCLUDED.reason = 'soft_bounce')`,
		e.Recipient, string(e.Reason), e.Source, e.CreatedAt, e.ExpiresAt)
	return err
}

func (s *Suppressions) Delete(ctx context.Context, recipient string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `DELETE FROM suppressions WHERE recipient = $1`, recipient)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}
