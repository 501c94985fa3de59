package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/payment-reconciliation/internal/notification/domain"
	store "github.com/dmehra2102/payment-reconciliation/internal/storage/postgres"
)

var eventColumns = []string{
	"id", "COALESCE(order_id, '')", "event_type", "recipient", "template_key", "variables", "dedupe_key",
	"status", "priority", "retry_count", "max_retries", "next_attempt_at", "COALESCE(last_error, '')",
	"COALESCE(claimed_by, '')", "claimed_at", "sent_at", "created_at", "updated_at",
}

// columns renders eventColumns, qualified with alias when it is set.
func columns(alias string) string {
	if alias == "" {
		return strings.Join(eventColumns, ", ")
	}
	out := make([]string, len(eventColumns))
	for i, c := range eventColumns {
		if strings.HasPrefix(c, "COALESCE(") {
			out[i] = "COALESCE(" + alias + "." + strings.TrimPrefix(c, "COALESCE(")
			continue
		}
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}

func scanEvent(row pgx.Row) (domain.Event, error) {
	var e domain.Event
	var status string
	err := row.Scan(&e.ID, &e.OrderID, &e.EventType, &e.Recipient, &e.TemplateKey, &e.Variables, &e.DedupeKey,
		&status, &e.Priority, &e.RetryCount, &e.MaxRetries, &e.NextAttemptAt, &e.LastError,
		&e.ClaimedBy, &e.ClaimedAt, &e.SentAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Event{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Event{}, err
	}
	e.Status = domain.Status(status)
	return e, nil
}

// Queue is the notification_events table. Claims use FOR UPDATE SKIP LOCKED
// so concurrent workers never receive the same row.
type Queue struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewQueue(log *slog.Logger, pool *pgxpool.Pool) *Queue {
	return &Queue{log: log, pool: pool}
}

func (q *Queue) Insert(ctx context.Context, e domain.Event) (domain.Event, bool, error) {
	vars := e.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	stored, err := scanEvent(q.pool.QueryRow(ctx, `
		INSERT INTO notification_events
			(order_id, event_type, recipient, template_key, variables, dedupe_key, status, priority, max_retries, next_attempt_at)
		VALUES (NULLIF($1, ''), $2, $3, $4, $5, $6, 'queued', $7, $8, $9)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING `+columns(""),
		e.OrderID, e.EventType, e.Recipient, e.TemplateKey, vars, e.DedupeKey, e.Priority, e.MaxRetries, e.NextAttemptAt))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Event{}, false, fmt.Errorf("insert notification: %w", err)
	}

	existing, err := scanEvent(q.pool.QueryRow(ctx,
		`SELECT `+columns("")+` FROM notification_events WHERE dedupe_key=$1`, e.DedupeKey))
	if err != nil {
		return domain.Event{}, false, fmt.Errorf("load duplicate notification: %w", err)
	}
	return existing, false, nil
}

func (q *Queue) Claim(ctx context.Context, claimer string, limit int) ([]domain.Event, error) {
	rows, err := q.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM notification_events
			WHERE status = 'queued' AND next_attempt_at <= now()
			ORDER BY priority, created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE notification_events n
		SET status = 'processing', claimed_by = $1, claimed_at = now(), updated_at = now()
		FROM picked
		WHERE n.id = picked.id
		RETURNING `+columns("n"), claimer, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING order is unspecified
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return events, nil
}

func (q *Queue) RenewClaim(ctx context.Context, id int64, claimer string) (bool, error) {
	return q.cas(ctx, `
		UPDATE notification_events
		SET claimed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2`, id, claimer)
}

func (q *Queue) MarkSent(ctx context.Context, id int64, claimer string) (bool, error) {
	return q.cas(ctx, `
		UPDATE notification_events
		SET status = 'sent', sent_at = now(), last_error = NULL, claimed_by = NULL, claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2`, id, claimer)
}

func (q *Queue) Retry(ctx context.Context, id int64, claimer string, retryCount int, next time.Time, lastErr string) (bool, error) {
	return q.cas(ctx, `
		UPDATE notification_events
		SET status = 'queued', retry_count = $3, next_attempt_at = $4, last_error = $5,
		    claimed_by = NULL, claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2`, id, claimer, retryCount, next, lastErr)
}

func (q *Queue) Defer(ctx context.Context, id int64, claimer string, next time.Time, reason string) (bool, error) {
	return q.cas(ctx, `
		UPDATE notification_events
		SET status = 'queued', next_attempt_at = $3, last_error = $4,
		    claimed_by = NULL, claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2`, id, claimer, next, reason)
}

func (q *Queue) Fail(ctx context.Context, id int64, claimer string, retryCount int, lastErr string) (bool, error) {
	return q.cas(ctx, `
		UPDATE notification_events
		SET status = 'failed', retry_count = $3, last_error = $4,
		    claimed_by = NULL, claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2`, id, claimer, retryCount, lastErr)
}

func (q *Queue) cas(ctx context.Context, sql string, args ...any) (bool, error) {
	ct, err := q.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (q *Queue) ReclaimStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	ct, err := q.pool.Exec(ctx, `
		UPDATE notification_events
		SET status = 'queued', claimed_by = NULL, claimed_at = NULL, updated_at = now()
		WHERE status = 'processing' AND claimed_at < now() - make_interval(secs => $1)`, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (q *Queue) Requeue(ctx context.Context, id int64) (domain.Event, error) {
	var out domain.Event
	err := store.InTx(ctx, q.pool, func(tx pgx.Tx) error {
		e, err := scanEvent(tx.QueryRow(ctx,
			`SELECT `+columns("")+` FROM notification_events WHERE id=$1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		switch e.Status {
		case domain.StatusQueued:
			out = e
			return nil
		case domain.StatusFailed:
		default:
			return fmt.Errorf("%w: event %d is %s", domain.ErrNotRequeueable, id, e.Status)
		}
		out, err = scanEvent(tx.QueryRow(ctx, `
			UPDATE notification_events
			SET status = 'queued', retry_count = 0, next_attempt_at = now(), last_error = NULL, updated_at = now()
			WHERE id = $1
			RETURNING `+columns(""), id))
		return err
	})
	if err != nil {
		return domain.Event{}, err
	}
	return out, nil
}

func (q *Queue) Get(ctx context.Context, id int64) (domain.Event, error) {
	return scanEvent(q.pool.QueryRow(ctx, `SELECT `+columns("")+` FROM notification_events WHERE id=$1`, id))
}

// ListByOrder returns every event for orderID, oldest first.
func (q *Queue) ListByOrder(ctx context.Context, orderID string) ([]domain.Event, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT `+columns("")+` FROM notification_events WHERE order_id=$1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
