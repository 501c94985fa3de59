package application

import (
	"context"
	"time"

	"github.com/dmehra2102/payment-reconciliation/internal/notification/domain"
	"github.com/dmehra2102/payment-reconciliation/pkg/outbox"
)

// Queue is the durable notification table. Every outcome write is a
// compare-and-set on (id, status='processing', claimed_by) and reports false
// when the claim was lost to the sweeper.
type Queue interface {
	// Insert creates e unless its dedupe key exists; created is false for a duplicate.
	Insert(ctx context.Context, e domain.Event) (stored domain.Event, created bool, err error)
	Claim(ctx context.Context, claimer string, limit int) ([]domain.Event, error)
	// RenewClaim refreshes claimed_at right before a send; false means the
	// sweeper already took the event back.
	RenewClaim(ctx context.Context, id int64, claimer string) (bool, error)
	MarkSent(ctx context.Context, id int64, claimer string) (bool, error)
	Retry(ctx context.Context, id int64, claimer string, retryCount int, next time.Time, lastErr string) (bool, error)
	// Defer returns the event to the queue without consuming a retry.
	Defer(ctx context.Context, id int64, claimer string, next time.Time, reason string) (bool, error)
	Fail(ctx context.Context, id int64, claimer string, retryCount int, lastErr string) (bool, error)
	ReclaimStuck(ctx context.Context, olderThan time.Duration) (int, error)
	Requeue(ctx context.Context, id int64) (domain.Event, error)
}

type SuppressionStore interface {
	Active(ctx context.Context, recipient string) (*domain.Suppression, error)
	// Upsert inserts or extends; a permanent reason is never downgraded to a temporary one.
	Upsert(ctx context.Context, s domain.Suppression) error
	Delete(ctx context.Context, recipient string) (bool, error)
}

// RateLimiter counts sends per recipient in fixed windows. Allow consumes a
// slot when it returns true; Refund gives back a slot taken at the given time
// when the send did not go out.
type RateLimiter interface {
	Allow(ctx context.Context, recipient string) (ok bool, window string, retryAt time.Time, err error)
	Refund(ctx context.Context, recipient string, takenAt time.Time) error
}

type Transport interface {
	Send(ctx context.Context, msg domain.Message) error
}

// Alerts receives operator-facing events (terminal notification failures).
type Alerts interface {
	Append(ctx context.Context, ev outbox.Event) error
}
