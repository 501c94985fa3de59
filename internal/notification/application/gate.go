package application

import (
	"context"
	"time"

	"github.com/dmehra2102/payment-reconciliation/internal/notification/domain"
	"github.com/dmehra2102/payment-reconciliation/pkg/idempotency"
)

// Gate runs right before each send: suppression state can change between
// enqueue and dispatch.
type Gate struct {
	suppressions SuppressionStore
	limiter      RateLimiter
	now          func() time.Time
}

func NewGate(suppressions SuppressionStore, limiter RateLimiter) *Gate {
	return &Gate{suppressions: suppressions, limiter: limiter, now: time.Now}
}

func (g *Gate) Allowed(ctx context.Context, recipient, eventType string) (domain.Decision, error) {
	recipient = idempotency.NormalizeRecipient(recipient)
	s, err := g.suppressions.Active(ctx, recipient)
	if err != nil {
		return domain.Decision{}, err
	}
	if s != nil && s.Active(g.now()) {
		return domain.Suppressed(s.Reason), nil
	}

	if g.limiter == nil {
		return domain.Allow(), nil
	}
	at := g.now()
	ok, window, retryAt, err := g.limiter.Allow(ctx, recipient)
	if err != nil {
		return domain.Decision{}, err
	}
	if !ok {
		return domain.RateLimited(window, retryAt), nil
	}
	d := domain.Allow()
	d.CountedAt = at
	return d, nil
}

// Refund returns the rate-limit slot d took when the message was not sent.
func (g *Gate) Refund(ctx context.Context, recipient string, d domain.Decision) error {
	if g.limiter == nil || !d.Allowed || d.CountedAt.IsZero() {
		return nil
	}
	return g.limiter.Refund(ctx, idempotency.NormalizeRecipient(recipient), d.CountedAt)
}
