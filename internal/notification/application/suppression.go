package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmehra2102/payment-reconciliation/internal/config"
	"github.com/dmehra2102/payment-reconciliation/internal/notification/domain"
	"github.com/dmehra2102/payment-reconciliation/pkg/idempotency"
	"github.com/dmehra2102/payment-reconciliation/pkg/metrics"
)

// Suppressions writes and lifts suppression entries for the dispatcher,
// the feedback consumer and the ops CLI.
type Suppressions struct {
	log      *slog.Logger
	store    SuppressionStore
	settings config.Provider
	now      func() time.Time
}

func NewSuppressions(log *slog.Logger, store SuppressionStore, settings config.Provider) *Suppressions {
	return &Suppressions{log: log, store: store, settings: settings, now: time.Now}
}

// Suppress inserts or extends the entry for recipient. Soft bounces expire
// after the configured TTL; every other reason is permanent.
func (s *Suppressions) Suppress(ctx context.Context, recipient string, reason domain.Reason, source string) error {
	recipient = idempotency.NormalizeRecipient(recipient)
	if recipient == "" {
		return fmt.Errorf("%w: empty recipient", domain.ErrValidation)
	}
	entry := domain.Suppression{
		Recipient: recipient,
		Reason:    reason,
		Source:    source,
		CreatedAt: s.now().UTC(),
	}
	if !reason.Permanent() {
		ttl := s.settings.Settings().SoftBounceTTL
		if ttl <= 0 {
			ttl = 72 * time.Hour
		}
		exp := entry.CreatedAt.Add(ttl)
		entry.ExpiresAt = &exp
	}
	if err := s.store.Upsert(ctx, entry); err != nil {
		return err
	}
	metrics.SuppressionsTotal.WithLabelValues(string(reason)).Inc()
	s.log.Info("recipient suppressed", "recipient", recipient, "reason", reason, "source", source)
	return nil
}

func (s *Suppressions) Lift(ctx context.Context, recipient string) (bool, error) {
	ok, err := s.store.Delete(ctx, idempotency.NormalizeRecipient(recipient))
	if err != nil {
		return false, err
	}
	if ok {
		s.log.Info("suppression lifted", "recipient", recipient)
	}
	return ok, nil
}

// ApplyFeedback records a delivery signal reported by the mail provider.
func (s *Suppressions) ApplyFeedback(ctx context.Context, fb domain.Feedback) error {
	reason, err := fb.Reason()
	if err != nil {
		return err
	}
	return s.Suppress(ctx, fb.Recipient, reason, "feedback")
}
