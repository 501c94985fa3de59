package transport

import (
	"context"
	"log/slog"

	"github.com/dmehra2102/payment-reconciliation/internal/notification/domain"
)

// Log writes messages to the structured log instead of sending them. It is
// used when no mail API is configured.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

func (t *Log) Send(ctx context.Context, msg domain.Message) error {
	t.log.InfoContext(ctx, "notification delivered to log", "event_id", msg.EventID, "to", msg.To,
		"subject", msg.Subject, "body", msg.Body)
	return nil
}
