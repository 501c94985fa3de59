package application

import (
	"context"

	"github.com/dmehra2102/payment-reconciliation/internal/order/domain"
	"github.com/dmehra2102/payment-reconciliation/pkg/outbox"
)

type OrderRepository interface {
	Create(ctx context.Context, o domain.Order, audit domain.AuditEntry) error
	Get(ctx context.Context, id string) (domain.Order, error)
	GetByNumber(ctx context.Context, number string) (domain.Order, error)
	UpdateStatus(ctx context.Context, id string, from, to domain.OrderStatus, audit domain.AuditEntry, ev outbox.Event) (bool, error)
	UpdateTotals(ctx context.Context, id string, expectTotal, fees, discount, total int64, audit domain.AuditEntry) (bool, error)
	Audit(ctx context.Context, orderID string) ([]domain.AuditEntry, error)
}

// Notifier enqueues the notifications configured for a trigger.
type Notifier interface {
	EnqueuePlan(ctx context.Context, trigger string, o domain.Order, extra map[string]string) (int, error)
}
