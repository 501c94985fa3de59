package application

import (
	"context"

	orderdomain "github.com/dmehra2102/payment-reconciliation/internal/order/domain"
	"github.com/dmehra2102/payment-reconciliation/internal/payment/domain"
	"github.com/dmehra2102/payment-reconciliation/pkg/outbox"
)

// Ledger is the persistence side of reconciliation. Reads outside
// WithOrderLock are advisory; every write happens through LedgerTx.
type Ledger interface {
	FindOrder(ctx context.Context, orderID string) (orderdomain.Order, error)
	FindOrderByReference(ctx context.Context, reference string) (orderdomain.Order, error)
	RecordOrphan(ctx context.Context, t domain.Transaction) error
	// WithOrderLock serializes fn against every other holder of the same
	// order lock and commits its writes atomically. A bounded wait that
	// expires returns domain.ErrLockContention.
	WithOrderLock(ctx context.Context, orderID string, fn func(tx LedgerTx) error) error
}

type LedgerTx interface {
	LoadOrder(ctx context.Context, orderID string) (orderdomain.Order, error)
	// SetPaymentStatus moves payment_status out of pending; false when it
	// was no longer pending.
	SetPaymentStatus(ctx context.Context, orderID string, to orderdomain.PaymentStatus, reference string) (bool, error)
	SetStatus(ctx context.Context, orderID string, from, to orderdomain.OrderStatus) (bool, error)
	UpsertTransaction(ctx context.Context, t domain.Transaction) error
	// SupersedePending marks the order's other pending attempts superseded.
	SupersedePending(ctx context.Context, orderID, keepReference string) (int, error)
	InsertAudit(ctx context.Context, a orderdomain.AuditEntry) error
	AppendOutbox(ctx context.Context, ev outbox.Event) error
}

// ProviderClient fetches and normalizes one verification from the provider.
type ProviderClient interface {
	Verify(ctx context.Context, reference string) (domain.NormalizedVerification, error)
}

type Notifier interface {
	EnqueuePlan(ctx context.Context, trigger string, o orderdomain.Order, extra map[string]string) (int, error)
}
