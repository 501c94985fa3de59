package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	orderdomain "github.com/dmehra2102/payment-reconciliation/internal/order/domain"
	orderpg "github.com/dmehra2102/payment-reconciliation/internal/order/infrastructure/postgres"
	"github.com/dmehra2102/payment-reconciliation/internal/payment/application"
	"github.com/dmehra2102/payment-reconciliation/internal/payment/domain"
	store "github.com/dmehra2102/payment-reconciliation/internal/storage/postgres"
	"github.com/dmehra2102/payment-reconciliation/pkg/outbox"
)

// Ledger serializes reconciliation per order with a transaction-scoped
// advisory lock and applies each transition in one transaction.
type Ledger struct {
	log         *slog.Logger
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

func NewLedger(log *slog.Logger, pool *pgxpool.Pool, lockTimeout time.Duration) *Ledger {
	return &Ledger{log: log, pool: pool, lockTimeout: lockTimeout}
}

func (l *Ledger) FindOrder(ctx context.Context, orderID string) (orderdomain.Order, error) {
	return orderpg.ScanOrder(l.pool.QueryRow(ctx, `SELECT `+orderpg.Columns+` FROM orders WHERE id=$1`, orderID))
}

func (l *Ledger) FindOrderByReference(ctx context.Context, reference string) (orderdomain.Order, error) {
	return orderpg.ScanOrder(l.pool.QueryRow(ctx, `
		SELECT `+orderpg.Columns+` FROM orders
		WHERE id = (SELECT order_id FROM payment_transactions WHERE provider_reference=$1)
		   OR payment_reference = $1
		LIMIT 1`, reference))
}

func (l *Ledger) RecordOrphan(ctx context.Context, t domain.Transaction) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO payment_transactions (id, order_id, provider, provider_reference, amount_minor, currency, status, raw_response)
		VALUES ($1, NULL, $2, $3, $4, $5, 'orphaned', $6)
		ON CONFLICT (provider_reference) DO NOTHING`,
		t.ID, t.Provider, t.Reference, t.AmountMinor, t.Currency, rawJSON(t.Raw))
	return err
}

func (l *Ledger) WithOrderLock(ctx context.Context, orderID string, fn func(tx application.LedgerTx) error) error {
	err := store.InTx(ctx, l.pool, func(tx pgx.Tx) error {
		if l.lockTimeout > 0 {
			ms := strconv.FormatInt(l.lockTimeout.Milliseconds(), 10) + "ms"
			if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, ms); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, orderID); err != nil {
			return err
		}
		return fn(&ledgerTx{tx: tx})
	})
	if store.IsLockTimeout(err) {
		l.log.Warn("order lock wait expired", "order_id", orderID, "timeout", l.lockTimeout)
		return fmt.Errorf("%w: %s", domain.ErrLockContention, orderID)
	}
	return err
}

type ledgerTx struct {
	tx pgx.Tx
}

func (t *ledgerTx) LoadOrder(ctx context.Context, orderID string) (orderdomain.Order, error) {
	return orderpg.ScanOrder(t.tx.QueryRow(ctx, `SELECT `+orderpg.Columns+` FROM orders WHERE id=$1 FOR UPDATE`, orderID))
}

func (t *ledgerTx) SetPaymentStatus(ctx context.Context, orderID string, to orderdomain.PaymentStatus, reference string) (bool, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders
		SET payment_status=$2, payment_reference=COALESCE(NULLIF($3, ''), payment_reference), updated_at=now()
		WHERE id=$1 AND payment_status='pending'`, orderID, to, reference)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *ledgerTx) SetStatus(ctx context.Context, orderID string, from, to orderdomain.OrderStatus) (bool, error) {
	ct, err := t.tx.Exec(ctx, `UPDATE orders SET status=$3, updated_at=now() WHERE id=$1 AND status=$2`, orderID, from, to)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// UpsertTransaction keys on provider_reference. A reference already bound to
// a different order is refused.
func (t *ledgerTx) UpsertTransaction(ctx context.Context, tr domain.Transaction) error {
	ct, err := t.tx.Exec(ctx, `
		INSERT INTO payment_transactions
			(id, order_id, provider, provider_reference, amount_minor, currency, status, failure_reason, raw_response)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (provider_reference) DO UPDATE SET
			order_id       = COALESCE(payment_transactions.order_id, EXCLUDED.order_id),
			amount_minor   = CASE WHEN EXCLUDED.amount_minor > 0 THEN EXCLUDED.amount_minor ELSE payment_transactions.amount_minor END,
			currency       = CASE WHEN EXCLUDED.currency <> '' THEN EXCLUDED.currency ELSE payment_transactions.currency END,
			status         = EXCLUDED.status,
			failure_reason = EXCLUDED.failure_reason,
			raw_response   = COALESCE(EXCLUDED.raw_response, payment_transactions.raw_response),
			updated_at     = now()
		WHERE payment_transactions.order_id IS NULL
		   OR payment_transactions.order_id = EXCLUDED.order_id`,
		tr.ID, tr.OrderID, tr.Provider, tr.Reference, tr.AmountMinor, tr.Currency, tr.Status, tr.FailureReason, rawJSON(tr.Raw))
	if err != nil {
		if store.IsUniqueViolation(err) {
			return fmt.Errorf("%w: order already has a successful transaction", orderdomain.ErrConflict)
		}
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: reference %s belongs to another order", domain.ErrValidation, tr.Reference)
	}
	return nil
}

func (t *ledgerTx) SupersedePending(ctx context.Context, orderID, keepReference string) (int, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE payment_transactions SET status='superseded', updated_at=now()
		WHERE order_id=$1 AND status='pending' AND provider_reference <> $2`, orderID, keepReference)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (t *ledgerTx) InsertAudit(ctx context.Context, a orderdomain.AuditEntry) error {
	return orderpg.InsertAudit(ctx, t.tx, a)
}

func (t *ledgerTx) AppendOutbox(ctx context.Context, ev outbox.Event) error {
	return store.InsertOutbox(ctx, t.tx, ev)
}

// Transactions lists an order's payment attempts, newest first.
func (l *Ledger) Transactions(ctx context.Context, orderID string) ([]domain.Transaction, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, order_id, provider, provider_reference, amount_minor, currency, status, failure_reason,
		       raw_response, created_at, updated_at
		FROM payment_transactions WHERE order_id=$1 ORDER BY created_at DESC, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var tr domain.Transaction
		if err := rows.Scan(&tr.ID, &tr.OrderID, &tr.Provider, &tr.Reference, &tr.AmountMinor, &tr.Currency,
			&tr.Status, &tr.FailureReason, &tr.Raw, &tr.CreatedAt, &tr.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// TransactionByReference returns the attempt recorded for reference.
func (l *Ledger) TransactionByReference(ctx context.Context, reference string) (domain.Transaction, error) {
	var tr domain.Transaction
	err := l.pool.QueryRow(ctx, `
		SELECT id, order_id, provider, provider_reference, amount_minor, currency, status, failure_reason,
		       raw_response, created_at, updated_at
		FROM payment_transactions WHERE provider_reference=$1`, reference).
		Scan(&tr.ID, &tr.OrderID, &tr.Provider, &tr.Reference, &tr.AmountMinor, &tr.Currency,
			&tr.Status, &tr.FailureReason, &tr.Raw, &tr.CreatedAt, &tr.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, fmt.Errorf("%w: reference %s", domain.ErrOrderNotFound, reference)
	}
	return tr, err
}

func rawJSON(b []byte) any {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}
