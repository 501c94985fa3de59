package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/payment-reconciliation/internal/order/domain"
	store "github.com/dmehra2102/payment-reconciliation/internal/storage/postgres"
	"github.com/dmehra2102/payment-reconciliation/pkg/outbox"
)

// Columns is the canonical select list understood by ScanOrder.
const Columns = `id, order_number, customer_name, customer_email, subtotal_minor, fees_minor, discount_minor,
	total_minor, currency, status, payment_status, payment_reference, created_at, updated_at`

func ScanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.Number, &o.CustomerName, &o.CustomerEmail, &o.SubtotalMinor, &o.FeesMinor,
		&o.DiscountMinor, &o.TotalMinor, &o.Currency, &o.Status, &o.PaymentStatus, &o.PaymentReference,
		&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, err
}

func InsertAudit(ctx context.Context, q store.Querier, a domain.AuditEntry) error {
	_, err := q.Exec(ctx, `INSERT INTO order_audit (order_id, actor, action, from_value, to_value, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`, a.OrderID, a.Actor, a.Action, a.From, a.To, a.Detail, a.At)
	return err
}

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) Create(ctx context.Context, o domain.Order, audit domain.AuditEntry) error {
	return store.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO orders (id, order_number, customer_name, customer_email, subtotal_minor,
				fees_minor, discount_minor, total_minor, currency, status, payment_status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			o.ID, o.Number, o.CustomerName, o.CustomerEmail, o.SubtotalMinor, o.FeesMinor, o.DiscountMinor,
			o.TotalMinor, o.Currency, o.Status, o.PaymentStatus, o.CreatedAt, o.UpdatedAt)
		if err != nil {
			if store.IsUniqueViolation(err) {
				return fmt.Errorf("%w: duplicate order %s", domain.ErrConflict, o.Number)
			}
			return err
		}

		batch := &pgx.Batch{}
		for _, item := range o.Items {
			batch.Queue(`INSERT INTO order_items (order_id, sku, name, quantity, unit_price_minor)
				VALUES ($1,$2,$3,$4,$5)
				ON CONFLICT (order_id, sku) DO UPDATE SET quantity = order_items.quantity + EXCLUDED.quantity`,
				o.ID, item.SKU, item.Name, item.Quantity, item.UnitPriceMinor)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		return InsertAudit(ctx, tx, audit)
	})
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Order, error) {
	o, err := ScanOrder(r.pool.QueryRow(ctx, `SELECT `+Columns+` FROM orders WHERE id=$1`, id))
	if err != nil {
		return domain.Order{}, err
	}
	o.Items, err = r.items(ctx, id)
	return o, err
}

func (r *Repository) GetByNumber(ctx context.Context, number string) (domain.Order, error) {
	o, err := ScanOrder(r.pool.QueryRow(ctx, `SELECT `+Columns+` FROM orders WHERE order_number=$1`, number))
	if err != nil {
		return domain.Order{}, err
	}
	o.Items, err = r.items(ctx, o.ID)
	return o, err
}

func (r *Repository) items(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.pool.Query(ctx, `SELECT sku, name, quantity, unit_price_minor FROM order_items WHERE order_id=$1 ORDER BY sku`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.SKU, &it.Name, &it.Quantity, &it.UnitPriceMinor); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// UpdateStatus moves the fulfillment status only if it still equals from.
// payment_status is never written here.
func (r *Repository) UpdateStatus(ctx context.Context, id string, from, to domain.OrderStatus, audit domain.AuditEntry, ev outbox.Event) (bool, error) {
	var updated bool
	err := store.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `UPDATE orders SET status=$3, updated_at=now() WHERE id=$1 AND status=$2`, id, from, to)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return nil
		}
		updated = true
		if err := InsertAudit(ctx, tx, audit); err != nil {
			return err
		}
		return store.InsertOutbox(ctx, tx, ev)
	})
	return updated, err
}

// UpdateTotals rewrites fees/discount/total while the order is unpaid and the
// total still equals expectTotal. Pending payment attempts priced on the old
// total are superseded in the same transaction.
func (r *Repository) UpdateTotals(ctx context.Context, id string, expectTotal, fees, discount, total int64, audit domain.AuditEntry) (bool, error) {
	var updated bool
	err := store.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `
			UPDATE orders SET fees_minor=$3, discount_minor=$4, total_minor=$5, updated_at=now()
			WHERE id=$1 AND total_minor=$2 AND payment_status='pending'
			  AND NOT EXISTS (SELECT 1 FROM payment_transactions WHERE order_id=$1 AND status='success')`,
			id, expectTotal, fees, discount, total)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return nil
		}
		updated = true
		if _, err := tx.Exec(ctx, `UPDATE payment_transactions SET status='superseded', updated_at=now()
			WHERE order_id=$1 AND status='pending'`, id); err != nil {
			return err
		}
		return InsertAudit(ctx, tx, audit)
	})
	return updated, err
}

func (r *Repository) Audit(ctx context.Context, orderID string) ([]domain.AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, order_id, actor, action, from_value, to_value, detail, created_at
		FROM order_audit WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var a domain.AuditEntry
		if err := rows.Scan(&a.ID, &a.OrderID, &a.Actor, &a.Action, &a.From, &a.To, &a.Detail, &a.At); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
