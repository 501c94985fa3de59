package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrValidation        = errors.New("invalid order")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("order changed concurrently")
	ErrPaymentSettled    = errors.New("order payment already settled")
)

type OrderStatus string

const (
	StatusPending        OrderStatus = "pending"
	StatusConfirmed      OrderStatus = "confirmed"
	StatusPreparing      OrderStatus = "preparing"
	StatusReady          OrderStatus = "ready"
	StatusOutForDelivery OrderStatus = "out_for_delivery"
	StatusDelivered      OrderStatus = "delivered"
	StatusCancelled      OrderStatus = "cancelled"
	StatusCompleted      OrderStatus = "completed"
	StatusReturned       OrderStatus = "returned"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

type Order struct {
	ID               string
	Number           string
	CustomerName     string
	CustomerEmail    string
	Items            []OrderItem
	SubtotalMinor    int64
	FeesMinor        int64
	DiscountMinor    int64
	TotalMinor       int64
	Currency         string
	Status           OrderStatus
	PaymentStatus    PaymentStatus
	PaymentReference *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type OrderItem struct {
	SKU            string
	Name           string
	Quantity       int
	UnitPriceMinor int64
}

type Customer struct {
	Name  string
	Email string
}

// NewOrder computes every monetary field server-side; client totals are never accepted.
func NewOrder(customer Customer, items []OrderItem, feesMinor, discountMinor int64, currency string) (Order, error) {
	if strings.TrimSpace(customer.Email) == "" {
		return Order{}, fmt.Errorf("%w: customer email is required", ErrValidation)
	}
	if len(items) == 0 {
		return Order{}, fmt.Errorf("%w: at least one item is required", ErrValidation)
	}
	if feesMinor < 0 || discountMinor < 0 {
		return Order{}, fmt.Errorf("%w: fees and discount must be non-negative", ErrValidation)
	}
	if _, err := Exponent(currency); err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var subtotal int64
	for _, item := range items {
		if item.Quantity <= 0 || item.UnitPriceMinor < 0 || item.SKU == "" {
			return Order{}, fmt.Errorf("%w: bad item %q", ErrValidation, item.SKU)
		}
		subtotal += int64(item.Quantity) * item.UnitPriceMinor
	}
	total, err := ComputeTotal(subtotal, feesMinor, discountMinor)
	if err != nil {
		return Order{}, err
	}

	now := time.Now().UTC()
	return Order{
		ID:            uuid.NewString(),
		Number:        NewOrderNumber(now),
		CustomerName:  strings.TrimSpace(customer.Name),
		CustomerEmail: strings.TrimSpace(customer.Email),
		Items:         items,
		SubtotalMinor: subtotal,
		FeesMinor:     feesMinor,
		DiscountMinor: discountMinor,
		TotalMinor:    total,
		Currency:      strings.ToUpper(currency),
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func ComputeTotal(subtotal, fees, discount int64) (int64, error) {
	total := subtotal + fees - discount
	if total <= 0 {
		return 0, fmt.Errorf("%w: total must be positive", ErrValidation)
	}
	return total, nil
}

// NewOrderNumber returns a human-readable number such as ORD-20261019-4F2A9C.
func NewOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102"), suffix)
}

func (o Order) Reference() string {
	if o.PaymentReference == nil {
		return ""
	}
	return *o.PaymentReference
}

type AuditEntry struct {
	ID      int64
	OrderID string
	Actor   string
	Action  string
	From    string
	To      string
	Detail  string
	At      time.Time
}

func NewAudit(orderID, actor, action, from, to, detail string) AuditEntry {
	return AuditEntry{
		OrderID: orderID,
		Actor:   actor,
		Action:  action,
		From:    from,
		To:      to,
		Detail:  detail,
		At:      time.Now().UTC(),
	}
}
