package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrderComputesTotals(t *testing.T) {
	o, err := NewOrder(Customer{Name: "Ada", Email: " ada@example.com "}, []OrderItem{
		{SKU: "JOLLOF", Quantity: 2, UnitPriceMinor: 150000},
		{SKU: "PLANTAIN", Quantity: 1, UnitPriceMinor: 50000},
	}, 100000, 50000, "ngn")
	require.NoError(t, err)

	assert.Equal(t, int64(350000), o.SubtotalMinor)
	assert.Equal(t, int64(400000), o.TotalMinor)
	assert.Equal(t, "NGN", o.Currency)
	assert.Equal(t, "ada@example.com", o.CustomerEmail)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, PaymentPending, o.PaymentStatus)
	assert.Regexp(t, `^ORD-\d{8}-[0-9A-F]{6}$`, o.Number)
	assert.NotEmpty(t, o.ID)
}

func TestNewOrderValidation(t *testing.T) {
	items := []OrderItem{{SKU: "A", Quantity: 1, UnitPriceMinor: 100}}
	cases := map[string]func() error{
		"no email": func() error { _, err := NewOrder(Customer{}, items, 0, 0, "NGN"); return err },
		"no items": func() error { _, err := NewOrder(Customer{Email: "a@b.c"}, nil, 0, 0, "NGN"); return err },
		"neg fee":  func() error { _, err := NewOrder(Customer{Email: "a@b.c"}, items, -1, 0, "NGN"); return err },
		"currency": func() error { _, err := NewOrder(Customer{Email: "a@b.c"}, items, 0, 0, "XYZ"); return err },
		"zero qty": func() error {
			_, err := NewOrder(Customer{Email: "a@b.c"}, []OrderItem{{SKU: "A", Quantity: 0, UnitPriceMinor: 1}}, 0, 0, "NGN")
			return err
		},
		"discount exceeds": func() error { _, err := NewOrder(Customer{Email: "a@b.c"}, items, 0, 100, "NGN"); return err },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			assert.True(t, errors.Is(fn(), ErrValidation))
		})
	}
}

func TestAdvanceOnPaymentNeverRegresses(t *testing.T) {
	next, changed, err := AdvanceOnPayment(StatusPending)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusConfirmed, next)

	for _, s := range []OrderStatus{StatusConfirmed, StatusPreparing, StatusReady, StatusOutForDelivery,
		StatusDelivered, StatusCompleted, StatusCancelled, StatusReturned} {
		next, changed, err := AdvanceOnPayment(s)
		require.NoError(t, err)
		assert.False(t, changed, s)
		assert.Equal(t, s, next)
	}

	_, _, err = AdvanceOnPayment(OrderStatus("shipped"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCanTransition(t *testing.T) {
	assert.NoError(t, CanTransition(StatusConfirmed, StatusPreparing))
	assert.NoError(t, CanTransition(StatusReady, StatusCompleted))
	assert.ErrorIs(t, CanTransition(StatusDelivered, StatusPending), ErrInvalidTransition)
	assert.ErrorIs(t, CanTransition(StatusCancelled, StatusConfirmed), ErrInvalidTransition)
	assert.ErrorIs(t, CanTransition("bogus", StatusConfirmed), ErrValidation)
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("out_for_delivery")
	require.NoError(t, err)
	assert.Equal(t, StatusOutForDelivery, s)
	_, err = ParseStatus("lost")
	assert.Error(t, err)
}

func TestMoney(t *testing.T) {
	minor, err := MajorToMinor(decimal.RequireFromString("5000.00"), "NGN")
	require.NoError(t, err)
	assert.Equal(t, int64(500000), minor)

	_, err = MajorToMinor(decimal.RequireFromString("10.005"), "NGN")
	assert.Error(t, err)

	minor, err = MajorToMinor(decimal.RequireFromString("1500"), "JPY")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), minor)

	assert.Equal(t, "₦5,000.00", FormatMinor(500000, "NGN"))
	assert.Equal(t, "₦0.50", FormatMinor(50, "ngn"))
	assert.Equal(t, "KES 1,234,567.89", FormatMinor(123456789, "KES"))
}
