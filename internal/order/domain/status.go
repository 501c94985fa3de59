package domain

import "fmt"

func ParseStatus(s string) (OrderStatus, error) {
	st := OrderStatus(s)
	if err := st.Validate(); err != nil {
		return "", err
	}
	return st, nil
}

// Validate rejects anything outside the known lifecycle. Every status must be
// listed here: an unknown value is an error, never a silent no-op.
func (s OrderStatus) Validate() error {
	switch s {
	case StatusPending, StatusConfirmed, StatusPreparing, StatusReady, StatusOutForDelivery,
		StatusDelivered, StatusCompleted, StatusCancelled, StatusReturned:
		return nil
	default:
		return fmt.Errorf("%w: unknown order status %q", ErrValidation, string(s))
	}
}

// Closed reports whether the order left the fulfillment flow.
func (s OrderStatus) Closed() bool {
	return s == StatusCancelled || s == StatusReturned
}

// AdvanceOnPayment is the fulfillment effect of a confirmed payment: pending
// orders become confirmed, anything further along is left alone.
func AdvanceOnPayment(s OrderStatus) (next OrderStatus, changed bool, err error) {
	switch s {
	case StatusPending:
		return StatusConfirmed, true, nil
	case StatusConfirmed, StatusPreparing, StatusReady, StatusOutForDelivery,
		StatusDelivered, StatusCompleted, StatusCancelled, StatusReturned:
		return s, false, nil
	default:
		return s, false, fmt.Errorf("%w: unknown order status %q", ErrValidation, string(s))
	}
}

var fulfillmentTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:        {StatusConfirmed, StatusCancelled},
	StatusConfirmed:      {StatusPreparing, StatusCancelled},
	StatusPreparing:      {StatusReady, StatusOutForDelivery, StatusCancelled},
	StatusReady:          {StatusOutForDelivery, StatusCompleted, StatusCancelled},
	StatusOutForDelivery: {StatusDelivered, StatusReturned},
	StatusDelivered:      {StatusCompleted, StatusReturned},
	StatusCompleted:      {StatusReturned},
	StatusCancelled:      nil,
	StatusReturned:       nil,
}

// CanTransition validates admin-driven fulfillment moves.
func CanTransition(from, to OrderStatus) error {
	if err := from.Validate(); err != nil {
		return err
	}
	if err := to.Validate(); err != nil {
		return err
	}
	for _, allowed := range fulfillmentTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
