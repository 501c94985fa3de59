package domain

import (
	"fmt"
	"strings"

	orderdomain "github.com/dmehra2102/payment-reconciliation/internal/order/domain"
)

type Outcome string

const (
	OutcomeNoop      Outcome = "noop"
	OutcomePaid      Outcome = "paid"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeMismatch  Outcome = "mismatch"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// Diff is what a verification changes. Side effects (notifications, alerts)
// are only applied for diffs that change the order.
type Diff struct {
	Outcome       Outcome
	PaymentStatus *orderdomain.PaymentStatus
	Status        *orderdomain.OrderStatus
	TxStatus      TxStatus
	FailureReason string
	// ClosedOrder marks a payment settling on a cancelled or returned order.
	ClosedOrder bool
	Mismatch    *MismatchError
}

func (d Diff) Empty() bool {
	return d.PaymentStatus == nil && d.Status == nil
}

// Transition decides the effect of v on o. It is pure: the caller holds the
// order lock and persists the returned diff.
func Transition(o orderdomain.Order, v NormalizedVerification) (Diff, error) {
	if err := v.Validate(); err != nil {
		return Diff{}, err
	}

	switch o.PaymentStatus {
	case orderdomain.PaymentPaid:
		if v.Status == VerificationSuccess && !strings.EqualFold(o.Reference(), v.Reference) {
			return Diff{
				Outcome:       OutcomeDuplicate,
				TxStatus:      TxFailed,
				FailureReason: fmt.Sprintf("order already paid by %s", o.Reference()),
			}, nil
		}
		if strings.EqualFold(o.Reference(), v.Reference) {
			return Diff{Outcome: OutcomeNoop, TxStatus: TxSuccess}, nil
		}
		return Diff{Outcome: OutcomeNoop, TxStatus: staleTxStatus(v.Status), FailureReason: fmt.Sprintf("order already paid by %s", o.Reference())}, nil

	case orderdomain.PaymentFailed:
		if v.Status == VerificationSuccess {
			return Diff{
				Outcome:       OutcomeRejected,
				TxStatus:      TxFailed,
				FailureReason: "order payment already failed",
			}, nil
		}
		return Diff{Outcome: OutcomeNoop, TxStatus: TxFailed}, nil

	case orderdomain.PaymentPending:
		return pendingTransition(o, v)

	default:
		return Diff{}, fmt.Errorf("%w: unknown payment status %q", ErrValidation, string(o.PaymentStatus))
	}
}

// staleTxStatus records a non-success attempt that arrived after the order
// was paid by another reference. It must never be stored as success.
func staleTxStatus(s VerificationStatus) TxStatus {
	if s == VerificationPending {
		return TxSuperseded
	}
	return TxFailed
}

func pendingTransition(o orderdomain.Order, v NormalizedVerification) (Diff, error) {
	switch v.Status {
	case VerificationSuccess:
		if mm := CheckAmount(o, v); mm != nil {
			return Diff{
				Outcome:       OutcomeMismatch,
				TxStatus:      TxFailed,
				FailureReason: mm.Error(),
				Mismatch:      mm,
			}, nil
		}
		next, changed, err := orderdomain.AdvanceOnPayment(o.Status)
		if err != nil {
			return Diff{}, err
		}
		paid := orderdomain.PaymentPaid
		d := Diff{
			Outcome:       OutcomePaid,
			PaymentStatus: &paid,
			TxStatus:      TxSuccess,
			ClosedOrder:   o.Status.Closed(),
		}
		if changed {
			d.Status = &next
		}
		return d, nil

	case VerificationFailed:
		failed := orderdomain.PaymentFailed
		return Diff{
			Outcome:       OutcomeFailed,
			PaymentStatus: &failed,
			TxStatus:      TxFailed,
			FailureReason: "provider reported failure",
		}, nil

	case VerificationAbandoned:
		return Diff{Outcome: OutcomeAbandoned, TxStatus: TxFailed, FailureReason: "abandoned by payer"}, nil

	case VerificationPending:
		return Diff{Outcome: OutcomePending, TxStatus: TxPending}, nil

	default:
		return Diff{}, fmt.Errorf("%w: unknown verification status %q", ErrValidation, string(v.Status))
	}
}

// CheckAmount compares minor units and currency exactly. No tolerance.
func CheckAmount(o orderdomain.Order, v NormalizedVerification) *MismatchError {
	if !strings.EqualFold(strings.TrimSpace(o.Currency), strings.TrimSpace(v.Currency)) {
		return &MismatchError{
			Kind:             "currency",
			ExpectedMinor:    o.TotalMinor,
			ReportedMinor:    v.AmountMinor,
			ExpectedCurrency: o.Currency,
			ReportedCurrency: v.Currency,
		}
	}
	if o.TotalMinor != v.AmountMinor {
		return &MismatchError{
			Kind:             "amount",
			ExpectedMinor:    o.TotalMinor,
			ReportedMinor:    v.AmountMinor,
			ExpectedCurrency: o.Currency,
			ReportedCurrency: v.Currency,
		}
	}
	return nil
}
