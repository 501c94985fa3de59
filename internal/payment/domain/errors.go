package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("invalid payment request")
	ErrAmountMismatch      = errors.New("provider amount does not match order total")
	ErrCurrencyMismatch    = errors.New("provider currency does not match order currency")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrLockContention      = errors.New("order is being reconciled elsewhere")
	ErrOrderNotFound       = errors.New("order not found for payment")
	ErrReferenceRejected   = errors.New("payment reference rejected")
	ErrPaymentPending      = errors.New("payment not yet settled at provider")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrPaymentClosed       = errors.New("order payment is no longer pending")
)

// ProviderError classifies a failed provider call. It matches
// ErrProviderUnavailable so callers can answer 503 and let the provider retry.
type ProviderError struct {
	StatusCode int
	Timeout    bool
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("payment provider timeout: %v", e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("payment provider returned %d: %v", e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("payment provider error: %v", e.Err)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProviderUnavailable }

// MismatchError carries both sides of a failed amount/currency check for the
// incident record.
type MismatchError struct {
	Kind             string
	ExpectedMinor    int64
	ReportedMinor    int64
	ExpectedCurrency string
	ReportedCurrency string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s mismatch: expected %d %s, provider reported %d %s",
		e.Kind, e.ExpectedMinor, e.ExpectedCurrency, e.ReportedMinor, e.ReportedCurrency)
}

func (e *MismatchError) Is(target error) bool {
	switch e.Kind {
	case "currency":
		return target == ErrCurrencyMismatch
	default:
		return target == ErrAmountMismatch
	}
}

// Retryable reports whether the caller (provider webhook retry, ops tool)
// should try again later.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrLockContention) ||
		errors.Is(err, ErrPaymentPending)
}
