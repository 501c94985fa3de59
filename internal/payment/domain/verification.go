package domain

import (
	"fmt"
	"time"
)

type VerificationStatus string

const (
	VerificationSuccess   VerificationStatus = "success"
	VerificationFailed    VerificationStatus = "failed"
	VerificationPending   VerificationStatus = "pending"
	VerificationAbandoned VerificationStatus = "abandoned"
)

// NormalizedVerification is the only shape downstream code sees, whatever
// the provider returned. Amounts are always integer minor units.
type NormalizedVerification struct {
	Reference   string
	Status      VerificationStatus
	AmountMinor int64
	Currency    string
	PaidAt      *time.Time
	Raw         []byte
}

func (v NormalizedVerification) Validate() error {
	switch v.Status {
	case VerificationSuccess, VerificationFailed, VerificationPending, VerificationAbandoned:
	default:
		return fmt.Errorf("%w: unknown verification status %q", ErrValidation, string(v.Status))
	}
	if v.Reference == "" {
		return fmt.Errorf("%w: verification without reference", ErrValidation)
	}
	if v.Status == VerificationSuccess && (v.AmountMinor <= 0 || v.Currency == "") {
		return fmt.Errorf("%w: successful verification without amount or currency", ErrValidation)
	}
	return nil
}
