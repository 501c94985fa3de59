package domain

import (
	"fmt"
	"strings"
	"time"
)

type Reason string

const (
	ReasonHardBounce  Reason = "hard_bounce"
	ReasonSoftBounce  Reason = "soft_bounce"
	ReasonComplaint   Reason = "complaint"
	ReasonUnsubscribe Reason = "unsubscribe"
)

func ParseReason(s string) (Reason, error) {
	switch r := Reason(strings.ToLower(strings.TrimSpace(s))); r {
	case ReasonHardBounce, ReasonSoftBounce, ReasonComplaint, ReasonUnsubscribe:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown suppression reason %q", ErrValidation, s)
	}
}

// Permanent reasons never expire on their own.
func (r Reason) Permanent() bool {
	return r != ReasonSoftBounce
}

type Suppression struct {
	Recipient string
	Reason    Reason
	Source    string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

func (s Suppression) Active(now time.Time) bool {
	return s.ExpiresAt == nil || s.ExpiresAt.After(now)
}

// Decision is the gate's answer for one send.
type Decision struct {
	Allowed bool
	Reason  string
	// RetryAt is set when the send may be attempted later (rate limit).
	RetryAt time.Time
	// CountedAt is when a rate-limit slot was taken for this send.
	CountedAt time.Time
}

func Allow() Decision { return Decision{Allowed: true} }

func Suppressed(r Reason) Decision { return Decision{Reason: "suppressed:" + string(r)} }

func RateLimited(window string, retryAt time.Time) Decision {
	return Decision{Reason: "rate_limited:" + window, RetryAt: retryAt}
}

// Deferred reports a denial that reschedules rather than fails.
func (d Decision) Deferred() bool {
	return !d.Allowed && !d.RetryAt.IsZero()
}

// Feedback is a delivery signal reported after the fact (bounce, complaint,
// unsubscribe) by the mail provider.
type Feedback struct {
	Recipient string `json:"recipient"`
	Kind      string `json:"kind"`
	EventID   int64  `json:"event_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Reason maps the provider's feedback kind onto a suppression reason.
func (f Feedback) Reason() (Reason, error) {
	switch strings.ToLower(strings.TrimSpace(f.Kind)) {
	case "bounce", "hard_bounce", "permanent_bounce":
		return ReasonHardBounce, nil
	case "soft_bounce", "transient_bounce", "deferred":
		return ReasonSoftBounce, nil
	case "complaint", "spam":
		return ReasonComplaint, nil
	case "unsubscribe":
		return ReasonUnsubscribe, nil
	default:
		return "", fmt.Errorf("%w: unknown feedback kind %q", ErrValidation, f.Kind)
	}
}
