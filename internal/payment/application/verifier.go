package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/payment-reconciliation/internal/config"
	"github.com/dmehra2102/payment-reconciliation/internal/payment/domain"
	"github.com/dmehra2102/payment-reconciliation/pkg/metrics"
)

type VerifierOption func(*Verifier)

func WithAttempts(n int) VerifierOption {
	return func(v *Verifier) {
		if n > 0 {
			v.attempts = n
		}
	}
}

func WithAttemptTimeout(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

func WithBackoff(base, max time.Duration) VerifierOption {
	return func(v *Verifier) { v.baseDelay, v.maxDelay = base, max }
}

// Verifier wraps a ProviderClient with the reference deny-list, per-attempt
// timeouts and bounded retries.
type Verifier struct {
	log       *slog.Logger
	client    ProviderClient
	settings  config.Provider
	tracer    trace.Tracer
	attempts  int
	timeout   time.Duration
	baseDelay time.Duration
	maxDelay  time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewVerifier(log *slog.Logger, client ProviderClient, settings config.Provider, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		log:       log,
		client:    client,
		settings:  settings,
		tracer:    otel.Tracer("payment-verifier"),
		attempts:  3,
		timeout:   12 * time.Second,
		baseDelay: 250 * time.Millisecond,
		maxDelay:  4 * time.Second,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Verifier) Verify(ctx context.Context, reference string) (domain.NormalizedVerification, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return domain.NormalizedVerification{}, fmt.Errorf("%w: empty reference", domain.ErrValidation)
	}
	if v.settings.Settings().ReferenceDenied(reference) {
		v.log.Warn("test reference rejected in production", "reference", reference)
		return domain.NormalizedVerification{}, fmt.Errorf("%w: %s", domain.ErrReferenceRejected, reference)
	}

	ctx, span := v.tracer.Start(ctx, "VerifyPayment", trace.WithAttributes(attribute.String("payment.reference", reference)))
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < v.attempts; attempt++ {
		if attempt > 0 {
			if err := v.sleep(ctx, v.backoff(attempt)); err != nil {
				lastErr = &domain.ProviderError{Timeout: true, Err: err}
				break
			}
		}

		res, err := v.attempt(ctx, reference)
		if err == nil {
			span.SetAttributes(attribute.String("payment.status", string(res.Status)))
			return res, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		v.log.Warn("provider verify attempt failed", "reference", reference, "attempt", attempt+1, "err", err)
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return domain.NormalizedVerification{}, lastErr
}

func (v *Verifier) attempt(ctx context.Context, reference string) (domain.NormalizedVerification, error) {
	actx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	res, err := v.client.Verify(actx, reference)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrProviderUnavailable) {
			err = &domain.ProviderError{Timeout: true, Retryable: true, Err: err}
		}
		metrics.ProviderVerifyDuration.WithLabelValues(verifyResult(err)).Observe(time.Since(start).Seconds())
		return domain.NormalizedVerification{}, err
	}
	metrics.ProviderVerifyDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	if res.Reference == "" {
		res.Reference = reference
	}
	if !strings.EqualFold(res.Reference, reference) {
		return domain.NormalizedVerification{}, fmt.Errorf("%w: provider answered for %q, asked %q",
			domain.ErrValidation, res.Reference, reference)
	}
	if err := res.Validate(); err != nil {
		return domain.NormalizedVerification{}, err
	}
	return res, nil
}

// backoff is exponential with full jitter: a random delay in [0, base*2^attempt], capped.
func (v *Verifier) backoff(attempt int) time.Duration {
	d := v.baseDelay << (attempt - 1)
	if d <= 0 || d > v.maxDelay {
		d = v.maxDelay
	}
	if d <= 0 {
		return 0
	}
	return rand.N(d) + 1
}

func retryable(err error) bool {
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		return pe.Timeout || pe.Retryable
	}
	return false
}

func verifyResult(err error) string {
	var pe *domain.ProviderError
	switch {
	case errors.As(err, &pe) && pe.Timeout:
		return "timeout"
	case errors.As(err, &pe):
		return "unavailable"
	case errors.Is(err, domain.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
