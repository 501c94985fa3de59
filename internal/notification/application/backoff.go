package application

import (
	"math/rand/v2"
	"time"

	"github.com/dmehra2102/payment-reconciliation/internal/config"
)

// Backoff is base * 2^retryCount plus up to Jitter, capped at MaxDelay.
func Backoff(p config.RetryPolicy, retryCount int) time.Duration {
	return backoffWith(p, retryCount, func(n time.Duration) time.Duration { return rand.N(n) })
}

func backoffWith(p config.RetryPolicy, retryCount int, jitter func(time.Duration) time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := p.BaseDelay
	for i := 0; i < retryCount && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
		d *= 2
	}
	if p.Jitter > 0 {
		d += jitter(p.Jitter)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
