package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/payment-reconciliation/internal/config"
	"github.com/dmehra2102/payment-reconciliation/internal/notification/domain"
)

func TestDispatchSends(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	var got domain.Message
	h.transport.SendFn = func(ctx context.Context, msg domain.Message) error {
		got = msg
		return nil
	}
	e := h.enqueue("ada@example.com", "order_confirmed")

	n, err := h.dispatcher.Tick(ctx, "w1/1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored := h.queue.get(e.ID)
	assert.Equal(t, domain.StatusSent, stored.Status)
	assert.NotNil(t, stored.SentAt)
	assert.Equal(t, "Order ORD-1 confirmed", got.Subject)
	assert.Equal(t, "Hi [customer_name], we got [total_display].", got.Body)
	assert.Equal(t, e.DedupeKey, got.DedupeKey)

	n, err = h.dispatcher.Tick(ctx, "w1/1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.transport.attempts(e.ID))
}

func TestDispatchRetriesExactlyMaxRetries(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.transport.SendFn = func(ctx context.Context, msg domain.Message) error {
		return &domain.TransportError{Kind: domain.KindNetwork, Err: errors.New("connection reset")}
	}
	e := h.enqueue("ada@example.com", "plain")

	_, err := h.dispatcher.Tick(ctx, "w1/1")
	require.NoError(t, err)
	stored := h.queue.get(e.ID)
	assert.Equal(t, domain.StatusQueued, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, h.clock.Now().Add(time.Second), stored.NextAttemptAt)

	// not due yet
	n, err := h.dispatcher.Tick(ctx, "w1/1")
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 0; i < 10 && h.queue.get(e.ID).Status != domain.StatusFailed; i++ {
		h.clock.Advance(time.Minute)
		_, err := h.dispatcher.Tick(ctx, "w1/1")
		require.NoError(t, err)
	}

	stored = h.queue.get(e.ID)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Contains(t, stored.LastError, "connection reset")
	assert.Equal(t, 3, h.transport.attempts(e.ID))
	assert.Equal(t, 1, h.alerts.count())

	h.clock.Advance(time.Hour)
	n, err = h.dispatcher.Tick(ctx, "w1/1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatchUnclassifiedErrorRetries(t *testing.T) {
	h := newHarness()
	h.transport.SendFn = func(ctx context.Context, msg domain.Message) error { return errors.New("boom") }
	e := h.enqueue("ada@example.com", "plain")

	_, err := h.dispatcher.Tick(context.Background(), "w1/1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, h.queue.get(e.ID).Status)
	assert.Equal(t, 1, h.queue.get(e.ID).RetryCount)
}

func TestDispatchAuthFailsImmediately(t *testing.T) {
	h := newHarness()
	h.transport.SendFn = func(ctx context.Context, msg domain.Message) error {
		return &domain.TransportError{Kind: domain.KindAuth, Err: errors.New("bad api key")}
	}
	e := h.enqueue("ada@example.com", "plain")

	_, err := h.dispatcher.Tick(context.Background(), "w1/1")
	require.NoError(t, err)
	stored := h.queue.get(e.ID)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Zero(t, stored.RetryCount)
	assert.Equal(t, 1, h.alerts.count())
	assert.Equal(t, "NotificationFailed", h.alerts.events[0].Type)
}

func TestDispatchUnknownTemplateFails(t *testing.T) {
	h := newHarness()
	e := h.enqueue("ada@example.com", "missing_template")

	_, err := h.dispatcher.Tick(context.Background(), "w1/1")
	require.NoError(t, err)
	stored := h.queue.get(e.ID)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "missing_template")
	assert.Zero(t, h.transport.attempts(e.ID))
	assert.Equal(t, 1, h.alerts.count())
}

func TestDispatchBounceSuppressesRecipient(t *testing.T) {
	for _, tc := range []struct {
		kind   domain.ErrorKind
		reason domain.Reason
	}{
		{domain.KindBounce, domain.ReasonHardBounce},
		{domain.KindComplaint, domain.ReasonComplaint},
	} {
		t.Run(string(tc.kind), func(t *testing.T) {
			h := newHarness()
			ctx := context.Background()
			h.transport.SendFn = func(ctx context.Context, msg domain.Message) error {
				return &domain.TransportError{Kind: tc.kind, Err: errors.New("mailbox says no")}
			}
			first := h.enqueue("Ada@Example.com", "plain")
			_, err := h.dispatcher.Tick(ctx, "w1/1")
			require.NoError(t, err)

			assert.Equal(t, domain.StatusFailed, h.queue.get(first.ID).Status)
			s, err := h.suppressions.Active(ctx, "ada@example.com")
			require.NoError(t, err)
			require.NotNil(t, s)
			assert.Equal(t, tc.reason, s.Reason)
			assert.Nil(t, s.ExpiresAt)

			second := h.enqueue("ada@example.com", "order_confirmed")
			_, err = h.dispatcher.Tick(ctx, "w1/1")
			require.NoError(t, err)
			stored := h.queue.get(second.ID)
			assert.Equal(t, domain.StatusFailed, stored.Status)
			assert.Equal(t, "suppressed:"+string(tc.reason), stored.LastError)
			assert.Zero(t, stored.RetryCount)
			assert.Zero(t, h.transport.attempts(second.ID))
		})
	}
}

func TestDispatchExpiredSoftBounceAllowsSend(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	exp := h.clock.Now().Add(-time.Minute)
	require.NoError(t, h.suppressions.Upsert(ctx, domain.Suppression{
		Recipient: "ada@example.com", Reason: domain.ReasonSoftBounce, ExpiresAt: &exp,
	}))
	e := h.enqueue("ada@example.com", "plain")

	_, err := h.dispatcher.Tick(ctx, "w1/1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, h.queue.get(e.ID).Status)
}

func TestDispatchRateLimitDefersWithoutConsumingRetry(t *testing.T) {
	h := newHarness()
	retryAt := h.clock.Now().Add(20 * time.Minute)
	h.limiter.AllowFn = func(ctx context.Context, recipient string) (bool, string, time.Time, error) {
		return false, "hour", retryAt, nil
	}
	e := h.enqueue("ada@example.com", "plain")

	_, err := h.dispatcher.Tick(context.Background(), "w1/1")
	require.NoError(t, err)
	stored := h.queue.get(e.ID)
	assert.Equal(t, domain.StatusQueued, stored.Status)
	assert.Zero(t, stored.RetryCount)
	assert.Equal(t, retryAt, stored.NextAttemptAt)
	assert.Equal(t, "rate_limited:hour", stored.LastError)
	assert.Zero(t, h.transport.attempts(e.ID))
}

func TestDispatchGateErrorDefers(t *testing.T) {
	h := newHarness()
	h.limiter.AllowFn = func(ctx context.Context, recipient string) (bool, string, time.Time, error) {
		return false, "", time.Time{}, errors.New("redis down")
	}
	e := h.enqueue("ada@example.com", "plain")

	_, err := h.dispatcher.Tick(context.Background(), "w1/1")
	require.NoError(t, err)
	stored := h.queue.get(e.ID)
	assert.Equal(t, domain.StatusQueued, stored.Status)
	assert.Zero(t, stored.RetryCount)
	assert.True(t, stored.NextAttemptAt.After(h.clock.Now()))
}

func TestDispatchClaimsAreExclusive(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	const total = 200
	for i := 0; i < total; i++ {
		h.enqueue(fmt.Sprintf("user%d@example.com", i), "plain")
	}

	var wg sync.WaitGroup
	for w := 1; w <= 8; w++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			claimer := fmt.Sprintf("w1/%d", slot)
			for {
				n, err := h.dispatcher.Tick(ctx, claimer)
				if err != nil || n == 0 {
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for id := int64(1); id <= total; id++ {
		assert.Equal(t, 1, h.transport.attempts(id), "event %d", id)
		assert.Equal(t, domain.StatusSent, h.queue.get(id).Status)
	}
}

func TestDispatchLostClaimIsRedelivered(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	sweeper := NewSweeper(quietLogger(), h.queue, time.Minute, time.Second)
	var once sync.Once
	h.transport.SendFn = func(ctx context.Context, msg domain.Message) error {
		once.Do(func() {
			h.clock.Advance(time.Hour)
			n, err := sweeper.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
		return nil
	}
	e := h.enqueue("ada@example.com", "plain")

	_, err := h.dispatcher.Tick(ctx, "w1/1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, h.queue.get(e.ID).Status)

	_, err = h.dispatcher.Tick(ctx, "w1/2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, h.queue.get(e.ID).Status)
	assert.Equal(t, 2, h.transport.attempts(e.ID))
}

func TestDispatchSkipsSendWhenClaimWasSwept(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	sweeper := NewSweeper(quietLogger(), h.queue, time.Minute, time.Second)
	var once sync.Once
	h.limiter.AllowFn = func(ctx context.Context, recipient string) (bool, string, time.Time, error) {
		once.Do(func() {
			h.clock.Advance(time.Hour)
			n, err := sweeper.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
		return true, "", time.Time{}, nil
	}
	e := h.enqueue("ada@example.com", "plain")

	_, err := h.dispatcher.Tick(ctx, "w1/1")
	require.NoError(t, err)
	assert.Zero(t, h.transport.attempts(e.ID), "a swept claim is never sent")
	assert.Equal(t, domain.StatusQueued, h.queue.get(e.ID).Status)
	assert.Equal(t, 1, h.limiter.refunded())

	_, err = h.dispatcher.Tick(ctx, "w1/2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, h.queue.get(e.ID).Status)
	assert.Equal(t, 1, h.transport.attempts(e.ID))
}

func TestDispatchRefundsRateSlotWhenNotSent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.transport.SendFn = func(ctx context.Context, msg domain.Message) error {
		if msg.To == "flaky@example.com" {
			return &domain.TransportError{Kind: domain.KindTimeout, Err: errors.New("deadline exceeded")}
		}
		return nil
	}
	ok := h.enqueue("ada@example.com", "plain")
	flaky := h.enqueue("flaky@example.com", "plain")

	_, err := h.dispatcher.Tick(ctx, "w1/1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, h.queue.get(ok.ID).Status)
	assert.Equal(t, domain.StatusQueued, h.queue.get(flaky.ID).Status)
	assert.Equal(t, 1, h.limiter.refunded())
}

func TestDispatchFinishesClaimedBatchAfterCancel(t *testing.T) {
	h := newHarness()
	d := NewDispatcher(quietLogger(), cancelAwareQueue{h.queue}, h.dispatcher.gate, h.dispatcher.renderer, h.transport,
		h.dispatcher.suppressions, h.dispatcher.settings, "w1", WithBatchSize(10), WithSendTimeout(time.Second))
	d.now = h.clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.transport.SendFn = func(_ context.Context, msg domain.Message) error {
		cancel()
		return nil
	}
	first := h.enqueue("ada@example.com", "plain")
	second := h.enqueue("bola@example.com", "plain")
	third := h.enqueue("chidi@example.com", "plain")

	n, err := d.Tick(ctx, "w1/1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, domain.StatusSent, h.queue.get(first.ID).Status, "send that went out is recorded")
	for _, e := range []domain.Event{second, third} {
		stored := h.queue.get(e.ID)
		assert.Equal(t, domain.StatusQueued, stored.Status)
		assert.Zero(t, stored.RetryCount)
		assert.Equal(t, "released on shutdown", stored.LastError)
		assert.Zero(t, h.transport.attempts(e.ID))
	}
}

func TestDispatcherRunDrainsQueue(t *testing.T) {
	h := newHarness()
	d := NewDispatcher(quietLogger(), h.queue, NewGate(h.suppressions, nil), NewRenderer(testCatalog()), h.transport,
		NewSuppressions(quietLogger(), h.suppressions, config.NewStatic(testSettings())), config.NewStatic(testSettings()), "w9",
		WithWorkers(3), WithBatchSize(4), WithPollInterval(5*time.Millisecond))
	d.now = h.clock.Now
	for i := 0; i < 25; i++ {
		h.enqueue(fmt.Sprintf("user%d@example.com", i), "plain")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		for id := int64(1); id <= 25; id++ {
			if h.queue.get(id).Status != domain.StatusSent {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, d.Running())

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, d.Running())
}

func TestRequeue(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.transport.SendFn = func(ctx context.Context, msg domain.Message) error {
		return &domain.TransportError{Kind: domain.KindConfig, Err: errors.New("bad sender")}
	}
	e := h.enqueue("ada@example.com", "plain")
	_, err := h.dispatcher.Tick(ctx, "w1/1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, h.queue.get(e.ID).Status)

	got, err := Requeue(ctx, quietLogger(), h.queue, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Zero(t, got.RetryCount)

	again, err := Requeue(ctx, quietLogger(), h.queue, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, again.Status)

	h.transport.SendFn = nil
	_, err = h.dispatcher.Tick(ctx, "w1/1")
	require.NoError(t, err)
	_, err = Requeue(ctx, quietLogger(), h.queue, e.ID)
	assert.ErrorIs(t, err, domain.ErrNotRequeueable)

	_, err = Requeue(ctx, quietLogger(), h.queue, 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
