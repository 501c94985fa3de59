package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/payment-reconciliation/internal/config"
	"github.com/dmehra2102/payment-reconciliation/internal/notification/domain"
	"github.com/dmehra2102/payment-reconciliation/pkg/metrics"
	"github.com/dmehra2102/payment-reconciliation/pkg/outbox"
)

// NotificationFailed is published when an event reaches terminal failure.
type NotificationFailed struct {
	EventID     int64  `json:"event_id"`
	OrderID     string `json:"order_id"`
	EventType   string `json:"event_type"`
	Recipient   string `json:"recipient"`
	TemplateKey string `json:"template_key"`
	RetryCount  int    `json:"retry_count"`
	LastError   string `json:"last_error"`
}

type DispatcherOption func(*Dispatcher)

func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

func WithPollInterval(v time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if v > 0 {
			d.interval = v
		}
	}
}

func WithSendTimeout(v time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if v > 0 {
			d.sendTimeout = v
		}
	}
}

func WithAlerts(a Alerts) DispatcherOption {
	return func(d *Dispatcher) { d.alerts = a }
}

// Dispatcher runs a pool of workers; each claims its own batch, so no two
// workers ever hold the same event.
type Dispatcher struct {
	log          *slog.Logger
	queue        Queue
	gate         *Gate
	renderer     *Renderer
	transport    Transport
	suppressions *Suppressions
	alerts       Alerts
	settings     config.Provider
	tracer       trace.Tracer
	workerID     string
	workers      int
	batchSize    int
	interval     time.Duration
	sendTimeout  time.Duration
	now          func() time.Time
	running      atomic.Int32
}

func NewDispatcher(log *slog.Logger, queue Queue, gate *Gate, renderer *Renderer, transport Transport,
	suppressions *Suppressions, settings config.Provider, workerID string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		log:          log,
		queue:        queue,
		gate:         gate,
		renderer:     renderer,
		transport:    transport,
		suppressions: suppressions,
		settings:     settings,
		tracer:       otel.Tracer("notification-dispatcher"),
		workerID:     workerID,
		workers:      4,
		batchSize:    20,
		interval:     time.Second,
		sendTimeout:  15 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Running reports how many worker loops are alive.
func (d *Dispatcher) Running() int {
	return int(d.running.Load())
}

// Run blocks until ctx is cancelled and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 1; i <= d.workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			d.workerLoop(ctx, slot)
		}(i)
	}
	d.log.Info("dispatcher started", "worker_id", d.workerID, "workers", d.workers, "batch_size", d.batchSize)
	wg.Wait()
	d.log.Info("dispatcher stopped", "worker_id", d.workerID)
	return nil
}

func (d *Dispatcher) workerLoop(ctx context.Context, slot int) {
	d.running.Add(1)
	defer d.running.Add(-1)

	claimer := fmt.Sprintf("%s/%d", d.workerID, slot)
	t := time.NewTicker(d.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			// drain while batches come back full
			for ctx.Err() == nil {
				n, err := d.Tick(ctx, claimer)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						d.log.Error("dispatcher tick error", "claimer", claimer, "err", err)
					}
					break
				}
				if n < d.batchSize {
					break
				}
			}
		}
	}
}

// Tick claims and processes one batch as claimer.
func (d *Dispatcher) Tick(ctx context.Context, claimer string) (int, error) {
	events, err := d.queue.Claim(ctx, claimer, d.batchSize)
	if err != nil {
		return 0, err
	}
	metrics.NotificationsClaimedTotal.Add(float64(len(events)))

	// Claimed rows are finished or handed back even after ctx is cancelled. A
	// row left in processing is requeued by the sweeper and may be sent twice.
	work := context.WithoutCancel(ctx)
	for i, e := range events {
		if ctx.Err() != nil {
			d.release(work, claimer, events[i:])
			break
		}
		ectx, cancel := context.WithTimeout(work, 2*d.sendTimeout)
		outcome := d.process(ectx, claimer, e)
		cancel()
		metrics.NotificationsDispatchedTotal.WithLabelValues(outcome).Inc()
	}
	return len(events), nil
}

// release returns unprocessed claims to the queue without consuming a retry.
func (d *Dispatcher) release(ctx context.Context, claimer string, events []domain.Event) {
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	for _, e := range events {
		ok, err := d.queue.Defer(ctx, e.ID, claimer, d.now(), "released on shutdown")
		d.record(e, ok, err)
		metrics.NotificationsDispatchedTotal.WithLabelValues("released").Inc()
	}
	d.log.Info("released claimed notifications", "claimer", claimer, "count", len(events))
}

func (d *Dispatcher) process(ctx context.Context, claimer string, e domain.Event) string {
	ctx, span := d.tracer.Start(ctx, "DispatchNotification", trace.WithAttributes(
		attribute.Int64("notification.id", e.ID),
		attribute.String("notification.event_type", e.EventType),
	))
	defer span.End()

	decision, err := d.gate.Allowed(ctx, e.Recipient, e.EventType)
	if err != nil {
		d.log.Warn("gate unavailable, deferring", "event_id", e.ID, "err", err)
		ok, rerr := d.queue.Defer(ctx, e.ID, claimer, d.now().Add(d.interval), "gate: "+err.Error())
		d.record(e, ok, rerr)
		return "deferred"
	}
	if !decision.Allowed {
		span.SetAttributes(attribute.String("notification.denied", decision.Reason))
		if decision.Deferred() {
			ok, rerr := d.queue.Defer(ctx, e.ID, claimer, decision.RetryAt, decision.Reason)
			d.record(e, ok, rerr)
			return "rate_limited"
		}
		ok, rerr := d.queue.Fail(ctx, e.ID, claimer, e.RetryCount, decision.Reason)
		d.record(e, ok, rerr)
		return "suppressed"
	}

	sent := false
	defer func() {
		if sent {
			return
		}
		if err := d.gate.Refund(ctx, e.Recipient, decision); err != nil {
			d.log.Warn("rate limit refund failed", "event_id", e.ID, "err", err)
		}
	}()

	msg, err := d.renderer.Render(e)
	if err != nil {
		d.fail(ctx, claimer, e, e.RetryCount, err.Error())
		return "failed"
	}

	ok, err := d.queue.RenewClaim(ctx, e.ID, claimer)
	if err != nil || !ok {
		d.record(e, ok, err)
		return "claim_lost"
	}

	sctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	start := time.Now()
	err = d.transport.Send(sctx, msg)
	cancel()
	metrics.NotificationDispatchDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		sent = true
		ok, rerr := d.queue.MarkSent(ctx, e.ID, claimer)
		d.record(e, ok, rerr)
		return "sent"
	}
	span.RecordError(err)
	return d.handleSendError(ctx, claimer, e, err)
}

func (d *Dispatcher) handleSendError(ctx context.Context, claimer string, e domain.Event, err error) string {
	switch kind := domain.KindOf(err); kind {
	case domain.KindBounce, domain.KindComplaint:
		reason := domain.ReasonHardBounce
		if kind == domain.KindComplaint {
			reason = domain.ReasonComplaint
		}
		if serr := d.suppressions.Suppress(ctx, e.Recipient, reason, "transport"); serr != nil {
			d.log.Error("suppress after transport signal failed", "event_id", e.ID, "err", serr)
		}
		ok, rerr := d.queue.Fail(ctx, e.ID, claimer, e.RetryCount, string(kind)+": "+err.Error())
		d.record(e, ok, rerr)
		return string(kind)

	case domain.KindAuth, domain.KindConfig:
		d.fail(ctx, claimer, e, e.RetryCount, err.Error())
		return "failed"

	default:
		retries := e.RetryCount + 1
		if retries >= d.maxRetries(e) {
			d.fail(ctx, claimer, e, retries, err.Error())
			return "failed"
		}
		next := d.now().Add(Backoff(d.settings.Settings().Retry, e.RetryCount))
		d.log.Warn("notification send failed, retrying", "event_id", e.ID, "retry_count", retries,
			"next_attempt_at", next, "err", err)
		ok, rerr := d.queue.Retry(ctx, e.ID, claimer, retries, next, err.Error())
		d.record(e, ok, rerr)
		return "retry"
	}
}

// fail marks e terminally failed and raises an operator alert.
func (d *Dispatcher) fail(ctx context.Context, claimer string, e domain.Event, retryCount int, lastErr string) {
	ok, rerr := d.queue.Fail(ctx, e.ID, claimer, retryCount, lastErr)
	d.record(e, ok, rerr)
	if !ok || rerr != nil {
		return
	}
	d.log.Error("notification failed permanently", "event_id", e.ID, "order_id", e.OrderID,
		"event_type", e.EventType, "retry_count", retryCount, "err", lastErr)

	if d.alerts == nil {
		return
	}
	ev, err := outbox.NewEvent(ctx, "notification", strconv.FormatInt(e.ID, 10), "NotificationFailed", NotificationFailed{
		EventID: e.ID, OrderID: e.OrderID, EventType: e.EventType, Recipient: e.Recipient,
		TemplateKey: e.TemplateKey, RetryCount: retryCount, LastError: lastErr,
	}, map[string]string{"source": "notification-worker"})
	if err == nil {
		err = d.alerts.Append(ctx, ev)
	}
	if err != nil {
		d.log.Error("notification alert failed", "event_id", e.ID, "err", err)
	}
}

func (d *Dispatcher) maxRetries(e domain.Event) int {
	if e.MaxRetries > 0 {
		return e.MaxRetries
	}
	return d.settings.Settings().Retry.MaxRetries
}

// record logs a lost claim or a failed outcome write for e.
func (d *Dispatcher) record(e domain.Event, ok bool, err error) {
	switch {
	case err != nil:
		d.log.Error("record notification outcome failed", "event_id", e.ID, "err", err)
	case !ok:
		d.log.Warn("notification claim lost before outcome was recorded", "event_id", e.ID)
	}
}
