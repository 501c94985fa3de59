package application

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dmehra2102/payment-reconciliation/internal/config"
	"github.com/dmehra2102/payment-reconciliation/internal/notification/domain"
	"github.com/dmehra2102/payment-reconciliation/pkg/outbox"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memQueue mirrors the postgres queue semantics under one mutex.
type memQueue struct {
	mu     sync.Mutex
	now    func() time.Time
	nextID int64
	events map[int64]*domain.Event
	keys   map[string]int64
}

func newMemQueue(now func() time.Time) *memQueue {
	return &memQueue{now: now, events: map[int64]*domain.Event{}, keys: map[string]int64{}}
}

func (q *memQueue) Insert(ctx context.Context, e domain.Event) (domain.Event, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if id, ok := q.keys[e.DedupeKey]; ok {
		return *q.events[id], false, nil
	}
	q.nextID++
	e.ID = q.nextID
	e.CreatedAt = q.now()
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = q.now()
	}
	q.events[e.ID] = &e
	q.keys[e.DedupeKey] = e.ID
	return e, true, nil
}

func (q *memQueue) Claim(ctx context.Context, claimer string, limit int) ([]domain.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var ready []*domain.Event
	for _, e := range q.events {
		if e.Status == domain.StatusQueued && !e.NextAttemptAt.After(now) {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]domain.Event, 0, len(ready))
	for _, e := range ready {
		e.Status = domain.StatusProcessing
		e.ClaimedBy = claimer
		at := now
		e.ClaimedAt = &at
		out = append(out, *e)
	}
	return out, nil
}

func (q *memQueue) owned(id int64, claimer string) (*domain.Event, bool) {
	e, ok := q.events[id]
	if !ok || e.Status != domain.StatusProcessing || e.ClaimedBy != claimer {
		return nil, false
	}
	return e, true
}

func (q *memQueue) RenewClaim(ctx context.Context, id int64, claimer string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.owned(id, claimer)
	if !ok {
		return false, nil
	}
	at := q.now()
	e.ClaimedAt = &at
	return true, nil
}

func (q *memQueue) MarkSent(ctx context.Context, id int64, claimer string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.owned(id, claimer)
	if !ok {
		return false, nil
	}
	e.Status = domain.StatusSent
	at := q.now()
	e.SentAt = &at
	e.ClaimedBy = ""
	return true, nil
}

func (q *memQueue) Retry(ctx context.Context, id int64, claimer string, retryCount int, next time.Time, lastErr string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.owned(id, claimer)
	if !ok {
		return false, nil
	}
	e.Status = domain.StatusQueued
	e.RetryCount = retryCount
	e.NextAttemptAt = next
	e.LastError = lastErr
	e.ClaimedBy = ""
	return true, nil
}

func (q *memQueue) Defer(ctx context.Context, id int64, claimer string, next time.Time, reason string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.owned(id, claimer)
	if !ok {
		return false, nil
	}
	e.Status = domain.StatusQueued
	e.NextAttemptAt = next
	e.LastError = reason
	e.ClaimedBy = ""
	return true, nil
}

func (q *memQueue) Fail(ctx context.Context, id int64, claimer string, retryCount int, lastErr string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.owned(id, claimer)
	if !ok {
		return false, nil
	}
	e.Status = domain.StatusFailed
	e.RetryCount = retryCount
	e.LastError = lastErr
	e.ClaimedBy = ""
	return true, nil
}

func (q *memQueue) ReclaimStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.now().Add(-olderThan)
	n := 0
	for _, e := range q.events {
		if e.Status == domain.StatusProcessing && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			e.Status = domain.StatusQueued
			e.ClaimedBy = ""
			e.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (q *memQueue) Requeue(ctx context.Context, id int64) (domain.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.events[id]
	if !ok {
		return domain.Event{}, domain.ErrNotFound
	}
	switch e.Status {
	case domain.StatusQueued:
	case domain.StatusFailed:
		e.Status = domain.StatusQueued
		e.RetryCount = 0
		e.NextAttemptAt = q.now()
		e.LastError = ""
	default:
		return *e, domain.ErrNotRequeueable
	}
	return *e, nil
}

func (q *memQueue) get(id int64) domain.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.events[id]
}

type memSuppressions struct {
	mu      sync.Mutex
	entries map[string]domain.Suppression
}

func newMemSuppressions() *memSuppressions {
	return &memSuppressions{entries: map[string]domain.Suppression{}}
}

func (s *memSuppressions) Active(ctx context.Context, recipient string) (*domain.Suppression, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[recipient]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *memSuppressions) Upsert(ctx context.Context, e domain.Suppression) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[e.Recipient]; ok && prev.Reason.Permanent() && !e.Reason.Permanent() {
		return nil
	}
	s.entries[e.Recipient] = e
	return nil
}

func (s *memSuppressions) Delete(ctx context.Context, recipient string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[recipient]
	delete(s.entries, recipient)
	return ok, nil
}

type fakeLimiter struct {
	mu      sync.Mutex
	refunds int
	AllowFn func(ctx context.Context, recipient string) (bool, string, time.Time, error)
}

func (l *fakeLimiter) Allow(ctx context.Context, recipient string) (bool, string, time.Time, error) {
	return l.AllowFn(ctx, recipient)
}

func (l *fakeLimiter) Refund(ctx context.Context, recipient string, takenAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refunds++
	return nil
}

func (l *fakeLimiter) refunded() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refunds
}

// cancelAwareQueue rejects writes on a cancelled context the way pgx does.
type cancelAwareQueue struct {
	*memQueue
}

func (q cancelAwareQueue) RenewClaim(ctx context.Context, id int64, claimer string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return q.memQueue.RenewClaim(ctx, id, claimer)
}

func (q cancelAwareQueue) MarkSent(ctx context.Context, id int64, claimer string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return q.memQueue.MarkSent(ctx, id, claimer)
}

func (q cancelAwareQueue) Retry(ctx context.Context, id int64, claimer string, retryCount int, next time.Time, lastErr string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return q.memQueue.Retry(ctx, id, claimer, retryCount, next, lastErr)
}

func (q cancelAwareQueue) Defer(ctx context.Context, id int64, claimer string, next time.Time, reason string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return q.memQueue.Defer(ctx, id, claimer, next, reason)
}

func (q cancelAwareQueue) Fail(ctx context.Context, id int64, claimer string, retryCount int, lastErr string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return q.memQueue.Fail(ctx, id, claimer, retryCount, lastErr)
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   map[int64]int
	SendFn func(ctx context.Context, msg domain.Message) error
}

func (t *fakeTransport) Send(ctx context.Context, msg domain.Message) error {
	t.mu.Lock()
	if t.sent == nil {
		t.sent = map[int64]int{}
	}
	t.sent[msg.EventID]++
	t.mu.Unlock()
	if t.SendFn == nil {
		return nil
	}
	return t.SendFn(ctx, msg)
}

func (t *fakeTransport) attempts(id int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent[id]
}

type fakeAlerts struct {
	mu     sync.Mutex
	events []outbox.Event
}

func (a *fakeAlerts) Append(ctx context.Context, ev outbox.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *fakeAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func testSettings() config.Settings {
	return config.Settings{
		Currency:        "NGN",
		AdminRecipients: []string{"Orders@Storefront.local"},
		SoftBounceTTL:   time.Hour,
		Retry:           config.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute},
		Plans: map[string][]config.PlanEntry{
			"payment_confirmed": {
				{EventType: "order_status_confirmed", Template: "order_confirmed", Audience: config.AudienceCustomer, Priority: 10},
				{EventType: "admin_order_paid", Template: "admin_order_paid", Audience: config.AudienceAdmin, Priority: 20},
			},
			"duplicate_payment": {
				{EventType: "admin_duplicate_payment", Template: "admin_duplicate_payment", Audience: config.AudienceAdmin, Priority: 5, PerReference: true},
			},
		},
	}
}

func testCatalog() *config.Catalog {
	return &config.Catalog{Templates: map[string]config.TemplateSpec{
		"order_confirmed":         {Subject: "Order {{ order_number }} confirmed", Body: "Hi {{customer_name}}, we got {{ total_display }}."},
		"admin_order_paid":        {Subject: "Paid {{ order_number }}", Body: "ref {{ reference }}"},
		"admin_duplicate_payment": {Subject: "Dup {{ order_number }}", Body: "ref {{ reference }}"},
		"plain":                   {Subject: "s", Body: "b"},
	}}
}

type harness struct {
	clock        *clock
	queue        *memQueue
	suppressions *memSuppressions
	transport    *fakeTransport
	alerts       *fakeAlerts
	limiter      *fakeLimiter
	enqueuer     *Enqueuer
	dispatcher   *Dispatcher
}

func newHarness() *harness {
	c := newClock()
	h := &harness{
		clock:        c,
		queue:        newMemQueue(c.Now),
		suppressions: newMemSuppressions(),
		transport:    &fakeTransport{},
		alerts:       &fakeAlerts{},
		limiter: &fakeLimiter{AllowFn: func(ctx context.Context, recipient string) (bool, string, time.Time, error) {
			return true, "", time.Time{}, nil
		}},
	}
	settings := config.NewStatic(testSettings())
	h.enqueuer = NewEnqueuer(quietLogger(), h.queue, settings)
	h.enqueuer.now = c.Now

	gate := NewGate(h.suppressions, h.limiter)
	gate.now = c.Now
	supp := NewSuppressions(quietLogger(), h.suppressions, settings)
	supp.now = c.Now
	h.dispatcher = NewDispatcher(quietLogger(), h.queue, gate, NewRenderer(testCatalog()), h.transport, supp, settings, "w1",
		WithBatchSize(10), WithAlerts(h.alerts), WithSendTimeout(time.Second))
	h.dispatcher.now = c.Now
	return h
}

func (h *harness) enqueue(recipient, template string) domain.Event {
	e, _, err := h.enqueuer.Enqueue(context.Background(), domain.Request{
		OrderID: "o1", EventType: template, Recipient: recipient, TemplateKey: template,
		Variables: map[string]string{"order_number": "ORD-1"},
	})
	if err != nil {
		panic(err)
	}
	return e
}
