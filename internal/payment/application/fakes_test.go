package application

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	orderdomain "github.com/dmehra2102/payment-reconciliation/internal/order/domain"
	"github.com/dmehra2102/payment-reconciliation/internal/payment/domain"
	"github.com/dmehra2102/payment-reconciliation/pkg/outbox"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memLedger serializes WithOrderLock per order the way the advisory lock does.
type memLedger struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	orders   map[string]orderdomain.Order
	txs      map[string]domain.Transaction
	audits   []orderdomain.AuditEntry
	events   []outbox.Event
	orphans  []domain.Transaction
	lockErr  error
	findHook func()
}

func newMemLedger(orders ...orderdomain.Order) *memLedger {
	l := &memLedger{
		locks:  map[string]*sync.Mutex{},
		orders: map[string]orderdomain.Order{},
		txs:    map[string]domain.Transaction{},
	}
	for _, o := range orders {
		l.orders[o.ID] = o
	}
	return l
}

func (l *memLedger) FindOrder(ctx context.Context, orderID string) (orderdomain.Order, error) {
	if l.findHook != nil {
		l.findHook()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[orderID]
	if !ok {
		return orderdomain.Order{}, orderdomain.ErrNotFound
	}
	return o, nil
}

func (l *memLedger) FindOrderByReference(ctx context.Context, reference string) (orderdomain.Order, error) {
	l.mu.Lock()
	t, ok := l.txs[strings.ToLower(reference)]
	l.mu.Unlock()
	if !ok || t.OrderID == nil {
		return orderdomain.Order{}, orderdomain.ErrNotFound
	}
	return l.FindOrder(ctx, *t.OrderID)
}

func (l *memLedger) RecordOrphan(ctx context.Context, t domain.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orphans = append(l.orphans, t)
	return nil
}

func (l *memLedger) WithOrderLock(ctx context.Context, orderID string, fn func(tx LedgerTx) error) error {
	if l.lockErr != nil {
		return l.lockErr
	}
	l.mu.Lock()
	m, ok := l.locks[orderID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[orderID] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(memTx{l: l})
}

func (l *memLedger) order(id string) orderdomain.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.orders[id]
}

func (l *memLedger) tx(reference string) (domain.Transaction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.txs[strings.ToLower(reference)]
	return t, ok
}

func (l *memLedger) eventTypes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

type memTx struct{ l *memLedger }

func (t memTx) LoadOrder(ctx context.Context, orderID string) (orderdomain.Order, error) {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	o, ok := t.l.orders[orderID]
	if !ok {
		return orderdomain.Order{}, orderdomain.ErrNotFound
	}
	return o, nil
}

func (t memTx) SetPaymentStatus(ctx context.Context, orderID string, to orderdomain.PaymentStatus, reference string) (bool, error) {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	o := t.l.orders[orderID]
	if o.PaymentStatus != orderdomain.PaymentPending {
		return false, nil
	}
	o.PaymentStatus = to
	if reference != "" {
		o.PaymentReference = &reference
	}
	t.l.orders[orderID] = o
	return true, nil
}

func (t memTx) SetStatus(ctx context.Context, orderID string, from, to orderdomain.OrderStatus) (bool, error) {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	o := t.l.orders[orderID]
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	t.l.orders[orderID] = o
	return true, nil
}

func (t memTx) UpsertTransaction(ctx context.Context, tr domain.Transaction) error {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	key := strings.ToLower(tr.Reference)
	if tr.Status == domain.TxSuccess && tr.OrderID != nil {
		for k, other := range t.l.txs {
			if k != key && other.Status == domain.TxSuccess && other.OrderID != nil && *other.OrderID == *tr.OrderID {
				return orderdomain.ErrConflict
			}
		}
	}
	if prev, ok := t.l.txs[key]; ok {
		tr.ID = prev.ID
	}
	t.l.txs[key] = tr
	return nil
}

func (t memTx) SupersedePending(ctx context.Context, orderID, keepReference string) (int, error) {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	n := 0
	for k, tr := range t.l.txs {
		if tr.OrderID != nil && *tr.OrderID == orderID && tr.Status == domain.TxPending && !strings.EqualFold(tr.Reference, keepReference) {
			tr.Status = domain.TxSuperseded
			t.l.txs[k] = tr
			n++
		}
	}
	return n, nil
}

func (t memTx) InsertAudit(ctx context.Context, a orderdomain.AuditEntry) error {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	t.l.audits = append(t.l.audits, a)
	return nil
}

func (t memTx) AppendOutbox(ctx context.Context, ev outbox.Event) error {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	t.l.events = append(t.l.events, ev)
	return nil
}

type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	VerifyFn func(ctx context.Context, reference string) (domain.NormalizedVerification, error)
}

func (p *fakeProvider) Verify(ctx context.Context, reference string) (domain.NormalizedVerification, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.VerifyFn(ctx, reference)
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type enqueueCall struct {
	Trigger string
	OrderID string
	Extra   map[string]string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []enqueueCall
	err   error
}

func (n *fakeNotifier) EnqueuePlan(ctx context.Context, trigger string, o orderdomain.Order, extra map[string]string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, enqueueCall{Trigger: trigger, OrderID: o.ID, Extra: extra})
	if n.err != nil {
		return 0, n.err
	}
	return 1, nil
}

func (n *fakeNotifier) triggers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, c := range n.calls {
		out = append(out, c.Trigger)
	}
	return out
}
