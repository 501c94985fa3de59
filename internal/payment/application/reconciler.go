package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	orderdomain "github.com/dmehra2102/payment-reconciliation/internal/order/domain"
	"github.com/dmehra2102/payment-reconciliation/internal/payment/domain"
	"github.com/dmehra2102/payment-reconciliation/pkg/metrics"
	"github.com/dmehra2102/payment-reconciliation/pkg/outbox"
)

const (
	TriggerPaymentConfirmed = "payment_confirmed"
	TriggerPaymentFailed    = "payment_failed"
	TriggerClosedOrder      = "payment_on_closed_order"
	TriggerDuplicatePayment = "duplicate_payment"
	TriggerPaymentMismatch  = "payment_mismatch"

	providerName = "paystack"
)

type ReconcileRequest struct {
	OrderID   string
	Reference string
	Source    domain.Source
	// Raw is the inbound payload, kept on orphaned transactions.
	Raw []byte
	// Renotify re-runs the notification plan for an already paid order.
	// Dedupe keys make it safe to repeat.
	Renotify bool
}

type Result struct {
	OrderID       string
	OrderNumber   string
	Reference     string
	Outcome       domain.Outcome
	PaymentStatus orderdomain.PaymentStatus
	Status        orderdomain.OrderStatus
	Enqueued      int
}

type Reconciler struct {
	log      *slog.Logger
	ledger   Ledger
	verifier *Verifier
	notifier Notifier
	tracer   trace.Tracer
}

func NewReconciler(log *slog.Logger, ledger Ledger, verifier *Verifier, notifier Notifier) *Reconciler {
	return &Reconciler{
		log:      log,
		ledger:   ledger,
		verifier: verifier,
		notifier: notifier,
		tracer:   otel.Tracer("payment-reconciler"),
	}
}

// Reconcile verifies reference with the provider and applies the result to
// the order. Repeated or concurrent calls for the same payment converge on a
// single transition.
func (r *Reconciler) Reconcile(ctx context.Context, req ReconcileRequest) (Result, error) {
	req.Reference = strings.TrimSpace(req.Reference)
	if req.Reference == "" {
		return Result{}, fmt.Errorf("%w: reference is required", domain.ErrValidation)
	}
	ctx, span := r.tracer.Start(ctx, "Reconcile", trace.WithAttributes(
		attribute.String("payment.reference", req.Reference),
		attribute.String("payment.source", string(req.Source)),
	))
	defer span.End()

	o, err := r.resolve(ctx, req)
	if err != nil {
		r.count(req.Source, "not_found")
		return Result{}, err
	}
	span.SetAttributes(attribute.String("order.id", o.ID))

	if o.PaymentStatus == orderdomain.PaymentPaid && strings.EqualFold(o.Reference(), req.Reference) {
		res := resultFor(o, req.Reference, domain.OutcomeNoop)
		if req.Renotify {
			res.Enqueued = r.enqueue(ctx, TriggerPaymentConfirmed, o, map[string]string{"reference": req.Reference})
		}
		r.count(req.Source, string(domain.OutcomeNoop))
		return res, nil
	}

	v, err := r.verifier.Verify(ctx, req.Reference)
	if err != nil {
		r.count(req.Source, "verify_error")
		return resultFor(o, req.Reference, ""), err
	}
	return r.Apply(ctx, o.ID, req.Source, v)
}

// Apply runs the transition for an already verified result under the order lock.
func (r *Reconciler) Apply(ctx context.Context, orderID string, source domain.Source, v domain.NormalizedVerification) (Result, error) {
	var (
		diff  domain.Diff
		after orderdomain.Order
	)
	err := r.ledger.WithOrderLock(ctx, orderID, func(tx LedgerTx) error {
		o, err := tx.LoadOrder(ctx, orderID)
		if err != nil {
			return err
		}
		diff, err = domain.Transition(o, v)
		if err != nil {
			return err
		}
		after, err = r.write(ctx, tx, o, diff, source, v)
		return err
	})
	if err != nil {
		if errors.Is(err, orderdomain.ErrNotFound) {
			err = fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
		}
		r.count(source, "error")
		return Result{}, err
	}

	res := resultFor(after, v.Reference, diff.Outcome)
	r.count(source, string(diff.Outcome))
	r.log.Info("payment reconciled", "order_id", after.ID, "reference", v.Reference,
		"outcome", diff.Outcome, "source", source, "payment_status", after.PaymentStatus, "status", after.Status)

	switch diff.Outcome {
	case domain.OutcomePaid:
		trigger := TriggerPaymentConfirmed
		if diff.ClosedOrder {
			trigger = TriggerClosedOrder
		}
		res.Enqueued = r.enqueue(ctx, trigger, after, map[string]string{"reference": v.Reference})
	case domain.OutcomeFailed:
		res.Enqueued = r.enqueue(ctx, TriggerPaymentFailed, after, map[string]string{"reference": v.Reference})
	case domain.OutcomeDuplicate, domain.OutcomeRejected:
		r.log.Warn("payment settled on an order that cannot take it", "order_id", after.ID,
			"reference", v.Reference, "outcome", diff.Outcome, "reason", diff.FailureReason)
		res.Enqueued = r.enqueue(ctx, TriggerDuplicatePayment, after, map[string]string{
			"reference": v.Reference, "reason": diff.FailureReason,
		})
	case domain.OutcomeMismatch:
		mm := diff.Mismatch
		metrics.SecurityIncidentsTotal.WithLabelValues(mm.Kind).Inc()
		r.log.Error("payment amount mismatch", "security_incident", true, "order_id", after.ID,
			"reference", v.Reference, "source", source, "kind", mm.Kind,
			"expected_minor", mm.ExpectedMinor, "reported_minor", mm.ReportedMinor,
			"expected_currency", mm.ExpectedCurrency, "reported_currency", mm.ReportedCurrency)
		res.Enqueued = r.enqueue(ctx, TriggerPaymentMismatch, after, map[string]string{
			"reference": v.Reference,
			"reported":  orderdomain.FormatMinor(mm.ReportedMinor, mm.ReportedCurrency),
		})
		return res, mm
	case domain.OutcomePending:
		return res, domain.ErrPaymentPending
	}
	return res, nil
}

// write persists diff inside the locked transaction and returns the order as
// it is after commit.
func (r *Reconciler) write(ctx context.Context, tx LedgerTx, o orderdomain.Order, diff domain.Diff, source domain.Source, v domain.NormalizedVerification) (orderdomain.Order, error) {
	orderID := o.ID
	t := domain.Transaction{
		ID:            uuid.NewString(),
		OrderID:       &orderID,
		Provider:      providerName,
		Reference:     v.Reference,
		AmountMinor:   v.AmountMinor,
		Currency:      strings.ToUpper(v.Currency),
		Status:        diff.TxStatus,
		FailureReason: diff.FailureReason,
		Raw:           v.Raw,
	}
	if err := tx.UpsertTransaction(ctx, t); err != nil {
		return o, err
	}

	actor := "reconciler:" + string(source)
	var (
		audit orderdomain.AuditEntry
		ev    outbox.Event
		err   error
	)
	switch diff.Outcome {
	case domain.OutcomeNoop, domain.OutcomePending:
		return o, nil

	case domain.OutcomePaid:
		ok, serr := tx.SetPaymentStatus(ctx, o.ID, orderdomain.PaymentPaid, v.Reference)
		if serr != nil {
			return o, serr
		}
		if !ok {
			return o, fmt.Errorf("%w: payment status of %s changed under lock", orderdomain.ErrConflict, o.ID)
		}
		ref := v.Reference
		o.PaymentStatus = orderdomain.PaymentPaid
		o.PaymentReference = &ref
		if diff.Status != nil {
			if _, err := tx.SetStatus(ctx, o.ID, o.Status, *diff.Status); err != nil {
				return o, err
			}
			o.Status = *diff.Status
		}
		if _, err := tx.SupersedePending(ctx, o.ID, v.Reference); err != nil {
			return o, err
		}
		detail := "amount=" + strconv.FormatInt(v.AmountMinor, 10) + " " + t.Currency
		if diff.ClosedOrder {
			detail += " closed_order"
		}
		audit = orderdomain.NewAudit(o.ID, actor, "payment_confirmed", string(orderdomain.PaymentPending), string(orderdomain.PaymentPaid), detail)
		ev, err = outbox.NewEvent(ctx, "payment", o.ID, "PaymentConfirmed", domain.PaymentConfirmed{
			OrderID: o.ID, OrderNumber: o.Number, Reference: v.Reference,
			AmountMinor: v.AmountMinor, Currency: t.Currency, Source: source,
		}, map[string]string{"source": string(source)})

	case domain.OutcomeFailed:
		ok, serr := tx.SetPaymentStatus(ctx, o.ID, orderdomain.PaymentFailed, "")
		if serr != nil {
			return o, serr
		}
		if !ok {
			return o, fmt.Errorf("%w: payment status of %s changed under lock", orderdomain.ErrConflict, o.ID)
		}
		o.PaymentStatus = orderdomain.PaymentFailed
		audit = orderdomain.NewAudit(o.ID, actor, "payment_failed", string(orderdomain.PaymentPending), string(orderdomain.PaymentFailed), v.Reference)
		ev, err = outbox.NewEvent(ctx, "payment", o.ID, "PaymentFailed", domain.PaymentFailed{
			OrderID: o.ID, Reference: v.Reference, Reason: diff.FailureReason,
		}, map[string]string{"source": string(source)})

	case domain.OutcomeMismatch:
		mm := diff.Mismatch
		audit = orderdomain.NewAudit(o.ID, actor, "payment_mismatch", "", "", mm.Error())
		ev, err = outbox.NewEvent(ctx, "payment", o.ID, "SecurityIncident", domain.SecurityIncident{
			Kind: mm.Kind, OrderID: o.ID, Reference: v.Reference,
			ExpectedMinor: mm.ExpectedMinor, ReportedMinor: mm.ReportedMinor,
			ExpectedCurrency: mm.ExpectedCurrency, ReportedCurrency: mm.ReportedCurrency,
			Source: source,
		}, map[string]string{"source": string(source), "severity": "high"})

	case domain.OutcomeAbandoned:
		audit = orderdomain.NewAudit(o.ID, actor, "payment_abandoned", "", "", v.Reference)
		return o, tx.InsertAudit(ctx, audit)

	case domain.OutcomeDuplicate, domain.OutcomeRejected:
		audit = orderdomain.NewAudit(o.ID, actor, "payment_"+string(diff.Outcome), "", "", v.Reference+": "+diff.FailureReason)
		ev, err = outbox.NewEvent(ctx, "payment", o.ID, "PaymentAnomaly", domain.PaymentAnomaly{
			OrderID: o.ID, Reference: v.Reference, Outcome: diff.Outcome, Reason: diff.FailureReason,
		}, map[string]string{"source": string(source)})

	default:
		return o, fmt.Errorf("%w: unhandled outcome %q", domain.ErrValidation, string(diff.Outcome))
	}
	if err != nil {
		return o, err
	}
	if err := tx.InsertAudit(ctx, audit); err != nil {
		return o, err
	}
	return o, tx.AppendOutbox(ctx, ev)
}

// resolve finds the order by id, else by the transaction reference. A webhook
// for an unknown reference is kept as an orphaned transaction.
func (r *Reconciler) resolve(ctx context.Context, req ReconcileRequest) (orderdomain.Order, error) {
	var (
		o   orderdomain.Order
		err error
	)
	if req.OrderID != "" {
		o, err = r.ledger.FindOrder(ctx, req.OrderID)
	} else {
		o, err = r.ledger.FindOrderByReference(ctx, req.Reference)
	}
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, orderdomain.ErrNotFound) && !errors.Is(err, domain.ErrOrderNotFound) {
		return o, err
	}

	if req.OrderID == "" && req.Source == domain.SourceWebhook {
		orphan := domain.Transaction{
			ID:        uuid.NewString(),
			Provider:  providerName,
			Reference: req.Reference,
			Status:    domain.TxOrphaned,
			Raw:       req.Raw,
		}
		if oerr := r.ledger.RecordOrphan(ctx, orphan); oerr != nil {
			r.log.Error("record orphan transaction failed", "reference", req.Reference, "err", oerr)
		} else {
			r.log.Warn("orphaned payment reference", "reference", req.Reference)
		}
	}
	return o, fmt.Errorf("%w: reference %s", domain.ErrOrderNotFound, req.Reference)
}

// InitializePayment opens a new pending attempt priced at the order's current
// total and supersedes earlier pending attempts.
func (r *Reconciler) InitializePayment(ctx context.Context, orderID string) (domain.Transaction, error) {
	var t domain.Transaction
	err := r.ledger.WithOrderLock(ctx, orderID, func(tx LedgerTx) error {
		o, err := tx.LoadOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.PaymentStatus != orderdomain.PaymentPending {
			return fmt.Errorf("%w: %s", domain.ErrPaymentClosed, o.PaymentStatus)
		}
		if _, err := tx.SupersedePending(ctx, o.ID, ""); err != nil {
			return err
		}
		id := o.ID
		t = domain.Transaction{
			ID:          uuid.NewString(),
			OrderID:     &id,
			Provider:    providerName,
			Reference:   NewReference(o.Number),
			AmountMinor: o.TotalMinor,
			Currency:    o.Currency,
			Status:      domain.TxPending,
		}
		if err := tx.UpsertTransaction(ctx, t); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, orderdomain.NewAudit(o.ID, "checkout", "payment_initialized", "", t.Reference,
			"amount="+strconv.FormatInt(t.AmountMinor, 10)))
	})
	if errors.Is(err, orderdomain.ErrNotFound) {
		return domain.Transaction{}, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return domain.Transaction{}, err
	}
	r.log.Info("payment initialized", "order_id", orderID, "reference", t.Reference, "amount_minor", t.AmountMinor)
	return t, nil
}

// NewReference returns a provider reference such as ORD-20261019-4F2A9C-1a2b3c4d.
func NewReference(orderNumber string) string {
	return orderNumber + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (r *Reconciler) enqueue(ctx context.Context, trigger string, o orderdomain.Order, extra map[string]string) int {
	if r.notifier == nil {
		return 0
	}
	n, err := r.notifier.EnqueuePlan(ctx, trigger, o, extra)
	if err != nil {
		// the transition is committed; ops can heal with reconcile --renotify
		r.log.Error("notification enqueue failed", "order_id", o.ID, "trigger", trigger, "err", err)
		return n
	}
	return n
}

func (r *Reconciler) count(source domain.Source, outcome string) {
	metrics.ReconcileTotal.WithLabelValues(string(source), outcome).Inc()
}

func resultFor(o orderdomain.Order, reference string, outcome domain.Outcome) Result {
	return Result{
		OrderID:       o.ID,
		OrderNumber:   o.Number,
		Reference:     reference,
		Outcome:       outcome,
		PaymentStatus: o.PaymentStatus,
		Status:        o.Status,
	}
}
