package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dmehra2102/payment-reconciliation/internal/config"
	"github.com/dmehra2102/payment-reconciliation/internal/notification/domain"
	orderdomain "github.com/dmehra2102/payment-reconciliation/internal/order/domain"
	"github.com/dmehra2102/payment-reconciliation/pkg/idempotency"
	"github.com/dmehra2102/payment-reconciliation/pkg/metrics"
)

// Enqueuer is the only producer of notification events. The dedupe key
// constraint decides whether a request is new; there is no locking here.
type Enqueuer struct {
	log      *slog.Logger
	queue    Queue
	settings config.Provider
	now      func() time.Time
}

func NewEnqueuer(log *slog.Logger, queue Queue, settings config.Provider) *Enqueuer {
	return &Enqueuer{log: log, queue: queue, settings: settings, now: time.Now}
}

func (e *Enqueuer) Enqueue(ctx context.Context, req domain.Request) (domain.Event, bool, error) {
	recipient := idempotency.NormalizeRecipient(req.Recipient)
	if recipient == "" || strings.TrimSpace(req.EventType) == "" || strings.TrimSpace(req.TemplateKey) == "" {
		return domain.Event{}, false, fmt.Errorf("%w: recipient, event type and template are required", domain.ErrValidation)
	}

	var key string
	if req.Salt != "" {
		e.log.Debug("notification dedupe scoped by salt", "order_id", req.OrderID, "event_type", req.EventType, "salt", req.Salt)
		key = idempotency.KeyWithSalt(req.OrderID, req.EventType, recipient, req.TemplateKey, req.Salt)
	} else {
		key = idempotency.Key(req.OrderID, req.EventType, recipient, req.TemplateKey)
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.settings.Settings().Retry.MaxRetries
	}
	ev := domain.Event{
		OrderID:       req.OrderID,
		EventType:     req.EventType,
		Recipient:     recipient,
		TemplateKey:   req.TemplateKey,
		Variables:     req.Variables,
		DedupeKey:     key,
		Status:        domain.StatusQueued,
		Priority:      req.Priority,
		MaxRetries:    maxRetries,
		NextAttemptAt: e.now().UTC(),
	}
	stored, created, err := e.queue.Insert(ctx, ev)
	if err != nil {
		return domain.Event{}, false, err
	}
	result := "created"
	if !created {
		result = "duplicate"
	}
	metrics.NotificationsEnqueuedTotal.WithLabelValues(req.EventType, result).Inc()
	return stored, created, nil
}

// EnqueueOneOff enqueues a notification that has no natural dedupe
// dimension. Each call produces a new event.
func (e *Enqueuer) EnqueueOneOff(ctx context.Context, req domain.Request) (domain.Event, error) {
	req.Salt = idempotency.NewSalt()
	e.log.Info("notification dedupe opted out", "event_type", req.EventType, "recipient", req.Recipient, "salt", req.Salt)
	ev, _, err := e.Enqueue(ctx, req)
	return ev, err
}

// EnqueuePlan expands the configured plan for trigger against o and returns
// how many events were newly created. Duplicates are not errors.
func (e *Enqueuer) EnqueuePlan(ctx context.Context, trigger string, o orderdomain.Order, extra map[string]string) (int, error) {
	s := e.settings.Settings()
	plan := s.Plan(trigger)
	if len(plan) == 0 {
		e.log.Debug("no notification plan", "trigger", trigger, "order_id", o.ID)
		return 0, nil
	}

	vars := OrderVariables(o, extra)
	created := 0
	var errs []error
	for _, entry := range plan {
		var recipients []string
		switch entry.Audience {
		case config.AudienceCustomer:
			recipients = []string{o.CustomerEmail}
		case config.AudienceAdmin:
			recipients = s.AdminRecipients
		default:
			errs = append(errs, fmt.Errorf("%w: plan %s has unknown audience %q", domain.ErrValidation, trigger, entry.Audience))
			continue
		}

		var salt string
		if entry.PerReference {
			salt = vars["reference"]
		}
		for _, to := range recipients {
			if strings.TrimSpace(to) == "" {
				continue
			}
			_, ok, err := e.Enqueue(ctx, domain.Request{
				OrderID:     o.ID,
				EventType:   entry.EventType,
				Recipient:   to,
				TemplateKey: entry.Template,
				Variables:   vars,
				Priority:    entry.Priority,
				MaxRetries:  s.Retry.MaxRetries,
				Salt:        salt,
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("%s to %s: %w", entry.EventType, to, err))
				continue
			}
			if ok {
				created++
			}
		}
	}
	if created > 0 {
		e.log.Info("notifications enqueued", "trigger", trigger, "order_id", o.ID, "created", created)
	}
	return created, errors.Join(errs...)
}

// OrderVariables is the template payload for an order; extra wins on conflict.
func OrderVariables(o orderdomain.Order, extra map[string]string) map[string]string {
	vars := map[string]string{
		"order_id":       o.ID,
		"order_number":   o.Number,
		"customer_name":  o.CustomerName,
		"customer_email": o.CustomerEmail,
		"total_minor":    strconv.FormatInt(o.TotalMinor, 10),
		"total_display":  orderdomain.FormatMinor(o.TotalMinor, o.Currency),
		"currency":       o.Currency,
		"status":         string(o.Status),
		"payment_status": string(o.PaymentStatus),
	}
	if ref := o.Reference(); ref != "" {
		vars["reference"] = ref
	}
	for k, v := range extra {
		vars[k] = v
	}
	return vars
}
