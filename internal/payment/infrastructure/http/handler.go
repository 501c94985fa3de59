package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	orderdomain "github.com/dmehra2102/payment-reconciliation/internal/order/domain"
	"github.com/dmehra2102/payment-reconciliation/internal/payment/application"
	"github.com/dmehra2102/payment-reconciliation/internal/payment/domain"
	"github.com/dmehra2102/payment-reconciliation/internal/payment/infrastructure/provider"
	"github.com/dmehra2102/payment-reconciliation/pkg/metrics"
)

const maxWebhookBody = 1 << 20

type Reconciler interface {
	Reconcile(ctx context.Context, req application.ReconcileRequest) (application.Result, error)
	InitializePayment(ctx context.Context, orderID string) (domain.Transaction, error)
}

// SeenStore short-circuits webhook redeliveries. It is advisory: the ledger
// stays correct without it.
type SeenStore interface {
	WebhookKey(provider, event, reference string) string
	Peek(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

type Handler struct {
	log        *slog.Logger
	reconciler Reconciler
	seen       SeenStore
	secret     string
	tracer     trace.Tracer
}

func NewHandler(log *slog.Logger, reconciler Reconciler, seen SeenStore, secret string) *Handler {
	return &Handler{
		log:        log,
		reconciler: reconciler,
		seen:       seen,
		secret:     secret,
		tracer:     otel.Tracer("payment-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/webhooks/paystack", h.webhook)
	r.Get("/payments/callback", h.callback)
	r.Post("/orders/{id}/payments", h.initialize)
}

type webhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string          `json:"reference"`
		Metadata  json.RawMessage `json:"metadata"`
	} `json:"data"`
}

// orderID reads metadata.order_id; providers send metadata as an object or
// as an empty string.
func (e webhookEvent) orderID() string {
	m := bytes.TrimSpace(e.Data.Metadata)
	if len(m) == 0 || m[0] != '{' {
		return ""
	}
	var meta struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(m, &meta); err != nil {
		return ""
	}
	return strings.TrimSpace(meta.OrderID)
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PaystackWebhook")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.webhookReply(w, r, "unknown", http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	if err := provider.VerifySignature(h.secret, body, r.Header.Get(provider.SignatureHeader)); err != nil {
		h.log.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		h.webhookReply(w, r, "unknown", http.StatusUnauthorized, "invalid signature")
		return
	}

	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.webhookReply(w, r, "unknown", http.StatusBadRequest, "invalid body")
		return
	}
	span.SetAttributes(attribute.String("webhook.event", ev.Event))
	switch ev.Event {
	case "charge.success", "charge.failed":
	default:
		h.webhookReply(w, r, ev.Event, http.StatusOK, "ignored")
		return
	}
	ref := strings.TrimSpace(ev.Data.Reference)
	if ref == "" {
		h.webhookReply(w, r, ev.Event, http.StatusBadRequest, "missing reference")
		return
	}
	span.SetAttributes(attribute.String("payment.reference", ref))

	var key string
	if h.seen != nil {
		key = h.seen.WebhookKey("paystack", ev.Event, ref)
		if seen, err := h.seen.Peek(ctx, key); err != nil {
			h.log.Warn("webhook seen-store unavailable", "err", err)
		} else if seen {
			h.webhookReply(w, r, ev.Event, http.StatusOK, "duplicate")
			return
		}
	}

	res, err := h.reconciler.Reconcile(ctx, application.ReconcileRequest{
		OrderID:   ev.orderID(),
		Reference: ref,
		Source:    domain.SourceWebhook,
		Raw:       body,
	})
	switch {
	case err == nil:
		if key != "" {
			if err := h.seen.Mark(ctx, key); err != nil {
				h.log.Warn("webhook mark seen failed", "reference", ref, "err", err)
			}
		}
		h.webhookReply(w, r, ev.Event, http.StatusOK, string(res.Outcome))
	case errors.Is(err, domain.ErrOrderNotFound):
		// recorded as orphaned; a redelivery cannot resolve it
		h.webhookReply(w, r, ev.Event, http.StatusOK, "orphaned")
	default:
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("webhook reconcile failed", "reference", ref, "err", err)
		}
		h.webhookReply(w, r, ev.Event, status, http.StatusText(status))
	}
}

func (h *Handler) webhookReply(w http.ResponseWriter, r *http.Request, event string, status int, msg string) {
	metrics.WebhooksTotal.WithLabelValues(event, strconv.Itoa(status)).Inc()
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"result": msg})
}

type callbackResp struct {
	Status      string `json:"status"`
	OrderID     string `json:"order_id,omitempty"`
	OrderNumber string `json:"order_number,omitempty"`
	Reference   string `json:"reference"`
}

// callback answers the customer's browser after the provider redirect. Raw
// provider errors never reach the response.
func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PaymentCallback")
	defer span.End()

	q := r.URL.Query()
	ref := strings.TrimSpace(q.Get("reference"))
	if ref == "" {
		ref = strings.TrimSpace(q.Get("trxref"))
	}
	if ref == "" {
		http.Error(w, "missing reference", http.StatusBadRequest)
		return
	}

	res, err := h.reconciler.Reconcile(ctx, application.ReconcileRequest{
		OrderID:   strings.TrimSpace(q.Get("order_id")),
		Reference: ref,
		Source:    domain.SourceCallback,
	})
	out := callbackResp{OrderID: res.OrderID, OrderNumber: res.OrderNumber, Reference: ref}
	switch {
	case err == nil && res.PaymentStatus == orderdomain.PaymentPaid:
		out.Status = "paid"
	case err == nil:
		out.Status = "failed"
	case domain.Retryable(err):
		out.Status = "verifying"
	case errors.Is(err, domain.ErrAmountMismatch), errors.Is(err, domain.ErrCurrencyMismatch):
		out.Status = "failed"
	default:
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("callback reconcile failed", "reference", ref, "err", err)
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	render.JSON(w, r, out)
}

type initResp struct {
	OrderID     string `json:"order_id"`
	Reference   string `json:"reference"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

func (h *Handler) initialize(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "InitializePayment")
	defer span.End()

	t, err := h.reconciler.InitializePayment(ctx, chi.URLParam(r, "id"))
	if err != nil {
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("initialize payment failed", "order_id", chi.URLParam(r, "id"), "err", err)
			http.Error(w, http.StatusText(status), status)
			return
		}
		http.Error(w, err.Error(), status)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, initResp{OrderID: *t.OrderID, Reference: t.Reference, AmountMinor: t.AmountMinor, Currency: t.Currency})
}

func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrAmountMismatch),
		errors.Is(err, domain.ErrCurrencyMismatch),
		errors.Is(err, domain.ErrReferenceRejected):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPaymentClosed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrProviderUnavailable),
		errors.Is(err, domain.ErrLockContention),
		errors.Is(err, domain.ErrPaymentPending),
		errors.Is(err, orderdomain.ErrConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
