package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/payment-reconciliation/internal/order/application"
	"github.com/dmehra2102/payment-reconciliation/internal/order/domain"
)

type Handler struct {
	log     *slog.Logger
	service *application.Service
	tracer  trace.Tracer
}

func NewHandler(log *slog.Logger, service *application.Service) *Handler {
	return &Handler{
		log:     log,
		service: service,
		tracer:  otel.Tracer("order-http"),
	}
}

type itemReq struct {
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
}

type createOrderReq struct {
	CustomerName  string    `json:"customer_name"`
	CustomerEmail string    `json:"customer_email"`
	Items         []itemReq `json:"items"`
	FeesMinor     int64     `json:"fees_minor"`
	DiscountMinor int64     `json:"discount_minor"`
	Currency      string    `json:"currency"`
}

type statusReq struct {
	Status string `json:"status"`
}

type recomputeReq struct {
	FeesMinor     int64 `json:"fees_minor"`
	DiscountMinor int64 `json:"discount_minor"`
}

type orderResp struct {
	ID               string    `json:"id"`
	Number           string    `json:"order_number"`
	CustomerName     string    `json:"customer_name"`
	CustomerEmail    string    `json:"customer_email"`
	Items            []itemReq `json:"items,omitempty"`
	SubtotalMinor    int64     `json:"subtotal_minor"`
	FeesMinor        int64     `json:"fees_minor"`
	DiscountMinor    int64     `json:"discount_minor"`
	TotalMinor       int64     `json:"total_minor"`
	TotalDisplay     string    `json:"total_display"`
	Currency         string    `json:"currency"`
	Status           string    `json:"status"`
	PaymentStatus    string    `json:"payment_status"`
	PaymentReference string    `json:"payment_reference,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Register adds the order routes to r, which may be shared with other handlers.
func (h *Handler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/audit", h.getAudit)
	r.Patch("/orders/{id}/status", h.updateStatus)
	r.Post("/orders/{id}/recompute", h.recompute)
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateOrder")
	defer span.End()

	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, domain.OrderItem{SKU: it.SKU, Name: it.Name, Quantity: it.Quantity, UnitPriceMinor: it.UnitPriceMinor})
	}
	o, err := h.service.CreateOrder(ctx, application.CreateOrder{
		Customer:      domain.Customer{Name: req.CustomerName, Email: req.CustomerEmail},
		Items:         items,
		FeesMinor:     req.FeesMinor,
		DiscountMinor: req.DiscountMinor,
		Currency:      req.Currency,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("order.id", o.ID))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toResp(o))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetOrder")
	defer span.End()

	o, err := h.service.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, toResp(o))
}

func (h *Handler) getAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.Audit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, a := range entries {
		out = append(out, map[string]any{
			"actor": a.Actor, "action": a.Action, "from": a.From, "to": a.To, "detail": a.Detail, "at": a.At,
		})
	}
	render.JSON(w, r, out)
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "UpdateOrderStatus")
	defer span.End()

	var req statusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	to, err := domain.ParseStatus(req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	o, err := h.service.UpdateFulfillment(ctx, chi.URLParam(r, "id"), to, actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, toResp(o))
}

func (h *Handler) recompute(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RecomputeTotal")
	defer span.End()

	var req recomputeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	o, err := h.service.RecomputeTotal(ctx, chi.URLParam(r, "id"), req.FeesMinor, req.DiscountMinor, actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, toResp(o))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("order request failed", "path", r.URL.Path, "err", err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	http.Error(w, err.Error(), status)
}

func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrPaymentSettled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// actor identifies the admin; authentication sits in front of this service.
func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return "admin"
}

func toResp(o domain.Order) orderResp {
	items := make([]itemReq, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, itemReq{SKU: it.SKU, Name: it.Name, Quantity: it.Quantity, UnitPriceMinor: it.UnitPriceMinor})
	}
	return orderResp{
		ID:               o.ID,
		Number:           o.Number,
		CustomerName:     o.CustomerName,
		CustomerEmail:    o.CustomerEmail,
		Items:            items,
		SubtotalMinor:    o.SubtotalMinor,
		FeesMinor:        o.FeesMinor,
		DiscountMinor:    o.DiscountMinor,
		TotalMinor:       o.TotalMinor,
		TotalDisplay:     domain.FormatMinor(o.TotalMinor, o.Currency),
		Currency:         o.Currency,
		Status:           string(o.Status),
		PaymentStatus:    string(o.PaymentStatus),
		PaymentReference: o.Reference(),
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}
