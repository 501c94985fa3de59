package application

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dmehra2102/payment-reconciliation/internal/order/domain"
	"github.com/dmehra2102/payment-reconciliation/pkg/outbox"
)

type Service struct {
	log      *slog.Logger
	repo     OrderRepository
	notifier Notifier
}

func NewService(log *slog.Logger, repo OrderRepository, notifier Notifier) *Service {
	return &Service{log: log, repo: repo, notifier: notifier}
}

type CreateOrder struct {
	Customer      domain.Customer
	Items         []domain.OrderItem
	FeesMinor     int64
	DiscountMinor int64
	Currency      string
}

func (s *Service) CreateOrder(ctx context.Context, req CreateOrder) (domain.Order, error) {
	o, err := domain.NewOrder(req.Customer, req.Items, req.FeesMinor, req.DiscountMinor, req.Currency)
	if err != nil {
		return domain.Order{}, err
	}
	audit := domain.NewAudit(o.ID, "checkout", "created", "", string(o.Status), "total="+strconv.FormatInt(o.TotalMinor, 10))
	if err := s.repo.Create(ctx, o, audit); err != nil {
		return domain.Order{}, err
	}
	s.log.Info("order created", "order_id", o.ID, "order_number", o.Number, "total_minor", o.TotalMinor)
	return o, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) GetByNumber(ctx context.Context, number string) (domain.Order, error) {
	return s.repo.GetByNumber(ctx, number)
}

func (s *Service) Audit(ctx context.Context, id string) ([]domain.AuditEntry, error) {
	return s.repo.Audit(ctx, id)
}

// UpdateFulfillment applies an admin-driven status move. Re-applying the
// current status is a no-op without side effects.
func (s *Service) UpdateFulfillment(ctx context.Context, id string, to domain.OrderStatus, actor string) (domain.Order, error) {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if o.Status == to {
		return o, nil
	}
	if err := domain.CanTransition(o.Status, to); err != nil {
		return domain.Order{}, err
	}

	from := o.Status
	ev, err := outbox.NewEvent(ctx, "order", o.ID, "OrderStatusChanged", domain.StatusChanged{
		OrderID: o.ID, Number: o.Number, From: from, To: to, Actor: actor,
	}, map[string]string{"source": "admin"})
	if err != nil {
		return domain.Order{}, err
	}
	audit := domain.NewAudit(o.ID, actor, "status_changed", string(from), string(to), "")
	ok, err := s.repo.UpdateStatus(ctx, o.ID, from, to, audit, ev)
	if err != nil {
		return domain.Order{}, err
	}
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: status is no longer %s", domain.ErrConflict, from)
	}
	o.Status = to
	s.log.Info("order status changed", "order_id", o.ID, "from", from, "to", to, "actor", actor)

	if s.notifier != nil {
		n, err := s.notifier.EnqueuePlan(ctx, "order_status_"+string(to), o, map[string]string{"actor": actor})
		if err != nil {
			s.log.Error("status notification enqueue failed", "order_id", o.ID, "status", to, "err", err)
		} else if n > 0 {
			s.log.Info("status notifications enqueued", "order_id", o.ID, "count", n)
		}
	}
	return o, nil
}

// RecomputeTotal is the only way to change a total after creation, and only
// before payment settles.
func (s *Service) RecomputeTotal(ctx context.Context, id string, feesMinor, discountMinor int64, actor string) (domain.Order, error) {
	if feesMinor < 0 || discountMinor < 0 {
		return domain.Order{}, fmt.Errorf("%w: fees and discount must be non-negative", domain.ErrValidation)
	}
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if o.PaymentStatus != domain.PaymentPending {
		return domain.Order{}, domain.ErrPaymentSettled
	}
	total, err := domain.ComputeTotal(o.SubtotalMinor, feesMinor, discountMinor)
	if err != nil {
		return domain.Order{}, err
	}
	detail := fmt.Sprintf("fees=%d discount=%d", feesMinor, discountMinor)
	audit := domain.NewAudit(o.ID, actor, "total_recomputed", strconv.FormatInt(o.TotalMinor, 10), strconv.FormatInt(total, 10), detail)
	ok, err := s.repo.UpdateTotals(ctx, o.ID, o.TotalMinor, feesMinor, discountMinor, total, audit)
	if err != nil {
		return domain.Order{}, err
	}
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: payment settled or total changed", domain.ErrConflict)
	}
	s.log.Info("order total recomputed", "order_id", o.ID, "from", o.TotalMinor, "to", total, "actor", actor)
	o.FeesMinor, o.DiscountMinor, o.TotalMinor = feesMinor, discountMinor, total
	return o, nil
}
