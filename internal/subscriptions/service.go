package subscriptions

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/installments-gateway/internal/installments"
	"github.com/angelmondragon/installments-gateway/internal/orders"
	"github.com/angelmondragon/installments-gateway/pkg/enums"
	pkgerrors "github.com/angelmondragon/installments-gateway/pkg/errors"
	"github.com/angelmondragon/installments-gateway/pkg/gocardless"
	"github.com/angelmondragon/installments-gateway/pkg/logger"
)

const (
	defaultEventPageSize = 50
	defaultMaxEventPages = 4

	actionPaymentCreated = "payment_created"
)

type processorClient interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*gocardless.Subscription, error)
	GetPayment(ctx context.Context, paymentID string) (*gocardless.Payment, error)
	ListEvents(ctx context.Context, params gocardless.ListEventsParams) (*gocardless.EventList, error)
}

// Service exposes the admin view of an order's installment subscription.
type Service interface {
	Details(ctx context.Context, orderID uuid.UUID) (*Details, error)
}

// ServiceParams groups dependencies for the subscription details service.
type ServiceParams struct {
	Orders        orders.Repository
	Processor     processorClient
	Logger        *logger.Logger
	EventPageSize int
	MaxEventPages int
}

// Details is what the admin order screen shows for an installment order.
type Details struct {
	OrderID              uuid.UUID         `json:"order_id"`
	OrderNumber          int64             `json:"order_number"`
	OrderStatus          enums.OrderStatus `json:"order_status"`
	NumberOfInstallments int               `json:"number_of_installments,omitempty"`
	InstallmentAmount    string            `json:"installment_amount,omitempty"`
	SubscriptionID       string            `json:"subscription_id,omitempty"`
	Subscription         *SubscriptionView `json:"subscription,omitempty"`
	Events               []EventView       `json:"events"`
}

type service struct {
	orders    orders.Repository
	processor processorClient
	logg      *logger.Logger
	pageSize  int
	maxPages  int
}

// NewService builds the subscription details service.
func NewService(params ServiceParams) (Service, error) {
	if params.Orders == nil {
		return nil, fmt.Errorf("orders repo required")
	}
	if params.Processor == nil {
		return nil, fmt.Errorf("gocardless client required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	pageSize := params.EventPageSize
	if pageSize <= 0 {
		pageSize = defaultEventPageSize
	}
	maxPages := params.MaxEventPages
	if maxPages <= 0 {
		maxPages = defaultMaxEventPages
	}
	return &service{
		orders:    params.Orders,
		processor: params.Processor,
		logg:      params.Logger,
		pageSize:  pageSize,
		maxPages:  maxPages,
	}, nil
}

func (s *service) Details(ctx context.Context, orderID uuid.UUID) (*Details, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}
	if order.PaymentMethod != enums.PaymentMethodInstallments {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order was not paid in installments")
	}
	ctx = s.logg.WithOrderID(ctx, order.ID.String())

	meta, err := s.orders.ListMeta(ctx, order.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order metadata")
	}

	details := &Details{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		OrderStatus:    order.Status,
		SubscriptionID: meta[enums.MetaSubscriptionID],
		Events:         []EventView{},
	}
	if plan, err := installments.PlanFromMeta(order, meta); err == nil {
		details.NumberOfInstallments = plan.Count
		if share, err := plan.InstallmentCents(); err == nil {
			details.InstallmentAmount = installments.FormatCents(share)
		}
	}
	if details.SubscriptionID == "" {
		return details, nil
	}
	ctx = s.logg.WithSubscriptionID(ctx, details.SubscriptionID)

	sub, err := s.processor.GetSubscription(ctx, details.SubscriptionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch subscription")
	}
	details.Subscription = toSubscriptionView(sub)

	events, err := s.listEvents(ctx, details.SubscriptionID)
	if err != nil {
		return nil, err
	}
	details.Events = s.withPayments(ctx, events)
	return details, nil
}

func (s *service) listEvents(ctx context.Context, subscriptionID string) ([]gocardless.Event, error) {
	var (
		out   []gocardless.Event
		after string
	)
	for page := 0; page < s.maxPages; page++ {
		list, err := s.processor.ListEvents(ctx, gocardless.ListEventsParams{
			Subscription: subscriptionID,
			Limit:        s.pageSize,
			After:        after,
		})
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list subscription events")
		}
		out = append(out, list.Events...)
		after = list.Meta.Cursors.After
		if after == "" || len(list.Events) == 0 {
			return out, nil
		}
	}
	s.logg.Warn(ctx, fmt.Sprintf("subscription event history truncated at %d pages", s.maxPages))
	return out, nil
}

// withPayments attaches payment details to payment_created events. A payment
// that cannot be fetched is left off rather than failing the view.
func (s *service) withPayments(ctx context.Context, events []gocardless.Event) []EventView {
	views := make([]EventView, 0, len(events))
	payments := map[string]*PaymentView{}
	for _, ev := range events {
		view := toEventView(ev)
		paymentID := ev.Link("payment")
		if ev.Action == actionPaymentCreated && paymentID != "" {
			cached, ok := payments[paymentID]
			if !ok {
				payment, err := s.processor.GetPayment(ctx, paymentID)
				if err != nil {
					s.logg.Error(s.logg.WithField(ctx, "payment_id", paymentID), "failed to fetch payment", err)
				}
				cached = toPaymentView(payment)
				payments[paymentID] = cached
			}
			view.Payment = cached
		}
		views = append(views, view)
	}
	return views
}
