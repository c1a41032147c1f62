package gocardlesswebhook

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/installments-gateway/internal/orders"
	"github.com/angelmondragon/installments-gateway/pkg/db/models"
	"github.com/angelmondragon/installments-gateway/pkg/enums"
	pkgerrors "github.com/angelmondragon/installments-gateway/pkg/errors"
	"github.com/angelmondragon/installments-gateway/pkg/logger"
	"github.com/angelmondragon/installments-gateway/pkg/outbox"
	"github.com/angelmondragon/installments-gateway/pkg/outbox/payloads"
)

// Transition names the order change a dispatch applied; empty means none.
type Transition string

const (
	TransitionNone      Transition = ""
	TransitionCompleted Transition = "completed"
	TransitionCancelled Transition = "cancelled"
)

// HandledAction reports whether a subscription action can move an order.
func HandledAction(action string) bool {
	_, ok := targetFor(action)
	return ok
}

func targetFor(action string) (enums.OrderStatus, bool) {
	switch action {
	case ActionFinished:
		return enums.OrderStatusCompleted, true
	case ActionCancelled:
		return enums.OrderStatusCancelled, true
	}
	return "", false
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type DispatcherParams struct {
	Orders orders.Repository
	DB     txRunner
	Outbox eventEmitter
	Logger *logger.Logger
	Now    func() time.Time
}

// Dispatcher applies subscription lifecycle events to on-hold orders.
type Dispatcher struct {
	orders orders.Repository
	db     txRunner
	outbox eventEmitter
	logg   *logger.Logger
	now    func() time.Time
}

func NewDispatcher(params DispatcherParams) (*Dispatcher, error) {
	if params.Orders == nil {
		return nil, errors.New("orders repository is required")
	}
	if params.DB == nil {
		return nil, errors.New("transaction runner is required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox service is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{
		orders: params.Orders,
		db:     params.DB,
		outbox: params.Outbox,
		logg:   params.Logger,
		now:    now,
	}, nil
}

// Dispatch moves an on-hold order to completed on "finished" and to cancelled
// on "cancelled". Other actions are a no-op. The status update only applies
// while the order is still on-hold, so a replay returns TransitionNone.
func (d *Dispatcher) Dispatch(ctx context.Context, order *models.Order, event Event) (Transition, error) {
	return d.apply(ctx, order, event, &outbox.ActorRef{Kind: outbox.ActorWebhook, ID: event.ID})
}

// Reconcile applies a subscription status read from the API, for orders
// whose webhook never arrived.
func (d *Dispatcher) Reconcile(ctx context.Context, order *models.Order, subscriptionID, status string) (Transition, error) {
	event := Event{
		ResourceType: ResourceSubscriptions,
		Action:       status,
		Links:        map[string]string{"subscription": subscriptionID},
	}
	event.Details.Origin = "api"
	event.Details.Cause = "subscription_" + status
	event.Details.Description = "Subscription status reconciled from the API."
	return d.apply(ctx, order, event, &outbox.ActorRef{Kind: outbox.ActorCron})
}

func (d *Dispatcher) apply(ctx context.Context, order *models.Order, event Event, actor *outbox.ActorRef) (Transition, error) {
	if order == nil {
		return TransitionNone, pkgerrors.New(pkgerrors.CodeValidation, "order is required")
	}
	target, ok := targetFor(event.Action)
	if !ok {
		return TransitionNone, nil
	}

	ctx = d.logg.WithOrderID(ctx, order.ID.String())
	subscriptionID := event.Link("subscription")
	now := d.now()
	applied := false

	err := d.db.WithTx(ctx, func(tx *gorm.DB) error {
		moved, err := d.orders.WithTx(tx).TransitionStatus(ctx, order.ID, enums.OrderStatusOnHold, target, now)
		if err != nil || !moved {
			return err
		}
		applied = true
		return d.outbox.Emit(ctx, tx, domainEventFor(order, target, subscriptionID, event, actor, now))
	})
	if err != nil {
		return TransitionNone, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "apply order transition")
	}
	if !applied {
		d.logg.Info(ctx, "order already left on-hold, skipping")
		return TransitionNone, nil
	}

	ctx = d.logg.WithFields(ctx, map[string]any{"status": string(target), "actor": actor.Kind})
	d.logg.Info(ctx, "order transitioned")
	if target == enums.OrderStatusCompleted {
		return TransitionCompleted, nil
	}
	return TransitionCancelled, nil
}

func domainEventFor(order *models.Order, target enums.OrderStatus, subscriptionID string, event Event, actor *outbox.ActorRef, now time.Time) outbox.DomainEvent {
	out := outbox.DomainEvent{
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         actor,
		OccurredAt:    now,
	}
	if target == enums.OrderStatusCompleted {
		out.EventType = enums.EventOrderPaid
		out.Data = payloads.OrderPaidEvent{
			OrderID:        order.ID,
			OrderNumber:    order.OrderNumber,
			SubscriptionID: subscriptionID,
			TotalCents:     order.TotalCents,
			Currency:       order.Currency.String(),
			PaidAt:         now,
			SourceEventID:  event.ID,
		}
		return out
	}
	out.EventType = enums.EventOrderCancelled
	out.Data = payloads.OrderCancelledEvent{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		SubscriptionID: subscriptionID,
		CancelledAt:    now,
		Cause:          event.Details.Cause,
		Description:    event.Details.Description,
		SourceEventID:  event.ID,
	}
	return out
}
