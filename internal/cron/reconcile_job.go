package cron

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/installments-gateway/internal/orders"
	gocardlesswebhook "github.com/angelmondragon/installments-gateway/internal/webhooks/gocardless"
	"github.com/angelmondragon/installments-gateway/pkg/db/models"
	"github.com/angelmondragon/installments-gateway/pkg/enums"
	"github.com/angelmondragon/installments-gateway/pkg/gocardless"
	"github.com/angelmondragon/installments-gateway/pkg/logger"
)

const defaultReconcileLimit = 200

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type subscriptionFetcher interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*gocardless.Subscription, error)
}

type statusReconciler interface {
	Reconcile(ctx context.Context, order *models.Order, subscriptionID, status string) (gocardlesswebhook.Transition, error)
}

// SubscriptionReconcileJobParams configures the installment reconcile job.
type SubscriptionReconcileJobParams struct {
	Logger     *logger.Logger
	Orders     orders.Repository
	Processor  subscriptionFetcher
	Dispatcher statusReconciler
	Limit      int
}

// NewSubscriptionReconcileJob builds the job that catches up on-hold orders
// whose finished or cancelled webhook was missed.
func NewSubscriptionReconcileJob(params SubscriptionReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Processor == nil {
		return nil, fmt.Errorf("gocardless client required")
	}
	if params.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher required")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	return &subscriptionReconcileJob{
		logg:       params.Logger,
		orders:     params.Orders,
		processor:  params.Processor,
		dispatcher: params.Dispatcher,
		limit:      limit,
	}, nil
}

type subscriptionReconcileJob struct {
	logg       *logger.Logger
	orders     orders.Repository
	processor  subscriptionFetcher
	dispatcher statusReconciler
	limit      int
}

func (j *subscriptionReconcileJob) Name() string { return "subscription-reconcile" }

func (j *subscriptionReconcileJob) Run(ctx context.Context) error {
	refs, err := j.orders.ListOnHoldWithSubscription(ctx, j.limit)
	if err != nil {
		return fmt.Errorf("list on-hold installment orders: %w", err)
	}

	var (
		errs      error
		completed int
		cancelled int
	)
	for _, ref := range refs {
		transition, err := j.reconcile(ctx, ref)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("order %s: %w", ref.OrderID, err))
			continue
		}
		switch transition {
		case gocardlesswebhook.TransitionCompleted:
			completed++
		case gocardlesswebhook.TransitionCancelled:
			cancelled++
		}
	}

	reportCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(refs),
		"completed":  completed,
		"cancelled":  cancelled,
		"failed":     len(multierr.Errors(errs)),
	})
	j.logg.Info(reportCtx, "subscription reconcile loop complete")
	return errs
}

func (j *subscriptionReconcileJob) reconcile(ctx context.Context, ref orders.SubscriptionRef) (gocardlesswebhook.Transition, error) {
	ctx = j.logg.WithOrderID(ctx, ref.OrderID.String())
	ctx = j.logg.WithSubscriptionID(ctx, ref.SubscriptionID)

	sub, err := j.processor.GetSubscription(ctx, ref.SubscriptionID)
	if err != nil {
		return gocardlesswebhook.TransitionNone, fmt.Errorf("fetch subscription: %w", err)
	}
	status := enums.SubscriptionStatus(sub.Status)
	if !status.IsTerminal() {
		return gocardlesswebhook.TransitionNone, nil
	}

	order, err := j.orders.FindByID(ctx, ref.OrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return gocardlesswebhook.TransitionNone, nil
		}
		return gocardlesswebhook.TransitionNone, fmt.Errorf("load order: %w", err)
	}
	return j.dispatcher.Reconcile(ctx, order, ref.SubscriptionID, string(status))
}
