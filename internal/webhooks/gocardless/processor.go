package gocardlesswebhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"

	"github.com/angelmondragon/installments-gateway/pkg/db/models"
	"github.com/angelmondragon/installments-gateway/pkg/logger"
)

type orderLocator interface {
	Locate(ctx context.Context, subscriptionID string) (*models.Order, error)
}

type eventDispatcher interface {
	Dispatch(ctx context.Context, order *models.Order, event Event) (Transition, error)
}

type eventGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

type eventRecorder interface {
	ObserveEvent(action, outcome string)
}

type ProcessorParams struct {
	Secret     string
	Locator    orderLocator
	Dispatcher eventDispatcher
	// Guard and Metrics are optional.
	Guard      eventGuard
	Metrics    eventRecorder
	Logger     *logger.Logger
}

// Processor verifies, decodes and applies webhook deliveries.
type Processor struct {
	secret     string
	locator    orderLocator
	dispatcher eventDispatcher
	guard      eventGuard
	metrics    eventRecorder
	logg       *logger.Logger
	validate   *validator.Validate
}

func NewProcessor(params ProcessorParams) (*Processor, error) {
	if params.Secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if params.Locator == nil {
		return nil, errors.New("order locator is required")
	}
	if params.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Processor{
		secret:     params.Secret,
		locator:    params.Locator,
		dispatcher: params.Dispatcher,
		guard:      params.Guard,
		metrics:    params.Metrics,
		logg:       params.Logger,
		validate:   validator.New(),
	}, nil
}

// Process handles one delivery. Signature and payload errors are returned
// before any event is looked at; per-event failures are reported in the
// result and never abort the batch.
func (p *Processor) Process(ctx context.Context, body []byte, signature string) (*BatchResult, error) {
	if err := Verify(body, signature, p.secret); err != nil {
		return nil, err
	}
	batch, err := DecodeBatch(body)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Events: make([]EventResult, 0, len(batch.Events))}
	var failures error
	for _, event := range batch.Events {
		res := p.processEvent(ctx, event)
		result.Events = append(result.Events, res)
		if p.metrics != nil {
			p.metrics.ObserveEvent(event.Action, string(res.Outcome))
		}
		if res.Outcome == OutcomeFailed {
			failures = multierr.Append(failures, fmt.Errorf("event %s: %s", event.ID, res.Reason))
		}
	}

	if failures != nil {
		failedCtx := p.logg.WithFields(ctx, map[string]any{
			"events": len(batch.Events),
			"failed": len(multierr.Errors(failures)),
		})
		p.logg.Error(failedCtx, "webhook batch finished with failures", failures)
	}
	return result, nil
}

func (p *Processor) processEvent(ctx context.Context, event Event) (res EventResult) {
	res = EventResult{EventID: event.ID, ResourceType: event.ResourceType, Action: event.Action}
	ctx = p.logg.WithEventID(ctx, event.ID)
	marked := false

	defer func() {
		if r := recover(); r != nil {
			res.Outcome = OutcomeFailed
			res.Reason = fmt.Sprintf("panic: %v", r)
			p.logg.Error(ctx, "webhook event panicked", fmt.Errorf("%v", r))
		}
		if res.Outcome == OutcomeFailed && marked {
			if err := p.guard.Delete(context.WithoutCancel(ctx), event.ID); err != nil {
				p.logg.Error(ctx, "failed to release webhook idempotency key", err)
			}
		}
	}()

	if err := p.validate.Struct(event); err != nil {
		return failed(res, fmt.Errorf("invalid event: %w", err))
	}
	if event.ResourceType != ResourceSubscriptions || !HandledAction(event.Action) {
		res.Outcome = OutcomeIgnored
		return res
	}
	subscriptionID := event.Link("subscription")
	if subscriptionID == "" {
		return failed(res, errors.New("event has no subscription link"))
	}
	ctx = p.logg.WithSubscriptionID(ctx, subscriptionID)

	// the guard is keyed by event id; id-less events rely on the on-hold check
	if p.guard != nil && event.ID != "" {
		seen, err := p.guard.CheckAndMark(ctx, event.ID)
		switch {
		case err != nil:
			// proceed unguarded; the on-hold condition still applies
			p.logg.Warn(ctx, "webhook idempotency check unavailable: "+err.Error())
		case seen:
			res.Outcome = OutcomeDuplicate
			return res
		default:
			marked = true
		}
	}

	order, err := p.locator.Locate(ctx, subscriptionID)
	if err != nil {
		p.logg.Error(ctx, "webhook order lookup failed", err)
		return failed(res, err)
	}
	if order == nil {
		p.logg.Info(ctx, "no on-hold order for subscription")
		res.Outcome = OutcomeNotFound
		return res
	}
	orderID := order.ID
	res.OrderID = &orderID

	transition, err := p.dispatcher.Dispatch(ctx, order, event)
	if err != nil {
		p.logg.Error(ctx, "webhook dispatch failed", err)
		return failed(res, err)
	}
	if transition == TransitionNone {
		res.Outcome = OutcomeIgnored
		res.Reason = "order already transitioned"
		return res
	}
	res.Outcome = OutcomeApplied
	res.Transition = transition
	return res
}

func failed(res EventResult, err error) EventResult {
	res.Outcome = OutcomeFailed
	res.Reason = err.Error()
	return res
}
