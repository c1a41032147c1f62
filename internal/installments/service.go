package installments

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/installments-gateway/internal/orders"
	"github.com/angelmondragon/installments-gateway/pkg/config"
	"github.com/angelmondragon/installments-gateway/pkg/db/models"
	"github.com/angelmondragon/installments-gateway/pkg/enums"
	pkgerrors "github.com/angelmondragon/installments-gateway/pkg/errors"
	"github.com/angelmondragon/installments-gateway/pkg/gocardless"
	"github.com/angelmondragon/installments-gateway/pkg/locks"
	"github.com/angelmondragon/installments-gateway/pkg/logger"
	"github.com/angelmondragon/installments-gateway/pkg/outbox"
	"github.com/angelmondragon/installments-gateway/pkg/outbox/payloads"
)

// ReturnPath is where the hosted mandate page sends the customer back to.
const ReturnPath = "/api/v1/installments/return"

type processorClient interface {
	CreateRedirectFlow(ctx context.Context, params gocardless.CreateRedirectFlowParams, idempotencyKey string) (*gocardless.RedirectFlow, error)
	CompleteRedirectFlow(ctx context.Context, redirectFlowID, sessionToken string) (*gocardless.RedirectFlow, error)
	CreateSubscription(ctx context.Context, params gocardless.CreateSubscriptionParams, idempotencyKey string) (*gocardless.Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*gocardless.Subscription, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type orderLocker interface {
	TryLock(ctx context.Context, name string) (locks.Lock, bool, error)
}

type ServiceParams struct {
	Config    *config.Config
	Logger    *logger.Logger
	Orders    orders.Repository
	DB        txRunner
	Processor processorClient
	Outbox    eventEmitter
	Locks     orderLocker
	Now       func() time.Time
}

// Service drives checkout, mandate authorization and the customer-facing summary.
type Service struct {
	logg             *logger.Logger
	orders           orders.Repository
	db               txRunner
	processor        processorClient
	outbox           eventEmitter
	locks            orderLocker
	now              func() time.Time
	minimums         Minimums
	currency         enums.Currency
	returnURL        string
	orderReceivedURL string
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Orders == nil {
		return nil, errors.New("orders repository is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Processor == nil {
		return nil, errors.New("gocardless client is required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox service is required")
	}
	if params.Locks == nil {
		return nil, errors.New("order locks are required")
	}

	minimums, err := MinimumsFromConfig(params.Config.Installments)
	if err != nil {
		return nil, err
	}
	currency, err := enums.ParseCurrency(params.Config.GoCardless.Currency)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Config.Installments.OrderReceivedURL) == "" {
		return nil, errors.New("order received url is required")
	}

	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		logg:             params.Logger,
		orders:           params.Orders,
		db:               params.DB,
		processor:        params.Processor,
		outbox:           params.Outbox,
		locks:            params.Locks,
		now:              now,
		minimums:         minimums,
		currency:         currency,
		returnURL:        params.Config.App.BaseURL() + ReturnPath,
		orderReceivedURL: params.Config.Installments.OrderReceivedURL,
	}, nil
}

// Options lists the plans available for a total such as "100.00".
func (s *Service) Options(total string) ([]Option, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(total))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "total must be a decimal amount")
	}
	if amount.IsNegative() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "total must not be negative")
	}
	return Options(amount, s.minimums, s.currency), nil
}

type CheckoutInput struct {
	OrderID              uuid.UUID
	OrderKey             string
	NumberOfInstallments int
}

type CheckoutResult struct {
	OrderID              uuid.UUID `json:"order_id"`
	RedirectFlowID       string    `json:"redirect_flow_id"`
	RedirectURL          string    `json:"redirect_url"`
	NumberOfInstallments int       `json:"number_of_installments"`
	InstallmentAmount    string    `json:"installment_amount"`
}

// StartCheckout creates the hosted mandate page for a pending order and
// records the chosen plan length.
func (s *Service) StartCheckout(ctx context.Context, input CheckoutInput) (*CheckoutResult, error) {
	order, err := s.findOrderWithKey(ctx, input.OrderID, input.OrderKey)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithOrderID(ctx, order.ID.String())

	if err := s.checkPayable(order); err != nil {
		return nil, err
	}
	if err := CheckEligibility(CentsToDecimal(order.TotalCents), input.NumberOfInstallments, s.minimums, order.Currency); err != nil {
		return nil, err
	}
	share, err := InstallmentCents(order.TotalCents, input.NumberOfInstallments)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "order total cannot be split")
	}

	flow, err := s.processor.CreateRedirectFlow(ctx, gocardless.CreateRedirectFlowParams{
		Description:        Description(order, input.NumberOfInstallments),
		SessionToken:       order.OrderKey,
		SuccessRedirectURL: s.successRedirectURL(order.ID),
		PrefilledCustomer:  prefilledCustomer(order),
	}, "")
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "could not start mandate authorization")
	}

	if err := s.orders.SetMeta(ctx, order.ID, enums.MetaNumberOfInstallments, strconv.Itoa(input.NumberOfInstallments)); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "store installment count")
	}

	ctx = s.logg.WithFields(ctx, map[string]any{
		"redirect_flow_id":       flow.ID,
		"number_of_installments": input.NumberOfInstallments,
	})
	s.logg.Info(ctx, "installments.checkout_started")

	return &CheckoutResult{
		OrderID:              order.ID,
		RedirectFlowID:       flow.ID,
		RedirectURL:          flow.RedirectURL,
		NumberOfInstallments: input.NumberOfInstallments,
		InstallmentAmount:    FormatCents(share),
	}, nil
}

// CompleteRedirectFlow confirms the mandate and creates the monthly
// subscription. The subscription id is written once; an order that already
// has one is returned unchanged. Processor failures leave the order untouched.
func (s *Service) CompleteRedirectFlow(ctx context.Context, orderID uuid.UUID, redirectFlowID string) (*models.Order, error) {
	if strings.TrimSpace(redirectFlowID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "redirect_flow_id is required")
	}
	ctx = s.logg.WithOrderID(ctx, orderID.String())

	lock, acquired, err := s.locks.TryLock(ctx, orderID.String())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire order lock")
	}
	if !acquired {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "order is already being processed")
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logg.Error(ctx, "installments.lock_release_failed", err)
		}
	}()

	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	plan, err := s.planFor(ctx, order)
	if err != nil {
		return nil, err
	}
	if plan.HasSubscription() {
		s.logg.Info(s.logg.WithSubscriptionID(ctx, plan.SubscriptionID), "installments.redirect_already_completed")
		return order, nil
	}
	if order.Status != enums.OrderStatusPending {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("order is %s", order.Status))
	}
	share, err := plan.InstallmentCents()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "order total cannot be split")
	}

	flow, err := s.processor.CompleteRedirectFlow(ctx, redirectFlowID, order.OrderKey)
	if err != nil {
		return nil, s.paymentFailed(ctx, err, "complete redirect flow")
	}

	sub, err := s.processor.CreateSubscription(ctx, gocardless.CreateSubscriptionParams{
		Amount:       share,
		Currency:     s.currency.String(),
		Name:         Description(order, plan.Count),
		IntervalUnit: gocardless.IntervalUnitMonthly,
		Count:        plan.Count,
		Metadata:     map[string]string{"order_id": order.ID.String()},
		Links:        gocardless.SubscriptionLinks{Mandate: flow.Links.Mandate},
	}, SubscriptionIdempotencyKey(order.ID))
	if err != nil {
		return nil, s.paymentFailed(ctx, err, "create subscription")
	}

	ctx = s.logg.WithSubscriptionID(ctx, sub.ID)
	wrote, err := s.orders.SetMetaOnce(ctx, order.ID, enums.MetaSubscriptionID, sub.ID)
	if err != nil {
		if errors.Is(err, orders.ErrSubscriptionTaken) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "subscription is already linked to another order")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "store subscription id")
	}
	if !wrote {
		s.logg.Warn(ctx, "installments.subscription_id_already_set")
	}

	ctx = s.logg.WithFields(ctx, map[string]any{
		"mandate_id":        flow.Links.Mandate,
		"installment_cents": share,
		"count":             plan.Count,
	})
	s.logg.Info(ctx, "installments.subscription_created")
	return order, nil
}

// HandleReturn completes the flow, then puts the order on hold, marks its
// stock reduced and queues installment_plan_started in one transaction. It
// returns the storefront URL the customer should land on.
func (s *Service) HandleReturn(ctx context.Context, orderID uuid.UUID, redirectFlowID string) (string, error) {
	order, err := s.CompleteRedirectFlow(ctx, orderID, redirectFlowID)
	if err != nil {
		return "", err
	}
	ctx = s.logg.WithOrderID(ctx, order.ID.String())

	plan, err := s.planFor(ctx, order)
	if err != nil {
		return "", err
	}
	share, err := plan.InstallmentCents()
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "order total cannot be split")
	}

	now := s.now()
	started := false
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)
		moved, err := repo.TransitionStatus(ctx, order.ID, enums.OrderStatusPending, enums.OrderStatusOnHold, now)
		if err != nil {
			return err
		}
		if !moved {
			current, err := repo.FindByID(ctx, order.ID)
			if err != nil {
				return err
			}
			switch current.Status {
			case enums.OrderStatusOnHold, enums.OrderStatusCompleted, enums.OrderStatusCancelled:
				return nil
			}
			return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("order is %s", current.Status))
		}
		if _, err := repo.MarkStockReduced(ctx, order.ID, now); err != nil {
			return err
		}
		started = true
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventInstallmentPlanStarted,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         &outbox.ActorRef{Kind: outbox.ActorCustomer},
			OccurredAt:    now,
			Data: payloads.InstallmentPlanStartedEvent{
				OrderID:              order.ID,
				OrderNumber:          order.OrderNumber,
				SubscriptionID:       plan.SubscriptionID,
				NumberOfInstallments: plan.Count,
				InstallmentCents:     share,
				TotalCents:           order.TotalCents,
				Currency:             order.Currency.String(),
				StartedAt:            now,
			},
		})
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			return "", err
		}
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "put order on hold")
	}

	if started {
		s.logg.Info(ctx, "installments.order_on_hold")
	}
	return s.OrderReceivedURL(order), nil
}

type PaymentLine struct {
	ChargeDate  string `json:"charge_date"`
	AmountCents int64  `json:"amount_cents"`
	Amount      string `json:"amount"`
}

// Summary is the customer-facing view of an order's installment plan.
type Summary struct {
	OrderID              uuid.UUID         `json:"order_id"`
	OrderNumber          int64             `json:"order_number"`
	Status               enums.OrderStatus `json:"status"`
	Currency             enums.Currency    `json:"currency"`
	Total                string            `json:"total"`
	NumberOfInstallments int               `json:"number_of_installments"`
	InstallmentAmount    string            `json:"installment_amount"`
	SubscriptionID       string            `json:"subscription_id,omitempty"`
	UpcomingPayments     []PaymentLine     `json:"upcoming_payments"`
}

func (s *Service) Summary(ctx context.Context, orderID uuid.UUID, orderKey string) (*Summary, error) {
	order, err := s.findOrderWithKey(ctx, orderID, orderKey)
	if err != nil {
		return nil, err
	}
	if order.PaymentMethod != enums.PaymentMethodInstallments {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order has no installment plan")
	}
	ctx = s.logg.WithOrderID(ctx, order.ID.String())

	plan, err := s.planFor(ctx, order)
	if err != nil {
		return nil, err
	}
	share, err := plan.InstallmentCents()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "order total cannot be split")
	}

	summary := &Summary{
		OrderID:              order.ID,
		OrderNumber:          order.OrderNumber,
		Status:               order.Status,
		Currency:             order.Currency,
		Total:                FormatCents(order.TotalCents),
		NumberOfInstallments: plan.Count,
		InstallmentAmount:    FormatCents(share),
		SubscriptionID:       plan.SubscriptionID,
		UpcomingPayments:     []PaymentLine{},
	}
	if !plan.HasSubscription() {
		return summary, nil
	}

	sub, err := s.processor.GetSubscription(ctx, plan.SubscriptionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch subscription")
	}
	summary.UpcomingPayments = UpcomingPaymentLines(sub.UpcomingPayments)
	return summary, nil
}

// UpcomingPaymentLines converts processor payments into display lines.
func UpcomingPaymentLines(payments []gocardless.UpcomingPayment) []PaymentLine {
	lines := make([]PaymentLine, 0, len(payments))
	for _, p := range payments {
		lines = append(lines, PaymentLine{
			ChargeDate:  p.ChargeDate,
			AmountCents: p.Amount,
			Amount:      FormatCents(p.Amount),
		})
	}
	return lines
}

// OrderReceivedURL fills the storefront thank-you URL template for order.
func (s *Service) OrderReceivedURL(order *models.Order) string {
	replacer := strings.NewReplacer(
		"{order_id}", url.PathEscape(order.ID.String()),
		"{order_key}", url.QueryEscape(order.OrderKey),
		"{order_number}", strconv.FormatInt(order.OrderNumber, 10),
	)
	return replacer.Replace(s.orderReceivedURL)
}

// SubscriptionIdempotencyKey makes subscription creation safe to retry for an order.
func SubscriptionIdempotencyKey(orderID uuid.UUID) string {
	return "igw-subscription-" + orderID.String()
}

func (s *Service) successRedirectURL(orderID uuid.UUID) string {
	q := url.Values{}
	q.Set("order_id", orderID.String())
	return s.returnURL + "?" + q.Encode()
}

func (s *Service) checkPayable(order *models.Order) error {
	if order.PaymentMethod != enums.PaymentMethodInstallments {
		return pkgerrors.New(pkgerrors.CodeValidation, "order was not placed with the installments gateway")
	}
	if order.Status != enums.OrderStatusPending {
		return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("order is %s", order.Status))
	}
	if order.Currency != s.currency {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("currency %s is not supported", order.Currency))
	}
	return nil
}

func (s *Service) planFor(ctx context.Context, order *models.Order) (Plan, error) {
	meta, err := s.orders.ListMeta(ctx, order.ID)
	if err != nil {
		return Plan{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order metadata")
	}
	plan, err := PlanFromMeta(order, meta)
	if err != nil {
		return Plan{}, pkgerrors.Wrap(pkgerrors.CodeStateConflict, err, "order has no installment plan")
	}
	return plan, nil
}

func (s *Service) findOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	return order, mapFindError(err)
}

func (s *Service) findOrderWithKey(ctx context.Context, orderID uuid.UUID, orderKey string) (*models.Order, error) {
	if strings.TrimSpace(orderKey) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	order, err := s.orders.FindByIDAndKey(ctx, orderID, orderKey)
	return order, mapFindError(err)
}

func mapFindError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
}

// paymentFailed converts any processor error into the customer-facing
// PAYMENT_FAILED error, keeping the processor's reason in the message.
func (s *Service) paymentFailed(ctx context.Context, err error, step string) error {
	reason := "the payment provider is unavailable"
	if apiErr, ok := gocardless.AsAPIError(err); ok && apiErr.Message != "" {
		reason = apiErr.Message
	}
	s.logg.Error(s.logg.WithField(ctx, "step", step), "installments.payment_failed", err)
	return pkgerrors.Wrap(pkgerrors.CodePaymentFailed, err, fmt.Sprintf("Error: %s. You have not been charged.", reason)).
		WithDetails(map[string]any{"step": step})
}

func prefilledCustomer(order *models.Order) *gocardless.PrefilledCustomer {
	customer := &gocardless.PrefilledCustomer{
		GivenName:    order.BillingFirstName,
		FamilyName:   order.BillingLastName,
		Email:        order.BillingEmail,
		AddressLine1: order.BillingAddress1,
		City:         order.BillingCity,
		PostalCode:   order.BillingPostcode,
		CountryCode:  order.BillingCountry,
	}
	if order.BillingCompany != nil {
		customer.CompanyName = *order.BillingCompany
	}
	if order.BillingAddress2 != nil {
		customer.AddressLine2 = *order.BillingAddress2
	}
	return customer
}
