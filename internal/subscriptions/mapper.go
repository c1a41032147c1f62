package subscriptions

import (
	"strings"
	"time"

	"github.com/angelmondragon/installments-gateway/internal/installments"
	"github.com/angelmondragon/installments-gateway/pkg/enums"
	"github.com/angelmondragon/installments-gateway/pkg/gocardless"
)

// SubscriptionView is the admin-facing snapshot of a processor subscription.
type SubscriptionView struct {
	ID               string                     `json:"id"`
	Status           enums.SubscriptionStatus   `json:"status"`
	AmountCents      int64                      `json:"amount_cents"`
	Amount           string                     `json:"amount"`
	Currency         string                     `json:"currency"`
	Count            int                        `json:"count"`
	StartDate        string                     `json:"start_date,omitempty"`
	EndDate          string                     `json:"end_date,omitempty"`
	MandateID        string                     `json:"mandate_id,omitempty"`
	UpcomingPayments []installments.PaymentLine `json:"upcoming_payments"`
}

type PaymentView struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount_cents"`
	Amount      string `json:"amount"`
	ChargeDate  string `json:"charge_date"`
	Description string `json:"description,omitempty"`
}

// EventView is one lifecycle event of the subscription.
type EventView struct {
	ID          string       `json:"id"`
	CreatedAt   *time.Time   `json:"created_at,omitempty"`
	Resource    string       `json:"resource_type"`
	Action      string       `json:"action"`
	Cause       string       `json:"cause,omitempty"`
	Description string       `json:"description,omitempty"`
	Payment     *PaymentView `json:"payment,omitempty"`
}

func mapStatus(value string) enums.SubscriptionStatus {
	status, err := enums.ParseSubscriptionStatus(strings.ToLower(strings.TrimSpace(value)))
	if err != nil {
		return enums.SubscriptionStatus(value)
	}
	return status
}

func toSubscriptionView(sub *gocardless.Subscription) *SubscriptionView {
	if sub == nil {
		return nil
	}
	return &SubscriptionView{
		ID:               sub.ID,
		Status:           mapStatus(sub.Status),
		AmountCents:      sub.Amount,
		Amount:           installments.FormatCents(sub.Amount),
		Currency:         sub.Currency,
		Count:            sub.Count,
		StartDate:        sub.StartDate,
		EndDate:          sub.EndDate,
		MandateID:        sub.Links.Mandate,
		UpcomingPayments: installments.UpcomingPaymentLines(sub.UpcomingPayments),
	}
}

func toEventView(ev gocardless.Event) EventView {
	return EventView{
		ID:          ev.ID,
		CreatedAt:   ev.CreatedAt,
		Resource:    ev.ResourceType,
		Action:      ev.Action,
		Cause:       ev.Details.Cause,
		Description: ev.Details.Description,
	}
}

func toPaymentView(p *gocardless.Payment) *PaymentView {
	if p == nil {
		return nil
	}
	return &PaymentView{
		ID:          p.ID,
		Status:      p.Status,
		AmountCents: p.Amount,
		Amount:      installments.FormatCents(p.Amount),
		ChargeDate:  p.ChargeDate,
		Description: p.Description,
	}
}
