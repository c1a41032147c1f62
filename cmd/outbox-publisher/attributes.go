package main

import (
	"strconv"
	"time"

	"github.com/angelmondragon/installments-gateway/pkg/db/models"
	"github.com/angelmondragon/installments-gateway/pkg/outbox/payloads"
	"github.com/angelmondragon/installments-gateway/pkg/outbox/registry"
)

// messageAttributes builds the Pub/Sub attributes for a resolved row. Consumers
// filter subscriptions on order_number and subscription_id, so those are lifted
// out of the payload for every order event.
func messageAttributes(event models.OutboxEvent, resolved *registry.ResolvedEvent) map[string]string {
	attrs := map[string]string{
		"event_id":       resolved.Envelope.EventID,
		"event_type":     string(event.EventType),
		"aggregate_type": string(event.AggregateType),
		"aggregate_id":   event.AggregateID.String(),
		"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
	}
	if resolved.Envelope.Actor != nil && resolved.Envelope.Actor.Kind != "" {
		attrs["actor"] = resolved.Envelope.Actor.Kind
	}

	switch payload := resolved.Payload.(type) {
	case *payloads.InstallmentPlanStartedEvent:
		setOrderAttrs(attrs, payload.OrderNumber, payload.SubscriptionID, payload.Currency)
		if payload.NumberOfInstallments > 0 {
			attrs["installments"] = strconv.Itoa(payload.NumberOfInstallments)
		}
	case *payloads.OrderPaidEvent:
		setOrderAttrs(attrs, payload.OrderNumber, payload.SubscriptionID, payload.Currency)
		setNonEmpty(attrs, "source_event_id", payload.SourceEventID)
	case *payloads.OrderCancelledEvent:
		setOrderAttrs(attrs, payload.OrderNumber, payload.SubscriptionID, "")
		setNonEmpty(attrs, "source_event_id", payload.SourceEventID)
		setNonEmpty(attrs, "cause", payload.Cause)
	}
	return attrs
}

func setOrderAttrs(attrs map[string]string, orderNumber int64, subscriptionID, currency string) {
	if orderNumber > 0 {
		attrs["order_number"] = strconv.FormatInt(orderNumber, 10)
	}
	setNonEmpty(attrs, "subscription_id", subscriptionID)
	setNonEmpty(attrs, "currency", currency)
}

func setNonEmpty(attrs map[string]string, key, value string) {
	if value != "" {
		attrs[key] = value
	}
}

func subscriptionOf(payload any) string {
	switch p := payload.(type) {
	case *payloads.InstallmentPlanStartedEvent:
		return p.SubscriptionID
	case *payloads.OrderPaidEvent:
		return p.SubscriptionID
	case *payloads.OrderCancelledEvent:
		return p.SubscriptionID
	}
	return ""
}
