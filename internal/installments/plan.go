package installments

import (
	"fmt"
	"strconv"

	"github.com/angelmondragon/installments-gateway/pkg/db/models"
	"github.com/angelmondragon/installments-gateway/pkg/enums"
)

// Plan is the installment schedule derived from an order and its metadata.
type Plan struct {
	Count          int
	SubscriptionID string
	TotalCents     int64
}

// HasSubscription reports whether the processor subscription was already created.
func (p Plan) HasSubscription() bool {
	return p.SubscriptionID != ""
}

func (p Plan) InstallmentCents() (int64, error) {
	return InstallmentCents(p.TotalCents, p.Count)
}

// PlanFromMeta reads the plan; a missing or unsupported count is an error.
func PlanFromMeta(order *models.Order, meta map[enums.OrderMetaKey]string) (Plan, error) {
	raw, ok := meta[enums.MetaNumberOfInstallments]
	if !ok || raw == "" {
		return Plan{}, fmt.Errorf("order %s has no installment count", order.ID)
	}
	count, err := strconv.Atoi(raw)
	if err != nil || !IsAllowedCount(count) {
		return Plan{}, fmt.Errorf("order %s has invalid installment count %q", order.ID, raw)
	}
	return Plan{
		Count:          count,
		SubscriptionID: meta[enums.MetaSubscriptionID],
		TotalCents:     order.TotalCents,
	}, nil
}

// Description is the text shown on the mandate page and subscription.
func Description(order *models.Order, count int) string {
	return fmt.Sprintf("Order #%d - %s%s over %d equal monthly installments",
		order.OrderNumber, order.Currency.Symbol(), FormatCents(order.TotalCents), count)
}
