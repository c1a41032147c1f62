package gocardlesswebhook

import (
	"context"
	"errors"
	"strings"

	"github.com/angelmondragon/installments-gateway/internal/orders"
	"github.com/angelmondragon/installments-gateway/pkg/db/models"
	pkgerrors "github.com/angelmondragon/installments-gateway/pkg/errors"
)

// Locator finds the on-hold order a subscription is collecting for.
type Locator struct {
	orders orders.Repository
}

func NewLocator(repo orders.Repository) (*Locator, error) {
	if repo == nil {
		return nil, errors.New("orders repository is required")
	}
	return &Locator{orders: repo}, nil
}

// Locate returns (nil, nil) when no on-hold order carries subscriptionID. More
// than one match is an INTERNAL_ERROR; it never picks one.
func (l *Locator) Locate(ctx context.Context, subscriptionID string) (*models.Order, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return nil, nil
	}
	found, err := l.orders.FindOnHoldBySubscriptionID(ctx, subscriptionID, 2)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "look up order by subscription")
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return &found[0], nil
	}
	return nil, pkgerrors.New(pkgerrors.CodeInternal, "multiple on-hold orders share subscription").
		WithDetails(map[string]any{
			"subscription_id": subscriptionID,
			"order_ids":       []string{found[0].ID.String(), found[1].ID.String()},
		})
}
