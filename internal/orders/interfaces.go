package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/installments-gateway/pkg/db/models"
	"github.com/angelmondragon/installments-gateway/pkg/enums"
)

// ErrSubscriptionTaken is returned when another order already carries the subscription id.
var ErrSubscriptionTaken = errors.New("subscription id already linked to another order")

// SubscriptionRef pairs an order with the processor subscription collecting it.
type SubscriptionRef struct {
	OrderID        uuid.UUID
	SubscriptionID string
}

// Repository defines persistence operations for orders and their metadata.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order) (*models.Order, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByIDAndKey(ctx context.Context, id uuid.UUID, orderKey string) (*models.Order, error)
	FindOnHoldBySubscriptionID(ctx context.Context, subscriptionID string, limit int) ([]models.Order, error)
	GetMeta(ctx context.Context, orderID uuid.UUID, key enums.OrderMetaKey) (string, bool, error)
	ListMeta(ctx context.Context, orderID uuid.UUID) (map[enums.OrderMetaKey]string, error)
	SetMeta(ctx context.Context, orderID uuid.UUID, key enums.OrderMetaKey, value string) error
	SetMetaOnce(ctx context.Context, orderID uuid.UUID, key enums.OrderMetaKey, value string) (bool, error)
	TransitionStatus(ctx context.Context, orderID uuid.UUID, from, to enums.OrderStatus, at time.Time) (bool, error)
	MarkStockReduced(ctx context.Context, orderID uuid.UUID, at time.Time) (bool, error)
	ListOnHoldWithSubscription(ctx context.Context, limit int) ([]SubscriptionRef, error)
}
