package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/installments-gateway/pkg/db"
	"github.com/angelmondragon/installments-gateway/pkg/db/models"
	"github.com/angelmondragon/installments-gateway/pkg/enums"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, order *models.Order) (*models.Order, error) {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.Status == "" {
		order.Status = enums.OrderStatusPending
	}
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, err
	}
	return order, nil
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindByIDAndKey(ctx context.Context, id uuid.UUID, orderKey string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Where("id = ? AND order_key = ?", id, orderKey).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FindOnHoldBySubscriptionID returns at most limit on-hold orders linked to the
// subscription. The subquery is served by the partial unique index.
func (r *repository) FindOnHoldBySubscriptionID(ctx context.Context, subscriptionID string, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 1
	}
	linked := r.db.Model(&models.OrderMeta{}).
		Select("order_id").
		Where("meta_key = ? AND meta_value = ?", enums.MetaSubscriptionID, subscriptionID)

	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where("status = ?", enums.OrderStatusOnHold).
		Where("id IN (?)", linked).
		Order("created_at ASC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repository) GetMeta(ctx context.Context, orderID uuid.UUID, key enums.OrderMetaKey) (string, bool, error) {
	var rows []models.OrderMeta
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND meta_key = ?", orderID, key).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return "", false, err
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	return rows[0].MetaValue, true, nil
}

func (r *repository) ListMeta(ctx context.Context, orderID uuid.UUID) (map[enums.OrderMetaKey]string, error) {
	var rows []models.OrderMeta
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[enums.OrderMetaKey]string, len(rows))
	for _, row := range rows {
		out[row.MetaKey] = row.MetaValue
	}
	return out, nil
}

func (r *repository) SetMeta(ctx context.Context, orderID uuid.UUID, key enums.OrderMetaKey, value string) error {
	row := models.OrderMeta{OrderID: orderID, MetaKey: key, MetaValue: value}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}, {Name: "meta_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"meta_value", "updated_at"}),
		}).
		Create(&row).Error
	return r.mapMetaError(err)
}

// SetMetaOnce inserts the value only when the key is absent. It reports
// whether this call wrote it.
func (r *repository) SetMetaOnce(ctx context.Context, orderID uuid.UUID, key enums.OrderMetaKey, value string) (bool, error) {
	row := models.OrderMeta{OrderID: orderID, MetaKey: key, MetaValue: value}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}, {Name: "meta_key"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return false, r.mapMetaError(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// TransitionStatus moves the order from -> to only if it is still in from.
// It returns false when another writer got there first.
func (r *repository) TransitionStatus(ctx context.Context, orderID uuid.UUID, from, to enums.OrderStatus, at time.Time) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("illegal order transition %s -> %s", from, to)
	}
	updates := map[string]any{
		"status":     to,
		"updated_at": at,
	}
	switch to {
	case enums.OrderStatusCompleted:
		updates["paid_at"] = at
	case enums.OrderStatusCancelled:
		updates["cancelled_at"] = at
	}

	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ?", orderID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) MarkStockReduced(ctx context.Context, orderID uuid.UUID, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND stock_reduced_at IS NULL", orderID).
		Updates(map[string]any{"stock_reduced_at": at, "updated_at": at})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListOnHoldWithSubscription returns on-hold installment orders oldest first.
func (r *repository) ListOnHoldWithSubscription(ctx context.Context, limit int) ([]SubscriptionRef, error) {
	var refs []SubscriptionRef
	query := r.db.WithContext(ctx).
		Table("orders AS o").
		Select("o.id AS order_id, m.meta_value AS subscription_id").
		Joins("JOIN order_meta AS m ON m.order_id = o.id AND m.meta_key = ?", enums.MetaSubscriptionID).
		Where("o.status = ? AND o.payment_method = ?", enums.OrderStatusOnHold, enums.PaymentMethodInstallments).
		Order("o.created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(&refs).Error; err != nil {
		return nil, err
	}
	return refs, nil
}

func (r *repository) mapMetaError(err error) error {
	if err == nil {
		return nil
	}
	// (order_id, meta_key) conflicts are absorbed by ON CONFLICT; the only
	// other unique index on order_meta is the subscription one.
	if db.IsUniqueViolation(err, "") {
		return fmt.Errorf("%w: %v", ErrSubscriptionTaken, err)
	}
	return err
}
