package orders

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(ctx context.Context, order *Order) error {
	return d.db.WithContext(ctx).Create(order).Error
}

func (d *Database) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByOrderIDAndClientID(ctx context.Context, orderID, clientID string) (*Order, error) {
	var order Order
	if err := d.db.WithContext(ctx).Where("order_id = ? AND client_id = ?", orderID, clientID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) ListAutomationOrders(ctx context.Context, automationID, clientID string) ([]Order, error) {
	var orders []Order
	if err := d.db.WithContext(ctx).
		Where("automation_id = ? AND client_id = ?", automationID, clientID).
		Order("id DESC").
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// ReserveOrder records the idempotency key and the pending order in one
// transaction. It reports false, writing nothing, when the key is taken.
func (d *Database) ReserveOrder(ctx context.Context, order *Order, expiresAt time.Time) (bool, error) {
	reserved := false
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := IdempotencyRecord{
			IdempotencyKey: order.IdempotencyKey,
			ResourceID:     order.OrderID,
			ResourceType:   "order",
			ExpiresAt:      expiresAt.UTC(),
		}
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).Create(&record)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		reserved = true
		return nil
	})
	return reserved, err
}

// FillOrder marks a reserved order filled
func (d *Database) FillOrder(ctx context.Context, order *Order, fill *Fill) error {
	filledAt := fill.FilledAt
	if err := d.db.WithContext(ctx).Model(&Order{}).
		Where("order_id = ?", order.OrderID).
		Updates(map[string]interface{}{
			"status":      StatusFilled,
			"venue_id":    fill.VenueID,
			"fee_amount":  fill.FeeAmount,
			"executed_at": filledAt,
		}).Error; err != nil {
		return err
	}
	order.Status = StatusFilled
	order.VenueID = fill.VenueID
	order.FeeAmount = fill.FeeAmount
	order.ExecutedAt = &filledAt
	return nil
}

// ReleaseFailed marks the order failed and frees its key for a retry
func (d *Database) ReleaseFailed(ctx context.Context, orderID, idempotencyKey, reason string) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Order{}).
			Where("order_id = ? AND status = ?", orderID, StatusPending).
			Updates(map[string]interface{}{
				"status": StatusFailed,
				"error":  reason,
			}).Error; err != nil {
			return err
		}
		return tx.Unscoped().
			Where("idempotency_key = ? AND resource_id = ?", idempotencyKey, orderID).
			Delete(&IdempotencyRecord{}).Error
	})
}

// GetIdempotencyRecord retrieves an idempotency record by key, or nil
func (d *Database) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// PurgeExpiredIdempotency drops records past their expiry
func (d *Database) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	result := d.db.WithContext(ctx).Unscoped().Where("expires_at < ?", now.UTC()).Delete(&IdempotencyRecord{})
	return result.RowsAffected, result.Error
}

func (d *Database) DeleteIdempotencyRecord(ctx context.Context, key string) error {
	return d.db.WithContext(ctx).Unscoped().Where("idempotency_key = ?", key).Delete(&IdempotencyRecord{}).Error
}
