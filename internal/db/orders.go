package db

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"abengine/internal/experiment"
)

// completedOrderStatuses are the order states counted as a finished purchase.
var completedOrderStatuses = []string{"DELIVERED", "COMPLETED"}

// OrderHistory answers order-count targeting from the marketplace's orders
// table.
type OrderHistory struct {
	db *gorm.DB
}

var _ experiment.OrderHistory = (*OrderHistory)(nil)

func NewOrderHistory(db *gorm.DB) *OrderHistory {
	return &OrderHistory{db: db}
}

func (o *OrderHistory) CompletedOrderCount(ctx context.Context, subjectID string) (int64, error) {
	var n int64
	if err := o.db.WithContext(ctx).Model(&Order{}).
		Where("user_id = ? AND status IN ?", subjectID, completedOrderStatuses).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count orders of %s: %w", subjectID, err)
	}
	return n, nil
}
