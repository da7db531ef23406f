package store

import (
	"context"

	"gorm.io/gorm"

	"tana_market/internal/model"
)

// PaymentAttemptStore 对账流水，只追加。
type PaymentAttemptStore struct {
	db *gorm.DB
}

func NewPaymentAttemptStore(db *gorm.DB) *PaymentAttemptStore {
	return &PaymentAttemptStore{db: db}
}

func (s *PaymentAttemptStore) Record(ctx context.Context, a *model.PaymentAttempt) error {
	return s.db.WithContext(ctx).Create(a).Error
}

// ListForOrder 按时间正序，方便还原对账过程。
func (s *PaymentAttemptStore) ListForOrder(ctx context.Context, orderID string) ([]model.PaymentAttempt, error) {
	var list []model.PaymentAttempt
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&list).Error
	return list, err
}

// CountByOutcome 统计某订单某种结论的次数。
func (s *PaymentAttemptStore) CountByOutcome(ctx context.Context, orderID string, outcome model.PaymentOutcome) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.PaymentAttempt{}).
		Where("order_id = ? AND outcome = ?", orderID, outcome).
		Count(&n).Error
	return n, err
}
