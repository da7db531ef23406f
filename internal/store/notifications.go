package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"tana_market/internal/model"
)

// NotificationStore 站内通知仓储。
type NotificationStore struct {
	db *gorm.DB
}

func NewNotificationStore(db *gorm.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

// Upsert 按 (user, type, order) 去重：已有则覆盖内容并重新置为未读。
// 返回 true 表示新建。
func (s *NotificationStore) Upsert(ctx context.Context, n *model.Notification) (bool, error) {
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if n.OrderID != "" {
			var existing model.Notification
			err := tx.Where("user_id = ? AND type = ? AND order_id = ?", n.UserID, n.Type, n.OrderID).
				First(&existing).Error
			switch {
			case err == nil:
				n.ID = existing.ID
				n.CreatedAt = existing.CreatedAt
				n.Read = false
				return tx.Model(&existing).Updates(map[string]any{
					"title":      n.Title,
					"message":    n.Message,
					"link":       n.Link,
					"metadata":   n.Metadata,
					"is_read":    false,
					"updated_at": n.UpdatedAt,
				}).Error
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
		}
		created = true
		return tx.Create(n).Error
	})
	return created, err
}

// ListForUser 最新在前，unreadOnly 只看未读。
func (s *NotificationStore) ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]model.Notification, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC")
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var list []model.Notification
	return list, q.Find(&list).Error
}

func (s *NotificationStore) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&n).Error
	return n, err
}

// MarkRead 只能操作自己的通知。
func (s *NotificationStore) MarkRead(ctx context.Context, userID, id string, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{"is_read": true, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *NotificationStore) MarkAllRead(ctx context.Context, userID string, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Updates(map[string]any{"is_read": true, "updated_at": now})
	return res.RowsAffected, res.Error
}

func (s *NotificationStore) Delete(ctx context.Context, userID, id string) error {
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&model.Notification{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *NotificationStore) DeleteRead(ctx context.Context, userID string) (int64, error) {
	res := s.db.WithContext(ctx).Where("user_id = ? AND is_read = ?", userID, true).Delete(&model.Notification{})
	return res.RowsAffected, res.Error
}
