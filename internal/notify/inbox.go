package notify

import (
	"context"
	"time"

	"tana_market/internal/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// InboxRepo 收件箱查询。
type InboxRepo interface {
	ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]model.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	MarkRead(ctx context.Context, userID, id string, now time.Time) error
	MarkAllRead(ctx context.Context, userID string, now time.Time) (int64, error)
	Delete(ctx context.Context, userID, id string) error
	DeleteRead(ctx context.Context, userID string) (int64, error)
}

// Inbox 用户自己的通知，所有操作都限定在 userID 范围内。
type Inbox struct {
	repo InboxRepo
	now  func() time.Time
}

func NewInbox(repo InboxRepo, now func() time.Time) *Inbox {
	if now == nil {
		now = time.Now
	}
	return &Inbox{repo: repo, now: now}
}

func (i *Inbox) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]model.Notification, error) {
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	return i.repo.ListForUser(ctx, userID, unreadOnly, limit)
}

func (i *Inbox) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return i.repo.UnreadCount(ctx, userID)
}

func (i *Inbox) MarkRead(ctx context.Context, userID, id string) error {
	return i.repo.MarkRead(ctx, userID, id, i.now().UTC())
}

func (i *Inbox) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return i.repo.MarkAllRead(ctx, userID, i.now().UTC())
}

func (i *Inbox) Delete(ctx context.Context, userID, id string) error {
	return i.repo.Delete(ctx, userID, id)
}

func (i *Inbox) DeleteRead(ctx context.Context, userID string) (int64, error) {
	return i.repo.DeleteRead(ctx, userID)
}
