package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"tana_market/internal/model"
)

// ErrDuplicateEmail 邮箱已注册。
var ErrDuplicateEmail = errors.New("store: duplicate email")

// UserStore 用户与员工名单。
type UserStore struct {
	db *gorm.DB
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) Create(ctx context.Context, u *model.User) error {
	err := s.db.WithContext(ctx).Create(u).Error
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	return err
}

func (s *UserStore) FindByID(ctx context.Context, id string) (model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return model.User{}, notFound(err)
	}
	return u, nil
}

func (s *UserStore) FindByEmail(ctx context.Context, email string) (model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return model.User{}, notFound(err)
	}
	return u, nil
}

// ActiveStaffIDs 员工广播的收件人：active 的 admin 与 manager。
func (s *UserStore) ActiveStaffIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.User{}).
		Where("active = ? AND role IN ?", true, []model.Role{model.RoleAdmin, model.RoleManager}).
		Order("created_at ASC").
		Pluck("id", &ids).Error
	return ids, err
}
