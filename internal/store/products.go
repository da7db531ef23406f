package store

import (
	"context"

	"gorm.io/gorm"

	"tana_market/internal/model"
)

// ProductStore 商品目录，只读查询加上种子数据写入。
type ProductStore struct {
	db *gorm.DB
}

func NewProductStore(db *gorm.DB) *ProductStore {
	return &ProductStore{db: db}
}

func (s *ProductStore) Create(ctx context.Context, p *model.Product) error {
	return s.db.WithContext(ctx).Create(p).Error
}

// FindActive 批量取上架商品，缺失的 id 直接不出现在结果里。
func (s *ProductStore) FindActive(ctx context.Context, ids []uint) (map[uint]model.Product, error) {
	out := make(map[uint]model.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var list []model.Product
	if err := s.db.WithContext(ctx).Where("id IN ? AND active = ?", ids, true).Find(&list).Error; err != nil {
		return nil, err
	}
	for _, p := range list {
		out[p.ID] = p
	}
	return out, nil
}

// ListActive 上架商品，按 id 排序。
func (s *ProductStore) ListActive(ctx context.Context) ([]model.Product, error) {
	var list []model.Product
	err := s.db.WithContext(ctx).Where("active = ?", true).Order("id ASC").Find(&list).Error
	return list, err
}
