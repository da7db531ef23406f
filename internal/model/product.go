package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Product 商品目录的最小视图：下单时只需要名称和当前价格做快照。
type Product struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name   string          `gorm:"size:128;not null" json:"name"`
	Price  decimal.Decimal `gorm:"type:varchar(32);not null" json:"price"`
	Active bool            `gorm:"not null;default:true" json:"active"`
}

func (Product) TableName() string { return "products" }
