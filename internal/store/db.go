// Package store holds the gorm-backed repositories.
package store

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tana_market/internal/model"
)

var (
	// ErrNotFound 记录不存在。
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateTrackingNumber 追踪号违反部分唯一索引。
	ErrDuplicateTrackingNumber = errors.New("store: duplicate tracking number")
)

const trackingIndexName = "idx_orders_tracking_number"

// Open 按驱动打开数据库。SQLite 只保留一个连接，写入天然串行，避免 database is locked。
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if db.Dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Migrate 自动建表，并补上 tracking_number 的部分唯一索引。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.User{},
		&model.Product{},
		&model.Order{},
		&model.OrderItem{},
		&model.Notification{},
		&model.PaymentAttempt{},
	); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return ensureTrackingIndex(db)
}

// ensureTrackingIndex SQLite 用 WHERE 建部分索引；MySQL 的唯一索引本身允许多个 NULL。
func ensureTrackingIndex(db *gorm.DB) error {
	if db.Migrator().HasIndex(&model.Order{}, trackingIndexName) {
		return nil
	}
	stmt := "CREATE UNIQUE INDEX " + trackingIndexName + " ON orders (tracking_number)"
	if db.Dialector.Name() != "mysql" {
		stmt += " WHERE tracking_number IS NOT NULL"
	}
	if err := db.Exec(stmt).Error; err != nil {
		return fmt.Errorf("store: create tracking index: %w", err)
	}
	return nil
}

// isUniqueViolation 兼容未翻译的驱动错误。
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique") || strings.Contains(s, "Duplicate entry")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
