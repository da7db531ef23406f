// Package storetest opens throwaway in-memory databases for tests.
package storetest

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tana_market/internal/store"
)

var seq atomic.Int64

// NewDB 每个测试一个独立的内存库，结束时关闭。
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:tana_test_%d?mode=memory&cache=shared", seq.Add(1))
	db, err := store.Open("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}
