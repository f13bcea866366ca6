// Package testdb opens migrated in-memory databases for package tests.
package testdb

import (
	"fmt"
	"testing"
	"time"

	"tercuman.link/configs/configslog"
	"tercuman.link/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// New returns a fresh sqlite database with every engine table migrated and
// points the global logger at t. Timestamps are written in UTC because sqlite
// compares them as text.
//
// The pool holds a single connection: a transaction owns it until commit, so
// concurrent callers queue instead of hitting SQLITE_LOCKED.
func New(t testing.TB) *gorm.DB {
	t.Helper()

	configslog.SetLogger(zaptest.NewLogger(t))
	t.Cleanup(func() { configslog.SetLogger(nil) })

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.RunMigrationsInOrder(db))
	return db
}
