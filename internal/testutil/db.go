// Package testutil holds helpers shared by package tests.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/marminbh/hook-svc/internal/models"
)

var dbCounter atomic.Int64

// NewDB opens a private in-memory SQLite database with the service schema.
// A single connection serializes access the way row locks do in Postgres.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:hooksvc_%d?mode=memory&cache=shared&_busy_timeout=5000", dbCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.Form{}, &models.Hook{}, &models.HookLog{}, &models.Submission{}))
	return db
}

// CreateHook inserts a hook, keeping an explicit Active=false
func CreateHook(t testing.TB, db *gorm.DB, hook *models.Hook) *models.Hook {
	t.Helper()
	require.NoError(t, db.Create(hook).Error)
	return hook
}

// CreateForm inserts a row into the forms table
func CreateForm(t testing.TB, db *gorm.DB, id, ownerEmail string) *models.Form {
	t.Helper()
	form := &models.Form{ID: id, Name: "Form " + id, OwnerEmail: ownerEmail}
	require.NoError(t, db.Create(form).Error)
	return form
}
