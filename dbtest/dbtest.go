// Package dbtest opens throwaway in-memory databases for package tests.
package dbtest

import (
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// New returns a gorm handle on a fresh in-memory SQLite database. The pool is pinned to a single
// connection so every goroutine in the test sees the same database, and writers queue up behind
// each other the way row locks would serialize them on Postgres.
func New(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("Cannot open in-memory database: %v", err)
	}
	pool, err := db.DB()
	if err != nil {
		t.Fatalf("Cannot get the connection pool: %v", err)
	}
	pool.SetMaxOpenConns(1)
	pool.SetMaxIdleConns(1)
	t.Cleanup(func() {
		pool.Close()
	})
	return db
}
