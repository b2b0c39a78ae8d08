package db

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"moul.io/zapgorm2"
)

// Options contains the connection parameters for PostgreSQL
type Options struct {
	URI          string
	Logger       *zap.Logger
	MaxOpenConns int
}

// New returns an instance for interacting with the PostgreSQL database
func New(option Options) (*gorm.DB, error) {
	if len(option.URI) == 0 {
		return nil, fmt.Errorf("empty URI is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.MaxOpenConns == 0 {
		option.MaxOpenConns = 20
	}
	// ErrRecordNotFound is handled in application logic, don't forward it to zap/sentry
	gLogger := zapgorm2.Logger{
		ZapLogger:                 option.Logger,
		LogLevel:                  gormlogger.Warn,
		SlowThreshold:             time.Second,
		SkipCallerLookup:          false,
		IgnoreRecordNotFoundError: true,
	}
	db, err := gorm.Open(postgres.Open(option.URI), &gorm.Config{
		Logger: gLogger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Cannot connect to database")
	}
	pool, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "Cannot get the connection pool")
	}
	pool.SetMaxIdleConns(2)
	pool.SetMaxOpenConns(option.MaxOpenConns)
	pool.SetConnMaxLifetime(time.Hour)
	return db, nil
}
