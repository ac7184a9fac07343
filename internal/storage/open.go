package storage

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open returns the PostgreSQL store when dsn is set and the embedded Pebble
// store at pebblePath otherwise. The Postgres schema is migrated on open.
func Open(dsn, pebblePath string, log *zap.Logger) (MessageStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dsn == "" {
		store, err := OpenPebble(pebblePath, log)
		if err != nil {
			return nil, fmt.Errorf("open pebble store at %s: %w", pebblePath, err)
		}
		log.Info("using embedded message store", zap.String("path", pebblePath))
		return store, nil
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	svc := NewStorageService(db, log)
	if err := svc.Migrate(); err != nil {
		_ = svc.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("using postgres message store")
	return svc, nil
}
