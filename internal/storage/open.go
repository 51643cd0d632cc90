package storage

import (
	"context"
	"fmt"
	"log/slog"

	"mapmo/backend/internal/config"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects the backend selected by cfg, runs migrations and returns
// the store with a function releasing its connections.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (Storage, func(), error) {
	if cfg.StorageBackend == config.BackendMemory {
		log.InfoContext(ctx, "using in-memory storage")
		return NewMemoryStore(), func() {}, nil
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	s := NewStorageService(db, rdb)
	s.Log = log.With("component", "storage")
	if err := s.Migrate(ctx); err != nil {
		return nil, nil, err
	}
	if rdb != nil {
		if err := s.RebuildSearchQueue(ctx); err != nil {
			log.WarnContext(ctx, "rebuild search queue", "error", err)
		}
	}
	log.InfoContext(ctx, "database connections established", "redis", rdb != nil)

	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
		if rdb != nil {
			rdb.Close()
		}
	}
	return s, closeFn, nil
}
