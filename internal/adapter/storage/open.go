package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rl1809/record-locks/internal/config"
	"github.com/rl1809/record-locks/internal/port"
)

// Open connects the configured backend and makes sure its schema exists.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (port.RecordStore, error) {
	var (
		store port.RecordStore
		err   error
	)

	switch cfg.StoreBackend {
	case config.BackendMySQL:
		store, err = openMySQL(ctx, cfg)
	case config.BackendPostgres:
		store, err = NewPostgresStore(cfg.PostgresDSN, &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
	case config.BackendRedis:
		store, err = openRedis(ctx, cfg)
	default:
		store = NewMemoryStore()
	}
	if err != nil {
		return nil, err
	}

	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	logger.Info("record store ready", zap.String("backend", cfg.StoreBackend))
	return store, nil
}

func openMySQL(ctx context.Context, cfg config.Config) (*MySQLAdapter, error) {
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConn)
	db.SetMaxIdleConns(cfg.DBMaxIdleConn)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return NewMySQLAdapter(db), nil
}

func openRedis(ctx context.Context, cfg config.Config) (*RedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisAdapter(rdb), nil
}
