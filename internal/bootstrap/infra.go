// Package bootstrap opens the Redis, MySQL and RabbitMQ connections shared by
// the binaries.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rl1809/stock-sync/internal/adapter/broker"
	"github.com/rl1809/stock-sync/internal/config"
)

type Infra struct {
	Redis  *redis.Client
	DB     *sql.DB
	Bridge *broker.RabbitMQBridge
}

type Options struct {
	// SkipBroker leaves Bridge nil, for commands that never publish.
	SkipBroker bool
}

// Connect opens and pings every backend. On failure the connections opened
// so far are closed.
func Connect(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*Infra, error) {
	infra := &Infra{}

	infra.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := infra.Redis.Ping(ctx).Err(); err != nil {
		infra.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	infra.DB = db

	if err := db.PingContext(ctx); err != nil {
		infra.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	logger.Info("connected to mysql")

	if opts.SkipBroker {
		return infra, nil
	}

	bridge, err := broker.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.Bridge(), logger)
	if err != nil {
		infra.Close()
		return nil, err
	}
	infra.Bridge = bridge
	logger.Info("connected to rabbitmq", zap.String("queue", cfg.RabbitMQ.Queue))

	return infra, nil
}

// Close closes the broker first so unacknowledged deliveries are requeued
// before the stores go away.
func (i *Infra) Close() error {
	var errs []error

	if i.Bridge != nil {
		errs = append(errs, i.Bridge.Close())
	}
	if i.DB != nil {
		errs = append(errs, i.DB.Close())
	}
	if i.Redis != nil {
		errs = append(errs, i.Redis.Close())
	}

	return errors.Join(errs...)
}
