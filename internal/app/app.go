// Package app assembles the engine from configuration. Both binaries share it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rl1809/escrow-settlement/internal/adapter/events"
	"github.com/rl1809/escrow-settlement/internal/adapter/lock"
	"github.com/rl1809/escrow-settlement/internal/adapter/storage"
	"github.com/rl1809/escrow-settlement/internal/adapter/treasury"
	"github.com/rl1809/escrow-settlement/internal/config"
	"github.com/rl1809/escrow-settlement/internal/core/service"
	"github.com/rl1809/escrow-settlement/internal/metrics"
	"github.com/rl1809/escrow-settlement/internal/port"
)

// App is a wired OrderService plus the resources it owns.
type App struct {
	Service *service.OrderService
	closers []func()
}

// NewLogger builds the production logger, or a development one for debug.
func NewLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	return cfg.Build()
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, settings, err := a.buildStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	locker, err := a.buildLocker(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	publisher, err := a.buildEvents(cfg, logger)
	if err != nil {
		return nil, err
	}

	var custody port.Treasury
	switch cfg.TreasuryBackend {
	case config.TreasuryHTTP:
		custody = treasury.NewHTTPClient(cfg.TreasuryURL, cfg.TreasuryAPIKey)
	default:
		custody = treasury.NewRecorder()
		logger.Warn("using in-memory treasury recorder, no funds move")
	}

	platform, err := service.NewPlatformConfig(cfg.PlatformSettings(), settings)
	if err != nil {
		return nil, err
	}
	if err := platform.Load(ctx); err != nil {
		return nil, fmt.Errorf("load platform settings: %w", err)
	}
	metrics.SetFeePercentage(platform.FeePercentage())

	svc, err := service.NewOrderService(store, custody, locker, platform,
		service.WithLogger(logger.Named("custody")),
		service.WithEventPublisher(publisher))
	if err != nil {
		return nil, err
	}
	a.Service = svc
	ok = true
	return a, nil
}

func (a *App) buildStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (service.Store, port.SettingsRepository, error) {
	if cfg.StorageBackend != config.StorageMySQL {
		logger.Info("using in-memory storage")
		mem := storage.NewMemoryAdapter()
		return mem, mem, nil
	}

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	a.closers = append(a.closers, func() { db.Close() })

	if err := db.PingContext(ctx); err != nil {
		return nil, nil, fmt.Errorf("ping mysql: %w", err)
	}
	mysqlAdapter := storage.NewMySQLAdapter(db)
	if err := mysqlAdapter.Migrate(ctx); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("connected to mysql")
	return mysqlAdapter, mysqlAdapter, nil
}

func (a *App) buildLocker(ctx context.Context, cfg config.Config, logger *zap.Logger) (port.KeyLocker, error) {
	if cfg.LockBackend != config.LockRedis {
		return lock.NewLocalLocker(), nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: 100,
	})
	a.closers = append(a.closers, func() { rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	locker := storage.NewRedisAdapter(rdb, cfg.LockTTL)
	locker.OnLockLost(func(key string) {
		logger.Warn("order lock released after expiry", zap.String("key", key), zap.Error(storage.ErrLockLost))
	})
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	return locker, nil
}

func (a *App) buildEvents(cfg config.Config, logger *zap.Logger) (port.EventPublisher, error) {
	var sink port.EventPublisher
	switch cfg.EventsBackend {
	case config.EventsRabbitMQ:
		rmq, err := events.NewRabbitMQPublisher(cfg.RabbitMQURL, cfg.EventsExchange)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		a.closers = append(a.closers, rmq.Close)
		sink = rmq
		logger.Info("publishing events to rabbitmq", zap.String("exchange", cfg.EventsExchange))
	default:
		sink = events.NewLogPublisher(logger)
	}

	async := events.NewAsyncPublisher(sink, cfg.EventQueueSize, cfg.EventWorkers, logger.Named("events"))
	// Drain queued events before the sink's connection goes away.
	a.closers = append(a.closers, async.Close)
	return async, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
