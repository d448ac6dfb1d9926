package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rl1809/escrow-settlement/internal/core/domain"
)

const (
	StorageMemory = "memory"
	StorageMySQL  = "mysql"

	LockLocal = "local"
	LockRedis = "redis"

	TreasuryMemory = "memory"
	TreasuryHTTP   = "http"

	EventsLog      = "log"
	EventsRabbitMQ = "rabbitmq"
)

// Config holds every runtime setting of the escrow services, read from the
// environment and an optional .env file.
type Config struct {
	HTTPAddr          string        `mapstructure:"HTTP_ADDR"`
	GRPCAddr          string        `mapstructure:"GRPC_ADDR"`
	StorageBackend    string        `mapstructure:"STORAGE_BACKEND"`
	MySQLDSN          string        `mapstructure:"MYSQL_DSN"`
	LockBackend       string        `mapstructure:"LOCK_BACKEND"`
	RedisAddr         string        `mapstructure:"REDIS_ADDR"`
	LockTTL           time.Duration `mapstructure:"LOCK_TTL"`
	AuthorityID       string        `mapstructure:"AUTHORITY_ID"`
	FeePercentage     int           `mapstructure:"PLATFORM_FEE_PERCENT"`
	TreasuryBackend   string        `mapstructure:"TREASURY_BACKEND"`
	TreasuryURL       string        `mapstructure:"TREASURY_URL"`
	TreasuryAPIKey    string        `mapstructure:"TREASURY_API_KEY"`
	EventsBackend     string        `mapstructure:"EVENTS_BACKEND"`
	RabbitMQURL       string        `mapstructure:"RABBITMQ_URL"`
	EventsExchange    string        `mapstructure:"EVENTS_EXCHANGE"`
	EventQueueSize    int           `mapstructure:"EVENT_QUEUE_SIZE"`
	EventWorkers      int           `mapstructure:"EVENT_WORKERS"`
	JWTSecret         string        `mapstructure:"JWT_SECRET"`
	ReconcileSchedule string        `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileBatch    int           `mapstructure:"RECONCILE_BATCH"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
}

var keys = []string{
	"HTTP_ADDR", "GRPC_ADDR", "STORAGE_BACKEND", "MYSQL_DSN", "LOCK_BACKEND", "REDIS_ADDR",
	"LOCK_TTL", "AUTHORITY_ID", "PLATFORM_FEE_PERCENT", "TREASURY_BACKEND", "TREASURY_URL",
	"TREASURY_API_KEY", "EVENTS_BACKEND", "RABBITMQ_URL", "EVENTS_EXCHANGE", "EVENT_QUEUE_SIZE",
	"EVENT_WORKERS", "JWT_SECRET", "RECONCILE_SCHEDULE", "RECONCILE_BATCH", "LOG_LEVEL",
}

// Load reads configuration from the environment, falling back to a .env file
// in path when present.
func Load(path string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":50051")
	v.SetDefault("STORAGE_BACKEND", StorageMemory)
	v.SetDefault("LOCK_BACKEND", LockLocal)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("LOCK_TTL", "10s")
	v.SetDefault("PLATFORM_FEE_PERCENT", 2)
	v.SetDefault("TREASURY_BACKEND", TreasuryMemory)
	v.SetDefault("EVENTS_BACKEND", EventsLog)
	v.SetDefault("EVENTS_EXCHANGE", "escrow.events")
	v.SetDefault("EVENT_QUEUE_SIZE", 10000)
	v.SetDefault("EVENT_WORKERS", 4)
	v.SetDefault("RECONCILE_SCHEDULE", "@every 1m")
	v.SetDefault("RECONCILE_BATCH", 100)
	v.SetDefault("LOG_LEVEL", "info")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.AuthorityID) == "" {
		return errors.New("config: AUTHORITY_ID is required")
	}
	if err := domain.ValidateFeePercentage(c.FeePercentage); err != nil {
		return fmt.Errorf("config: PLATFORM_FEE_PERCENT: %w", err)
	}

	switch c.StorageBackend {
	case StorageMemory:
	case StorageMySQL:
		if c.MySQLDSN == "" {
			return errors.New("config: MYSQL_DSN is required for mysql storage")
		}
	default:
		return fmt.Errorf("config: unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	switch c.LockBackend {
	case LockLocal, LockRedis:
	default:
		return fmt.Errorf("config: unknown LOCK_BACKEND %q", c.LockBackend)
	}

	switch c.TreasuryBackend {
	case TreasuryMemory:
	case TreasuryHTTP:
		if c.TreasuryURL == "" {
			return errors.New("config: TREASURY_URL is required for http treasury")
		}
	default:
		return fmt.Errorf("config: unknown TREASURY_BACKEND %q", c.TreasuryBackend)
	}

	switch c.EventsBackend {
	case EventsLog:
	case EventsRabbitMQ:
		if c.RabbitMQURL == "" {
			return errors.New("config: RABBITMQ_URL is required for rabbitmq events")
		}
	default:
		return fmt.Errorf("config: unknown EVENTS_BACKEND %q", c.EventsBackend)
	}
	return nil
}

// ValidateReconciler rejects settings under which a standalone reconciler
// would sweep its own empty process-local ledger.
func (c Config) ValidateReconciler() error {
	if c.StorageBackend == StorageMemory {
		return errors.New("config: reconciler needs shared storage, set STORAGE_BACKEND=mysql")
	}
	return nil
}

func (c Config) PlatformSettings() domain.PlatformSettings {
	return domain.PlatformSettings{Authority: c.AuthorityID, FeePercentage: c.FeePercentage}
}
