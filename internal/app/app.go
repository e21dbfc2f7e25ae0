// Package app connects the shared backends used by the server and worker
// binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiranshivaraju/strokelab/internal/cache"
	"github.com/kiranshivaraju/strokelab/internal/config"
	"github.com/kiranshivaraju/strokelab/internal/queue"
	"github.com/kiranshivaraju/strokelab/internal/storage"
	"github.com/kiranshivaraju/strokelab/internal/store"
)

// NewLogger returns a JSON slog logger at the named level.
func NewLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

// Backends are the connections every process needs.
type Backends struct {
	Pool    *pgxpool.Pool
	Store   *store.PostgresStore
	Cache   *cache.RedisCache
	Objects *storage.S3Store
	Broker  queue.Broker
}

// Options control what Open does beyond connecting.
type Options struct {
	Migrate bool
	// ConsumerName identifies this process to the streams backend.
	ConsumerName string
}

// Open connects to Postgres, Redis, object storage and the queue. On error
// everything opened so far is closed.
func Open(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (_ *Backends, err error) {
	b := &Backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	b.Pool, err = store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Info("database connected")

	if opts.Migrate {
		if err = store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("database migrations applied")
	}
	b.Store = store.NewPostgresStore(b.Pool)

	b.Cache, err = cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err = b.Cache.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	b.Objects, err = storage.NewS3Store(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("create object store: %w", err)
	}

	b.Broker, err = newBroker(cfg, b.Cache, opts.ConsumerName, logger)
	if err != nil {
		return nil, fmt.Errorf("create queue broker: %w", err)
	}
	logger.Info("queue ready", "backend", cfg.Queue.Backend)
	return b, nil
}

func newBroker(cfg *config.Config, c *cache.RedisCache, consumer string, logger *slog.Logger) (queue.Broker, error) {
	switch cfg.Queue.Backend {
	case "streams":
		if consumer == "" {
			consumer = DefaultConsumerName()
		}
		return queue.NewStreamBroker(c.Client(), cfg.Queue.StreamPrefix, consumer, cfg.Queue.VisibilityTimeout, logger), nil
	case "asynq":
		b, err := queue.NewAsynqBroker(cfg.Redis.URL, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

// DefaultConsumerName is hostname-pid.
func DefaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "strokelab"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Close releases every opened backend.
func (b *Backends) Close() error {
	var errs []error
	if b.Broker != nil {
		errs = append(errs, b.Broker.Close())
	}
	if b.Cache != nil {
		errs = append(errs, b.Cache.Close())
	}
	if b.Pool != nil {
		b.Pool.Close()
	}
	return errors.Join(errs...)
}
