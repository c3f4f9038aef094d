package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/trusted-trading/internal/config"
	"github.com/PipeOpsHQ/trusted-trading/state"
	pgstore "github.com/PipeOpsHQ/trusted-trading/state/postgres"
	redisnotify "github.com/PipeOpsHQ/trusted-trading/state/redis"
	sqlitestore "github.com/PipeOpsHQ/trusted-trading/state/sqlite"
)

type Config struct {
	Backend       string
	SQLitePath    string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Backend is an opened store plus an optional cross-process notifier.
type Backend struct {
	Store    state.Store
	Notifier state.Notifier
	// NotifierErr is set when a redis address was configured but unreachable.
	NotifierErr error

	closers []func() error
}

func (b *Backend) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func ConfigFromEnv() Config {
	return Config{
		Backend:       config.Getenv("STATE_BACKEND", "sqlite"),
		SQLitePath:    config.Getenv("SQLITE_PATH", "./data/ledger.db"),
		DatabaseURL:   config.Getenv("DATABASE_URL", ""),
		RedisAddr:     config.Getenv("REDIS_ADDR", ""),
		RedisPassword: config.Getenv("REDIS_PASSWORD", ""),
		RedisDB:       config.ParseIntEnv("REDIS_DB", 0),
	}
}

func FromEnv(ctx context.Context) (*Backend, error) {
	return Open(ctx, ConfigFromEnv())
}

// Open connects the configured backend. A redis notifier that cannot be
// reached is not fatal: tails fall back to polling.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	b := &Backend{}

	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", "sqlite":
		s, err := sqlitestore.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.Store = s

	case "postgres", "postgresql":
		s, err := pgstore.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.Store = s

	default:
		return nil, fmt.Errorf("unsupported STATE_BACKEND %q (use sqlite or postgres)", backend)
	}
	b.closers = append(b.closers, b.Store.Close)

	if strings.TrimSpace(cfg.RedisAddr) != "" {
		n, err := redisnotify.New(cfg.RedisAddr,
			redisnotify.WithPassword(cfg.RedisPassword),
			redisnotify.WithDB(cfg.RedisDB),
		)
		if err != nil {
			b.NotifierErr = err
		} else {
			b.Notifier = n
			b.closers = append(b.closers, n.Close)
		}
	}
	return b, nil
}
