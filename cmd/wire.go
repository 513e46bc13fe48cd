package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nm2tech/tokenmeter"
	"github.com/nm2tech/tokenmeter/meter"
	"github.com/nm2tech/tokenmeter/provider/gemini"
	"github.com/nm2tech/tokenmeter/provider/openaicompat"
	"github.com/nm2tech/tokenmeter/quota"
	"github.com/nm2tech/tokenmeter/quota/postgres"
	"github.com/nm2tech/tokenmeter/quota/redis"
	"github.com/nm2tech/tokenmeter/quota/sqlite"
)

// app holds what every subcommand shares: config, logger, store and gate.
type app struct {
	cfg     tokenmeter.Config
	logger  *zap.Logger
	store   tokenmeter.Store
	gate    *tokenmeter.Gate
	closers []func() error
}

func wireApp(ctx context.Context, v *viper.Viper) (*app, error) {
	cfg, err := tokenmeter.LoadConfig(v.GetString("config"))
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Log.Level, v.GetBool("verbose"))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	loc, err := cfg.Location()
	if err != nil {
		_ = a.close()
		return nil, err
	}
	a.gate, err = tokenmeter.NewGate(cfg.Policy(),
		tokenmeter.WithStore(store),
		tokenmeter.WithMeter(meter.NewLogMeter(logger)),
		tokenmeter.WithLocation(loc),
		tokenmeter.WithRetention(cfg.Quota.Retention),
	)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newLogger(level string, verbose bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zcfg.Build()
}

func openStore(ctx context.Context, cfg tokenmeter.StoreConfig) (tokenmeter.Store, func() error, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("tokenmeter/postgres: connect: %w", err)
		}
		s := postgres.New(pool, postgres.WithTablePrefix(cfg.Prefix))
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, func() error { pool.Close(); return nil }, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("tokenmeter/redis: ping: %w", err)
		}
		var opts []redis.Option
		if cfg.Prefix != "" {
			opts = append(opts, redis.WithKeyPrefix(cfg.Prefix))
		}
		return redis.New(client, opts...), client.Close, nil

	case "memory":
		return quota.NewMemoryStore(), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("tokenmeter: unknown store driver %q", cfg.Driver)
}

func newCompleters(ctx context.Context, cfg tokenmeter.Config) ([]tokenmeter.Completer, error) {
	completers := make([]tokenmeter.Completer, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		switch p.Kind {
		case "openai":
			baseURL := p.BaseURL
			if baseURL == "" {
				baseURL = "https://api.openai.com/v1"
			}
			completers = append(completers, openaicompat.New(p.Name, baseURL, p.APIKey,
				openaicompat.WithModel(p.Model),
				openaicompat.WithTemperature(cfg.Chat.Temperature),
			))
		case "gemini":
			opts := []gemini.Option{
				gemini.WithModel(p.Model),
				gemini.WithTemperature(cfg.Chat.Temperature),
			}
			if p.BaseURL != "" {
				opts = append(opts, gemini.WithBaseURL(p.BaseURL))
			}
			g, err := gemini.New(ctx, p.APIKey, opts...)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", p.Name, err)
			}
			completers = append(completers, g)
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", p.Name, p.Kind)
		}
	}
	return completers, nil
}
