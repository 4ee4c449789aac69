// Package app wires the configured stores, logger and job registry shared by
// the subway binaries.
package app

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/subway/internal/config"
	"github.com/SirClappington/subway/internal/events"
	"github.com/SirClappington/subway/internal/factory"
	"github.com/SirClappington/subway/internal/job"
	"github.com/SirClappington/subway/internal/logging"
	"github.com/SirClappington/subway/internal/redisconn"
	"github.com/SirClappington/subway/internal/storage"
)

// Version is overridden at build time with -ldflags "-X ...app.Version=".
var Version = "dev"

type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Redis    *r.Client
	Factory  *factory.Factory
	Registry *job.Registry

	// Archive is nil unless a Postgres DSN is configured.
	Archive *storage.Store
	pool    *pgxpool.Pool
}

type Option func(*options)

type options struct {
	logger   *zap.Logger
	register []func(*job.Registry)
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithJobs registers application jobs next to the builtins.
func WithJobs(fn func(*job.Registry)) Option {
	return func(o *options) { o.register = append(o.register, fn) }
}

// Open connects to Redis, and to Postgres when configured, and builds the
// factory. Every status transition is archived once Postgres is connected.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: o.logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
		}
	}()

	if a.Logger == nil {
		if a.Logger, err = logging.New(cfg.LogLevel, cfg.LogFile); err != nil {
			return nil, err
		}
	}
	if a.Redis, err = redisconn.Connect(ctx, redisconn.Config{URL: cfg.RedisURL}); err != nil {
		return nil, err
	}

	dispatcher := events.NewDispatcher(a.Logger)
	if cfg.PostgresDSN != "" {
		if a.pool, err = storage.Connect(ctx, cfg.PostgresDSN); err != nil {
			return nil, err
		}
		a.Archive = storage.New(a.pool)
		dispatcher.Subscribe(a.Archive.Subscriber(a.Logger))
	}

	a.Factory = factory.New(a.Redis,
		factory.WithPrefix(cfg.Prefix),
		factory.WithLogger(a.Logger),
		factory.WithDispatcher(dispatcher),
		factory.WithStatusRetention(cfg.StatusRetention),
	)
	a.Registry = job.NewRegistry()
	job.RegisterBuiltins(a.Registry)
	for _, fn := range o.register {
		fn(a.Registry)
	}
	return a, nil
}

// Migrate applies the archive migrations; it is a no-op without Postgres.
func (a *App) Migrate(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	return storage.Migrate(ctx, a.pool, a.Config.MigrationsDir, a.Logger)
}

// Banner logs the startup line of a long-running command.
func (a *App) Banner(command string, fields ...zap.Field) {
	host, _ := os.Hostname()
	a.Logger.Info("subway "+command+" starting", append([]zap.Field{
		zap.String("version", Version),
		zap.String("host", host),
		zap.Int("pid", os.Getpid()),
		zap.String("date", time.Now().UTC().Format(time.RFC1123)),
		zap.String("prefix", a.Config.Prefix),
		zap.Bool("archive", a.Archive != nil),
	}, fields...)...)
}

func (a *App) Close() error {
	var err error
	if a.pool != nil {
		a.pool.Close()
	}
	if a.Redis != nil {
		err = multierr.Append(err, a.Redis.Close())
	}
	if a.Logger != nil {
		// Syncing a terminal stderr fails on some platforms.
		_ = a.Logger.Sync()
	}
	return err
}
