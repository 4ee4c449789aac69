package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/subway/internal/api"
	"github.com/SirClappington/subway/internal/app"
	"github.com/SirClappington/subway/internal/config"
	"github.com/SirClappington/subway/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func run(ctx context.Context, cfg config.Config) (err error) {
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, a.Close()) }()

	if err := a.Migrate(ctx); err != nil {
		return err
	}

	opts := api.Options{
		JWTSigningKey:      cfg.JWTSigningKey,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:             a.Logger,
	}
	if a.Archive != nil {
		opts.Archive = a.Archive
	}
	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewRouter(a.Factory, opts),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if cfg.JWTSigningKey == "" {
		a.Logger.Warn("jwt_signing_key is empty, the API accepts unauthenticated requests")
	}
	a.Banner("api", zap.String("addr", cfg.APIAddr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		a.Logger.Info("api shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	configPath := flag.String("config", "", "config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "subway-api:", err)
		os.Exit(1)
	}
	ctx, stop := worker.SignalContext(context.Background())
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintln(os.Stderr, "subway-api:", err)
		os.Exit(1)
	}
}
