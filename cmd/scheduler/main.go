// Command scheduler moves due delayed and repeating jobs onto their live
// queues without dispatching anything. Several can run side by side.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/subway/internal/app"
	"github.com/SirClappington/subway/internal/config"
	"github.com/SirClappington/subway/internal/worker"
)

func run(ctx context.Context, cfg config.Config) (err error) {
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, a.Close()) }()

	a.Banner("scheduler", zap.Duration("interval", cfg.Interval))
	return worker.NewScheduler(a.Factory, cfg.Interval).Run(ctx)
}

func main() {
	configPath := flag.String("config", "", "config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "subway-scheduler:", err)
		os.Exit(1)
	}
	ctx, stop := worker.SignalContext(context.Background())
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintln(os.Stderr, "subway-scheduler:", err)
		os.Exit(1)
	}
}
