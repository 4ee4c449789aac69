package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/subway/internal/app"
	"github.com/SirClappington/subway/internal/worker"
)

func newWorkerCmd(o *rootOptions) *cobra.Command {
	var (
		interval time.Duration
		count    int
		inline   bool
	)
	cmd := &cobra.Command{
		Use:   "worker [queues...]",
		Short: "Start a worker polling the given queues, or every queue",
		RunE: func(cmd *cobra.Command, queues []string) (err error) {
			cfg, err := o.config()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("interval") {
				cfg.Interval = interval
			}
			if cmd.Flags().Changed("count") {
				cfg.Concurrency = count
			}
			if len(queues) == 0 {
				queues = cfg.Queues
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := worker.SignalContext(cmd.Context())
			defer stop()

			a, err := app.Open(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, a.Close()) }()

			var exec worker.Executor = &worker.ProcessExecutor{Env: cfg.Environ(), Logger: a.Logger}
			if inline {
				exec = &worker.InlineExecutor{Factory: a.Factory, Registry: a.Registry}
			}
			sup := worker.NewSupervisor(a.Factory, a.Registry, exec, worker.Options{
				Queues:       queues,
				Interval:     cfg.Interval,
				ReapInterval: cfg.ReapInterval,
				Concurrency:  cfg.Concurrency,
			})
			a.Banner("worker", zap.String("worker", sup.ID()), zap.Bool("inline", inline))
			return sup.Run(ctx)
		},
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", 0, "how often to check the queues for new jobs")
	cmd.Flags().IntVarP(&count, "count", "c", 0, "maximum number of concurrent execution units")
	cmd.Flags().BoolVar(&inline, "inline", false, "run jobs on goroutines instead of child processes")
	return cmd
}

// newPerformCmd is the body of an execution unit: one message on stdin, run
// to completion. Job failures are recorded and exit 0; only store errors exit
// non-zero so the supervisor can tell a crash from a failed job.
func newPerformCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:    worker.PerformCommand,
		Short:  "Perform one job read from stdin",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			id := os.Getenv(worker.EnvWorkerID)
			if id == "" {
				return errors.Errorf("%s is not set", worker.EnvWorkerID)
			}
			a, err := o.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, a.Close()) }()

			_, err = worker.PerformFrom(cmd.Context(), cmd.InOrStdin(), a.Factory, a.Registry, id)
			return err
		},
	}
}
