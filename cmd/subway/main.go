package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/SirClappington/subway/internal/app"
	"github.com/SirClappington/subway/internal/config"
)

type rootOptions struct {
	configPath string
	redisURL   string
	prefix     string
}

// config resolves the configuration with command-line overrides applied.
func (o *rootOptions) config() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.prefix != "" {
		cfg.Prefix = o.prefix
	}
	return cfg, nil
}

func (o *rootOptions) open(ctx context.Context, opts ...app.Option) (*app.App, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, opts...)
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:           "subway",
		Short:         "Redis-backed background job queue",
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&o.configPath, "config", "f", "", "config file (default ./"+config.DefaultFile+" when present)")
	root.PersistentFlags().StringVar(&o.redisURL, "redis", "", "redis url, overrides the config")
	root.PersistentFlags().StringVarP(&o.prefix, "prefix", "p", "", "redis key prefix, overrides the config")

	root.AddCommand(
		newWorkerCmd(o),
		newPerformCmd(o),
		newEnqueueCmd(o),
		newSampleCmd(o),
		newStatusCmd(o),
		newClearCmd(o),
		newInitCmd(),
		newMigrateCmd(o),
		newTokenCmd(o),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "subway:", err)
		os.Exit(1)
	}
}
