package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/SirClappington/subway/internal/api"
	"github.com/SirClappington/subway/internal/config"
	"github.com/SirClappington/subway/internal/factory"
	"github.com/SirClappington/subway/internal/worker"
)

func printSummary(cmd *cobra.Command, f *factory.Factory) error {
	s, err := f.Summary(cmd.Context())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "    ")
	return enc.Encode(s)
}

func newStatusCmd(o *rootOptions) *cobra.Command {
	var (
		live    bool
		refresh time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue sizes, workers and counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			a, err := o.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, a.Close()) }()

			if !live {
				return printSummary(cmd, a.Factory)
			}
			ctx, stop := worker.SignalContext(cmd.Context())
			defer stop()
			cmd.SetContext(ctx)
			tick := time.NewTicker(refresh)
			defer tick.Stop()
			for {
				if err := printSummary(cmd, a.Factory); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-tick.C:
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&live, "live", "l", false, "keep printing until interrupted")
	cmd.Flags().DurationVar(&refresh, "refresh", time.Second, "refresh period of --live")
	return cmd
}

// confirm asks a Y/n question on in; an empty answer counts as yes.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s (Y/n) ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "", "y", "yes":
		return true
	}
	return false
}

func newClearCmd(o *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear every queue and schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			if !yes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "This action will erase the entire subway database. Are you sure you want to continue?") {
				return nil
			}
			a, err := o.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, a.Close()) }()

			if err := a.Factory.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Database cleared successfully")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newInitCmd() *cobra.Command {
	var (
		force bool
		path  string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file with the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(path); err == nil && !force {
				return errors.Errorf("configuration file %s already exists, use --force to overwrite", path)
			}
			data, err := config.Default().Marshal()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return errors.Wrapf(err, "writing %s", path)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration file %s created\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration file")
	cmd.Flags().StringVarP(&path, "output", "o", config.DefaultFile, "file to write")
	return cmd
}

func newMigrateCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres archive migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			a, err := o.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, a.Close()) }()

			if a.Archive == nil {
				return errors.New("postgres_dsn is not configured")
			}
			return a.Migrate(cmd.Context())
		},
	}
}

func newTokenCmd(o *rootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.config()
			if err != nil {
				return err
			}
			if cfg.JWTSigningKey == "" {
				return errors.New("jwt_signing_key is not configured")
			}
			tok, err := api.SignToken(cfg.JWTSigningKey, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "subway", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for none")
	return cmd
}
