package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/SirClappington/subway/internal/job"
	"github.com/SirClappington/subway/internal/message"
)

func newEnqueueCmd(o *rootOptions) *cobra.Command {
	var (
		rawArgs  string
		at       string
		interval string
		once     bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue <queue> <class>",
		Short: "Enqueue a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			var jobArgs message.Args
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &jobArgs); err != nil {
					return errors.Wrap(err, "parsing --args")
				}
			}
			m, err := message.New(args[0], args[1], jobArgs)
			if err != nil {
				return err
			}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return errors.Wrap(err, "parsing --at")
				}
				m.SetAt(&t)
			}
			if err := m.SetInterval(interval); err != nil {
				return err
			}

			a, err := o.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, a.Close()) }()

			enqueue := a.Factory.Enqueue
			if once {
				enqueue = a.Factory.EnqueueOnce
			}
			id, err := enqueue(cmd.Context(), m)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "", `job arguments as a JSON object, e.g. '{"id":42}'`)
	cmd.Flags().StringVar(&at, "at", "", "earliest execution time (RFC3339)")
	cmd.Flags().StringVar(&interval, "interval", "", "repeat period as an ISO-8601 duration, e.g. PT5M")
	cmd.Flags().BoolVar(&once, "once", false, "skip when an identical job is already tracked")
	return cmd
}

func newSampleCmd(o *rootOptions) *cobra.Command {
	var (
		count int
		queue string
	)
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Load sample jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			a, err := o.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, a.Close()) }()

			for range count {
				m, err := message.New(queue, job.Md5Class, message.Args{"hello": "world"})
				if err != nil {
					return err
				}
				if _, err := a.Factory.Enqueue(cmd.Context(), m); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s enqueued in %s\n", m.ID, m.Queue)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "c", 1, "number of sample jobs")
	cmd.Flags().StringVar(&queue, "queue", "sample", "queue to load")
	return cmd
}
