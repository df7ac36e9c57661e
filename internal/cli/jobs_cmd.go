package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"plexwrapped/internal/poller"
)

type jobFlags struct {
	subject  string
	period   string
	wait     bool
	interval time.Duration
	maxWait  time.Duration
}

func (f *jobFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.subject, "subject", "", "subject user id (admin); empty targets your own report")
	cmd.Flags().StringVar(&f.period, "period", "", "report period, e.g. 2024")
	cmd.Flags().BoolVar(&f.wait, "wait", false, "poll until the report is completed or failed")
	cmd.Flags().DurationVar(&f.interval, "interval", poller.DefaultInterval, "poll interval with --wait")
	cmd.Flags().DurationVar(&f.maxWait, "max-wait", poller.DefaultMaxDuration, "give up polling after this long")
	_ = cmd.MarkFlagRequired("period")
}

func (f *jobFlags) poll(ctx context.Context, rf *remoteFlags, inFlight bool, out io.Writer) error {
	p := poller.New(rf.client().Source(f.subject, f.period), poller.Options{
		Interval:    f.interval,
		MaxDuration: f.maxWait,
		OnPoll: func(obs poller.Observation, err error) {
			if err != nil {
				fmt.Fprintf(out, "poll: %v\n", err)
			}
		},
	})
	outcome, err := p.Run(ctx, inFlight)
	if errors.Is(err, poller.ErrNotInFlight) {
		return errors.New("no report generation in flight; run generate first")
	}
	if err != nil {
		return err
	}
	if !outcome.Completed {
		return errors.New(outcome.Message)
	}
	_, err = fmt.Fprintf(out, "%s\n", outcome.Result)
	return err
}

func newGenerateCmd(rf *remoteFlags) *cobra.Command {
	f := &jobFlags{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Start generating a report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := rf.client().Dispatch(cmd.Context(), f.subject, f.period)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.AlreadyInFlight {
				fmt.Fprintln(out, "generation already in flight")
			} else {
				fmt.Fprintln(out, "generation accepted")
			}
			if !f.wait {
				return nil
			}
			return f.poll(cmd.Context(), rf, true, out)
		},
	}
	f.register(cmd)
	return cmd
}

func newStatusCmd(rf *remoteFlags) *cobra.Command {
	f := &jobFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a report generation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if f.wait {
				return f.poll(cmd.Context(), rf, false, out)
			}
			st, err := rf.client().Status(cmd.Context(), f.subject, f.period)
			if err != nil {
				return err
			}
			b, err := gojson.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "%s\n", b)
			return err
		},
	}
	f.register(cmd)
	return cmd
}
