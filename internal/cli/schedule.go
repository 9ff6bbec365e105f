package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/homemade/hbnsync/sync"
)

// ScheduleOptions holds flags for the schedule command.
type ScheduleOptions struct {
	*RootOptions
	Interval time.Duration
}

// NewScheduleCommand creates the schedule command.
func NewScheduleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScheduleOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run a sync on a fixed interval until stopped",
		Long: `Run a sync immediately and then on every interval until SIGINT or SIGTERM.

For hosts without a systemd timer or cron. Every tick goes through the run lock,
so a tick that overlaps a run started elsewhere is skipped.

Example:
  hbnsync schedule --interval 5m`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return schedule(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "time between runs (default run.interval, 5m)")

	return cmd
}

func schedule(cmd *cobra.Command, opts *ScheduleOptions) error {
	if opts.Interval < 0 {
		return invalidArg("interval must not be negative, have %s", opts.Interval)
	}
	logger, err := opts.logger(cmd)
	if err != nil {
		return err
	}
	engine, err := opts.engine(logger)
	if err != nil {
		return err
	}
	defer closeEngine(engine, logger)

	interval := opts.Interval
	if interval == 0 {
		interval = engine.Config.Run.Interval
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger.Info("scheduling runs", "interval", interval.String())
	if err = engine.Schedule(ctx, interval); err != nil {
		return WrapExitError(sync.ExitFailed, "failed to schedule runs", err)
	}
	logger.Info("shutdown complete")
	return nil
}
