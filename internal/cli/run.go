package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewRunCommand creates the run command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync and exit",
		Long: `Run one sync of every configured study and exit.

Exit codes:
  0  the run completed, or was skipped because a previous run is still active
  1  the run failed (see the failed_phase of the run summary)
  2  the run completed with record failures (exit policy strict)

Example:
  hbnsync run
  HBNSYNC_STUDIES="HBN - Main" hbnsync run --log-level debug`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, opts)
		},
	}
	return cmd
}

func runOnce(cmd *cobra.Command, opts *RootOptions) error {
	logger, err := opts.logger(cmd)
	if err != nil {
		return err
	}
	engine, err := opts.engine(logger)
	if err != nil {
		return err
	}
	defer closeEngine(engine, logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return runResult(engine.RunOnce(ctx))
}
