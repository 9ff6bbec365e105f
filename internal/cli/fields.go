package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/homemade/hbnsync/sync"
)

// NewFieldsCommand creates the fields command.
func NewFieldsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fields",
		Short: "Print the REDCap field mapping as CSV",
		Long: `Print every REDCap variable written by a sync, with its validation type,
the Ripple path it is read from and any transforms, as CSV.

Useful when building the REDCap data dictionary for a new project.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := opts.config()
			if err != nil {
				return err
			}
			csv, err := sync.GenerateFieldDocumentation(config).FormatCSV()
			if err != nil {
				return WrapExitError(sync.ExitFailed, "failed to format field documentation", err)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), csv)
			return err
		},
	}
	return cmd
}
