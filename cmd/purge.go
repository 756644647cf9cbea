package cmd

import (
	"errors"

	"github.com/spf13/cobra"
)

// newPurgeCmd creates the 'purge' subcommand. It requires an explicit
// --channel so the configured default job is never removed by accident.
func newPurgeCmd() *cobra.Command {
	var (
		channel string
		yes     bool
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete a channel's archived pages, checkpoint, and index entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if channel == "" {
				return errors.New("--channel is required")
			}
			if !yes {
				return errors.New("purge is irreversible; pass --yes to confirm")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := appInstance.Purge(cmd.Context(), channel)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel id to purge")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the deletion")
	return cmd
}
