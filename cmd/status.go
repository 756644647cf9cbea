package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the 'status' subcommand, which prints a channel's
// checkpoint and archived page count.
func newStatusCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the saved retrieval position of a channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			jobID, err := channelArg(channel, appInstance.Config())
			if err != nil {
				return err
			}
			cp, err := appInstance.Checkpoints().Load(cmd.Context(), jobID)
			if err != nil {
				return fmt.Errorf("load checkpoint: %w", err)
			}
			pages, err := appInstance.Archive().ListPages(cmd.Context(), jobID)
			if err != nil {
				return fmt.Errorf("list pages: %w", err)
			}
			if cp == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "no checkpoint for %s (%d archived pages)\n", jobID, len(pages))
				return nil
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"checkpoint":     cp,
				"archived_pages": len(pages),
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel id (defaults to job.channel_id)")
	return cmd
}
