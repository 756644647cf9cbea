package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newIndexCmd creates the 'index' subcommand, which embeds a channel's
// archived pages into the vector store.
func newIndexCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Embed archived pages into the search index",
		Long: `Reads every archived page of the channel in order and upserts one document
per message into the SQLite vector store. Re-indexing replaces documents with
the same message id. Pages that fail their integrity check are skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			jobID, err := channelArg(channel, appInstance.Config())
			if err != nil {
				return err
			}
			ix, release, err := appInstance.Index()
			if err != nil {
				return err
			}
			defer release()

			stats, err := ix.IndexJob(cmd.Context(), jobID)
			if err != nil {
				return fmt.Errorf("index %s: %w", jobID, err)
			}
			if stats.Corrupt > 0 {
				appInstance.Logger().Warn("corrupt pages were skipped", zap.Int("corrupt", stats.Corrupt))
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"job_id":  jobID,
				"pages":   stats.Pages,
				"indexed": stats.Indexed,
				"skipped": stats.Skipped,
				"corrupt": stats.Corrupt,
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel id (defaults to job.channel_id)")
	return cmd
}
