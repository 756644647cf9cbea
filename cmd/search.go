package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// newSearchCmd creates the 'search' subcommand.
func newSearchCmd() *cobra.Command {
	var (
		channel string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "search QUERY...",
		Short: "Find indexed messages similar to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return errors.New("--limit must be > 0")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ix, release, err := appInstance.Index()
			if err != nil {
				return err
			}
			defer release()

			query := strings.Join(args, " ")
			hits, err := ix.Search(cmd.Context(), query, limit, channel)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), hits)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "restrict results to one channel")
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "maximum number of results")
	return cmd
}
