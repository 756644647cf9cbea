package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-retriever/internal/api"
	"github.com/JakeFAU/channel-retriever/internal/retrieval"
)

type fetchOptions struct {
	channel string
	start   string
	end     string
	serve   bool
}

// fetchOutput is the printed summary of a run.
type fetchOutput struct {
	JobID   string            `json:"job_id"`
	RunID   string            `json:"run_id"`
	Outcome retrieval.Outcome `json:"outcome"`
	// Resumable is set when running fetch again may retrieve more.
	Resumable bool   `json:"resumable"`
	Pages     int    `json:"pages"`
	Items     int    `json:"items"`
	NewPages  int    `json:"new_pages"`
	NewItems  int    `json:"new_items"`
	Cursor    string `json:"cursor,omitempty"`
	Error     string `json:"error,omitempty"`
}

// newFetchCmd creates the 'fetch' subcommand, which runs (or resumes) a
// retrieval of one channel.
func newFetchCmd() *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Retrieve a channel's history, resuming from its checkpoint",
		Long: `Pages through the channel from newest to oldest message. Every page is
archived and checkpointed before the next request, so re-running the command
after an interruption continues from the oldest message already saved.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFetch(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.channel, "channel", "", "channel id to retrieve (overrides job.channel_id)")
	cmd.Flags().StringVar(&opts.start, "start", "", "oldest date to keep, YYYY-MM-DD or RFC 3339 (overrides job.start_date)")
	cmd.Flags().StringVar(&opts.end, "end", "", "newest date to keep, YYYY-MM-DD or RFC 3339 (overrides job.end_date); "+
		"paging starts at the newest message, so the run stops if the first page is entirely newer than this date")
	cmd.Flags().BoolVar(&opts.serve, "serve", false, "expose the status API while fetching")
	return cmd
}

func runFetch(cmd *cobra.Command, opts *fetchOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	cfg := appInstance.Config()
	if opts.channel != "" {
		cfg.Job.ChannelID = opts.channel
	}
	if opts.start != "" {
		cfg.Job.StartDate = opts.start
	}
	if opts.end != "" {
		cfg.Job.EndDate = opts.end
	}
	if cfg.Job.ChannelID == "" {
		return errors.New("a channel is required: pass --channel or set job.channel_id")
	}
	rc, err := cfg.ToRetrieval()
	if err != nil {
		return err
	}

	source, err := appInstance.Source()
	if err != nil {
		return err
	}
	filter, err := appInstance.Privacy()
	if err != nil {
		return err
	}
	publisher, err := appInstance.Publisher(cmd.Context())
	if err != nil {
		return err
	}

	board := api.NewStatusBoard()
	hooks := retrieval.Hooks{Transform: filter, Publisher: publisher, Status: board}

	ctx := cmd.Context()
	serveDone := make(chan error, 1)
	if opts.serve {
		serveCtx, cancelServe := context.WithCancel(ctx)
		defer func() {
			cancelServe()
			if serr := <-serveDone; serr != nil {
				logger.Warn("status server stopped with error", zap.Error(serr))
			}
		}()
		srv := api.NewServer(board, nil, appInstance.Ready, api.Config{
			Addr:           cfg.Server.Addr,
			APIKey:         cfg.Server.APIKey,
			RequestTimeout: cfg.Server.RequestTimeout,
		}, logger.Named("api"))
		go func() {
			serveDone <- srv.ListenAndServe(serveCtx, cfg.Server.Addr)
		}()
	}

	started := time.Now()
	res, err := appInstance.Fetch(ctx, rc, source, hooks)
	out := fetchOutput{
		JobID:     rc.JobID,
		Outcome:   res.Outcome,
		Resumable: res.Outcome.Resumable(),
		Pages:     res.Pages,
		Items:     res.Items,
		NewPages:  res.NewPages,
		NewItems:  res.NewItems,
		Cursor:    res.Cursor,
	}
	if status, ok := board.Get(rc.JobID); ok {
		out.RunID = status.RunID
	}
	if res.Cause != nil {
		out.Error = res.Cause.Error()
	}
	logger.Info("fetch command finished",
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("elapsed", time.Since(started)),
	)
	if perr := printJSON(cmd.OutOrStdout(), out); perr != nil {
		return perr
	}
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rc.JobID, err)
	}

	switch {
	case res.Outcome == retrieval.OutcomeExhausted, res.Outcome == retrieval.OutcomeInterrupted:
		return nil
	case res.Outcome.Resumable():
		return fmt.Errorf("fetch %s stopped: %s; run fetch again to resume", rc.JobID, res.Outcome)
	default:
		return fmt.Errorf("fetch %s stopped: %s", rc.JobID, res.Outcome)
	}
}
