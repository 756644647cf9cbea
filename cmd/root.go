// Package cmd defines and implements the CLI commands for the channel-retriever executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-retriever/internal/app"
	"github.com/JakeFAU/channel-retriever/internal/config"
	"github.com/JakeFAU/channel-retriever/internal/logging"
	"github.com/JakeFAU/channel-retriever/internal/telemetry"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can swap in a
// logger or configuration of their own.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// newLogger builds the process logger; tests replace it with a no-op logger.
var newLogger = logging.New

// session holds the services built for one command invocation. cobra skips
// post-run hooks when a command fails, so they are released by execute.
type session struct {
	tracer *sdktrace.TracerProvider
	app    *app.App
	closed bool
}

func (s *session) close(ctx context.Context) {
	if s.closed {
		return
	}
	s.closed = true
	if s.tracer != nil {
		_ = s.tracer.Shutdown(context.WithoutCancel(ctx))
	}
	if s.app != nil {
		s.app.Close()
		_ = s.app.Logger().Sync()
	}
}

// newRootCmd creates and configures the root command together with the
// session its pre-run hook fills in.
func newRootCmd() (*cobra.Command, *session) {
	var cfgFile string
	sess := &session{}

	cmd := &cobra.Command{
		Use:   "channel-retriever",
		Short: "Resumable retrieval of channel message history.",
		Long: `channel-retriever walks a channel's message history from newest to oldest,
archiving every page and checkpointing after each one so an interrupted run
picks up where it stopped. Archived pages can be indexed for similarity search.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Build the application before any subcommand runs and stash it in
		// the command context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			for _, warning := range cfg.Audit() {
				logger.Warn("security audit", zap.String("warning", warning))
			}

			tracer, err := telemetry.InitTracerProvider(cmd.Context(), logging.ServiceName)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			sess.tracer = tracer

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			sess.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults plus RETRIEVER_* environment variables when empty)")

	cmd.AddCommand(
		newFetchCmd(),
		newStatusCmd(),
		newIndexCmd(),
		newSearchCmd(),
		newPurgeCmd(),
	)
	return cmd, sess
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context; a fetch stops at the next page boundary and saves its checkpoint.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root, sess := newRootCmd()
	err := execute(ctx, root, sess)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// execute runs root and releases the session whether or not the command
// succeeded.
func execute(ctx context.Context, root *cobra.Command, sess *session) error {
	defer sess.close(ctx)
	return root.ExecuteContext(ctx)
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// channelArg resolves the job id from the --channel flag, then job.channel_id.
func channelArg(flag string, cfg config.Config) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if cfg.Job.ChannelID != "" {
		return cfg.Job.ChannelID, nil
	}
	return "", errors.New("a channel is required: pass --channel or set job.channel_id")
}
