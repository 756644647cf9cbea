// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-retriever/internal/archive"
	"github.com/JakeFAU/channel-retriever/internal/checkpoint"
	"github.com/JakeFAU/channel-retriever/internal/clock/system"
	"github.com/JakeFAU/channel-retriever/internal/config"
	"github.com/JakeFAU/channel-retriever/internal/embedding"
	"github.com/JakeFAU/channel-retriever/internal/hash/sha256"
	"github.com/JakeFAU/channel-retriever/internal/id/uuid"
	"github.com/JakeFAU/channel-retriever/internal/index"
	"github.com/JakeFAU/channel-retriever/internal/metrics"
	"github.com/JakeFAU/channel-retriever/internal/policy/ratelimit"
	"github.com/JakeFAU/channel-retriever/internal/privacy"
	"github.com/JakeFAU/channel-retriever/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/channel-retriever/internal/publisher/pubsub"
	"github.com/JakeFAU/channel-retriever/internal/retrieval"
	filesource "github.com/JakeFAU/channel-retriever/internal/source/file"
	"github.com/JakeFAU/channel-retriever/internal/source/httpjson"
	"github.com/JakeFAU/channel-retriever/internal/storage"
	"github.com/JakeFAU/channel-retriever/internal/storage/encrypted"
	"github.com/JakeFAU/channel-retriever/internal/storage/gcs"
	"github.com/JakeFAU/channel-retriever/internal/storage/local"
	memstore "github.com/JakeFAU/channel-retriever/internal/storage/memory"
	"github.com/JakeFAU/channel-retriever/internal/storage/postgres"
	"github.com/JakeFAU/channel-retriever/internal/telemetry"
	"github.com/JakeFAU/channel-retriever/internal/vectorstore/sqlite"
)

// Checkpoints persists, loads, and removes job checkpoints.
type Checkpoints interface {
	retrieval.CheckpointStore
	Delete(ctx context.Context, jobID string) error
}

// App holds the services shared by every command: configuration, logger,
// blob storage, the page archive, and the checkpoint store.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	clock       retrieval.Clock
	ids         retrieval.IDGenerator
	blobs       storage.BlobStore
	archive     *archive.Archive
	checkpoints Checkpoints
	runs        *postgres.RunStore
	pool        *pgxpool.Pool
	closers     []func()
}

// New builds an App from cfg. It fails fast if storage or the checkpoint
// backend cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger, clock: system.New(), ids: uuid.New()}

	blobs, err := a.buildBlobs(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.blobs = blobs

	a.archive, err = archive.New(blobs, sha256.New(), cfg.Fields(), archive.Config{Prefix: cfg.Storage.Prefix})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init archive: %w", err)
	}

	if err := a.buildCheckpoints(ctx); err != nil {
		a.Close()
		return nil, err
	}

	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("checkpoint", cfg.Checkpoint.Backend),
		zap.Bool("encrypted", cfg.Encryption.Enabled),
	)
	return a, nil
}

func (a *App) buildBlobs(ctx context.Context) (storage.BlobStore, error) {
	var blobs storage.BlobStore
	switch a.cfg.Storage.Backend {
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.BaseDir, SecureDelete: a.cfg.Storage.SecureDelete})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		blobs = store
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if cerr := client.Close(); cerr != nil {
				a.logger.Warn("close gcs client", zap.Error(cerr))
			}
		})
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		blobs = store
	case "memory":
		a.logger.Warn("using in-memory storage; pages and checkpoints are lost on exit")
		blobs = memstore.NewBlobStore()
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", a.cfg.Storage.Backend)
	}

	if !a.cfg.Encryption.Enabled {
		return blobs, nil
	}
	key, created, err := encrypted.LoadOrCreateKey(a.cfg.Encryption.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load encryption key: %w", err)
	}
	if created {
		a.logger.Info("generated encryption key", zap.String("key_file", a.cfg.Encryption.KeyFile))
	}
	wrapped, err := encrypted.New(blobs, key)
	if err != nil {
		return nil, fmt.Errorf("init encrypted storage: %w", err)
	}
	return wrapped, nil
}

func (a *App) buildCheckpoints(ctx context.Context) error {
	switch a.cfg.Checkpoint.Backend {
	case "blob":
		store, err := checkpoint.New(a.blobs, checkpoint.Config{
			Prefix: a.cfg.Checkpoint.Prefix,
			Name:   a.cfg.Checkpoint.Name,
		}, a.logger.Named("checkpoint"))
		if err != nil {
			return fmt.Errorf("init checkpoint store: %w", err)
		}
		a.checkpoints = store
		return nil
	case "postgres":
		pg := a.cfg.Checkpoint.Postgres
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:             pg.DSN,
			CheckpointTable: pg.Table,
			RunTable:        pg.RunTable,
			MaxConns:        pg.MaxConns,
		})
		if err != nil {
			return err
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)

		store, err := postgres.NewCheckpointStore(pool, pg.Table)
		if err != nil {
			return err
		}
		if pg.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				return err
			}
		}
		a.checkpoints = store

		if pg.RecordRuns {
			runs, err := postgres.NewRunStore(pool, pg.RunTable)
			if err != nil {
				return err
			}
			if pg.EnsureSchema {
				if err := runs.EnsureSchema(ctx); err != nil {
					return err
				}
			}
			a.runs = runs
		}
		return nil
	default:
		return fmt.Errorf("unknown checkpoint backend: %s", a.cfg.Checkpoint.Backend)
	}
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Archive returns the page archive.
func (a *App) Archive() *archive.Archive {
	return a.archive
}

// Checkpoints returns the configured checkpoint store.
func (a *App) Checkpoints() Checkpoints {
	return a.checkpoints
}

// Ready reports whether the checkpoint database, if any, is reachable.
func (a *App) Ready(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Source builds the configured page source.
func (a *App) Source() (retrieval.PageSource, error) {
	fields := a.cfg.Fields()
	switch a.cfg.Source.Type {
	case "http":
		limiter := ratelimit.New(ratelimit.Config{
			RequestsPerSecond: a.cfg.Source.RequestsPerSecond,
			Burst:             a.cfg.Source.Burst,
		}, ratelimit.WithObserver(metrics.ObserveRateLimitDelay))
		src, err := httpjson.New(httpjson.Config{
			BaseURL: a.cfg.Source.BaseURL,
			Token:   a.cfg.Source.Token,
			Timeout: a.cfg.Source.Timeout,
			Fields:  fields,
		}, nil, limiter, a.logger.Named("source"))
		if err != nil {
			return nil, fmt.Errorf("init http source: %w", err)
		}
		return src, nil
	case "file":
		src, err := filesource.Load(a.cfg.Source.File, fields)
		if err != nil {
			return nil, fmt.Errorf("init file source: %w", err)
		}
		a.logger.Info("replaying items from file", zap.String("file", a.cfg.Source.File), zap.Int("items", src.Len()))
		return src, nil
	default:
		return nil, fmt.Errorf("unknown source type: %s", a.cfg.Source.Type)
	}
}

// Privacy builds the PII filter from configuration and the optional rules file.
func (a *App) Privacy() (*privacy.Filter, error) {
	pc := privacy.Config{
		RedactPII:   a.cfg.Privacy.RedactPII,
		ContentPath: a.cfg.Privacy.ContentPath,
		OptOutUsers: a.cfg.Privacy.OptOutUsers,
	}
	if a.cfg.Privacy.RulesFile != "" {
		rules, err := privacy.LoadRules(a.cfg.Privacy.RulesFile)
		if err != nil {
			return nil, err
		}
		pc.Patterns = rules.Patterns
		pc.OptOutUsers = append(pc.OptOutUsers, rules.OptOutUsers...)
	}
	filter, err := privacy.New(pc, a.logger.Named("privacy"))
	if err != nil {
		return nil, fmt.Errorf("init privacy filter: %w", err)
	}
	return filter, nil
}

// Publisher returns the Pub/Sub publisher, or nil when notifications are off.
func (a *App) Publisher(ctx context.Context) (retrieval.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		return nil, nil
	}
	if a.cfg.PubSub.DryRun {
		a.logger.Info("pubsub dry run: page notifications are logged, not sent", zap.String("topic", a.cfg.PubSub.Topic))
		return memory.New(a.cfg.PubSub.Topic, a.logger.Named("publisher")), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client, a.cfg.PubSub.Topic)
	a.closers = append(a.closers, func() {
		pub.Close()
		if cerr := client.Close(); cerr != nil {
			a.logger.Warn("close pubsub client", zap.Error(cerr))
		}
	})
	a.logger.Info("publishing page notifications", zap.String("topic", a.cfg.PubSub.Topic))
	return pub, nil
}

// Fetch runs one retrieval of rc.JobID: it wires the loop's collaborators,
// records the run, and returns the loop's result.
func (a *App) Fetch(ctx context.Context, rc retrieval.Config, source retrieval.PageSource, hooks retrieval.Hooks) (retrieval.Result, error) {
	if hooks.RunID == "" {
		runID, err := a.ids.NewID()
		if err != nil {
			return retrieval.Result{}, fmt.Errorf("generate run id: %w", err)
		}
		hooks.RunID = runID
	}
	if hooks.Metrics == nil {
		hooks.Metrics = metrics.NewRecorder()
	}

	breaker := retrieval.NewCircuitBreaker(rc.MaxFailures, rc.ResetTimeout, a.clock)
	tracker := retrieval.NewProgressTracker(rc.ExpectedItems, rc.StallTimeout, a.clock)
	policy := retrieval.NewExponentialRetryPolicy(rc.MaxRetries, rc.RetryBaseDelay, rc.RetryMaxDelay)
	logger := a.logger.Named("retrieval").With(zap.String("run_id", hooks.RunID))

	fetcher, err := retrieval.NewFetcher(rc, source, a.checkpoints, a.archive, breaker, tracker, policy, a.clock, hooks, logger)
	if err != nil {
		return retrieval.Result{}, fmt.Errorf("init fetcher: %w", err)
	}

	ctx, span := telemetry.StartRun(ctx, rc.JobID, hooks.RunID)
	defer span.End()

	if a.runs != nil {
		if err := a.runs.StartRun(context.WithoutCancel(ctx), hooks.RunID, rc.JobID, a.clock.Now()); err != nil {
			logger.Warn("record run start failed", zap.Error(err))
		}
	}

	res, err := fetcher.RetrieveAll(ctx)

	if a.runs != nil {
		recorded := res
		if err != nil && recorded.Cause == nil {
			recorded.Cause = err
		}
		if ferr := a.runs.FinishRun(context.WithoutCancel(ctx), hooks.RunID, a.clock.Now(), recorded); ferr != nil {
			logger.Warn("record run finish failed", zap.Error(ferr))
		}
	}
	return res, err
}

// Index opens the vector store and returns an indexer over the archive.
// The returned close function releases the database.
func (a *App) Index() (*index.Indexer, func(), error) {
	store, err := sqlite.Open(a.cfg.Index.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open vector store: %w", err)
	}
	release := func() {
		if cerr := store.Close(); cerr != nil {
			a.logger.Warn("close vector store", zap.Error(cerr))
		}
	}

	var embedder embedding.Embedder
	switch a.cfg.Index.Embedder {
	case "ollama":
		embedder = embedding.NewOllama(embedding.OllamaConfig{
			URL:        a.cfg.Index.Ollama.URL,
			Model:      a.cfg.Index.Ollama.Model,
			Timeout:    a.cfg.Index.Ollama.Timeout,
			MaxRetries: a.cfg.Index.Ollama.MaxRetries,
		}, a.clock)
	default:
		embedder = embedding.NewHashing(a.cfg.Index.Dimension)
	}

	ix, err := index.New(a.archive, embedder, store, index.Config{
		BatchSize:   a.cfg.Index.BatchSize,
		ContentPath: a.cfg.Privacy.ContentPath,
		OnIndexed:   metrics.ObserveIndexed,
	}, a.logger.Named("index"))
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("init indexer: %w", err)
	}
	return ix, release, nil
}

// PurgeReport summarizes what Purge removed.
type PurgeReport struct {
	JobID     string `json:"job_id"`
	Pages     int    `json:"pages"`
	Documents int    `json:"documents"`
}

// Purge deletes every archived page, the checkpoint, and any indexed
// documents of jobID. Local pages are overwritten first when secure delete
// is on.
func (a *App) Purge(ctx context.Context, jobID string) (PurgeReport, error) {
	report := PurgeReport{JobID: jobID}
	pages, err := a.archive.Purge(ctx, jobID)
	report.Pages = pages
	if err != nil {
		return report, fmt.Errorf("purge pages: %w", err)
	}
	if err := a.checkpoints.Delete(ctx, jobID); err != nil {
		return report, fmt.Errorf("delete checkpoint: %w", err)
	}

	if _, err := os.Stat(a.cfg.Index.DBPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return report, nil
		}
		return report, fmt.Errorf("stat vector store: %w", err)
	}
	store, err := sqlite.Open(a.cfg.Index.DBPath)
	if err != nil {
		return report, fmt.Errorf("open vector store: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			a.logger.Warn("close vector store", zap.Error(cerr))
		}
	}()
	report.Documents, err = store.DeleteChannel(ctx, jobID)
	if err != nil {
		return report, fmt.Errorf("purge index: %w", err)
	}
	a.logger.Info("purged job",
		zap.String("job_id", jobID),
		zap.Int("pages", report.Pages),
		zap.Int("documents", report.Documents),
	)
	return report, nil
}

// Close gracefully shuts down all services in the App container, in reverse
// order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
