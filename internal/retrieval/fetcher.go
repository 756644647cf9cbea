package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Hooks holds the optional collaborators of a Fetcher.
type Hooks struct {
	Transform Transform
	Publisher Publisher
	Status    StatusSink
	Metrics   Recorder
	RunID     string
}

// PageNotification is published after every persisted page.
type PageNotification struct {
	JobID     string    `json:"job_id"`
	RunID     string    `json:"run_id,omitempty"`
	Batch     int       `json:"batch"`
	Items     int       `json:"items"`
	Cursor    string    `json:"cursor"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Fetcher walks a PageSource from newest to oldest, persisting each page and
// checkpointing after it so the walk can resume.
type Fetcher struct {
	cfg         Config
	source      PageSource
	checkpoints CheckpointStore
	archive     PageArchive
	breaker     *CircuitBreaker
	tracker     *ProgressTracker
	policy      RetryPolicy
	clock       Clock
	hooks       Hooks
	logger      *zap.Logger
}

// NewFetcher constructs a Fetcher.
func NewFetcher(
	cfg Config,
	source PageSource,
	checkpoints CheckpointStore,
	archive PageArchive,
	breaker *CircuitBreaker,
	tracker *ProgressTracker,
	policy RetryPolicy,
	clock Clock,
	hooks Hooks,
	logger *zap.Logger,
) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case source == nil:
		return nil, fmt.Errorf("page source is required")
	case checkpoints == nil:
		return nil, fmt.Errorf("checkpoint store is required")
	case archive == nil:
		return nil, fmt.Errorf("page archive is required")
	case breaker == nil:
		return nil, fmt.Errorf("circuit breaker is required")
	case tracker == nil:
		return nil, fmt.Errorf("progress tracker is required")
	case policy == nil:
		return nil, fmt.Errorf("retry policy is required")
	case clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if hooks.Metrics == nil {
		hooks.Metrics = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:         cfg,
		source:      source,
		checkpoints: checkpoints,
		archive:     archive,
		breaker:     breaker,
		tracker:     tracker,
		policy:      policy,
		clock:       clock,
		hooks:       hooks,
		logger:      logger.With(zap.String("job_id", cfg.JobID)),
	}, nil
}

type runState struct {
	checkpoint Checkpoint
	// seen holds the ids persisted during this run; a page made only of
	// seen ids is not progress.
	seen     map[string]struct{}
	newItems int
	newPages int
}

// RetrieveAll pages through the source until it is exhausted, stalls, trips
// the breaker, runs out of retries, or ctx is canceled. The checkpoint is
// saved on every exit path. Only page or checkpoint persistence failures are
// returned as errors; every other stop is reported through Result.Outcome.
func (f *Fetcher) RetrieveAll(ctx context.Context) (res Result, err error) {
	state, err := f.resume(ctx)
	if err != nil {
		res = Result{Outcome: OutcomeFatal, Cause: err}
		f.hooks.Metrics.ObserveOutcome(res.Outcome)
		return res, err
	}

	defer func() {
		if saveErr := f.saveCheckpoint(context.WithoutCancel(ctx), state); saveErr != nil {
			f.logger.Error("final checkpoint save failed", zap.Error(saveErr))
			err = errors.Join(err, saveErr)
		}
		res.Items = state.checkpoint.Items
		res.Pages = state.checkpoint.Pages
		res.NewItems = state.newItems
		res.NewPages = state.newPages
		res.Cursor = state.checkpoint.Cursor
		f.hooks.Metrics.ObserveOutcome(res.Outcome)
		f.report(state, res.Outcome)
		f.logger.Info("retrieval finished",
			zap.String("outcome", string(res.Outcome)),
			zap.Int("pages", res.Pages),
			zap.Int("items", res.Items),
			zap.Int("new_items", res.NewItems),
			zap.String("cursor", res.Cursor),
			zap.Error(res.Cause),
		)
	}()

	res.Outcome, res.Cause, err = f.run(ctx, state)
	return res, err
}

func (f *Fetcher) run(ctx context.Context, state *runState) (Outcome, error, error) {
	for {
		if ctx.Err() != nil {
			return OutcomeInterrupted, ctx.Err(), nil
		}
		if f.tracker.IsStalled() {
			f.logger.Warn("no progress within stall timeout; stopping",
				zap.Duration("stall_timeout", f.cfg.StallTimeout),
				zap.Int("processed", f.tracker.Processed()),
			)
			return OutcomeStalled, nil, nil
		}

		items, err := f.fetchPage(ctx, state.checkpoint.Cursor)
		if err != nil {
			return f.classify(ctx, err), err, nil
		}
		if len(items) == 0 {
			f.logger.Info("source exhausted", zap.Int("page", state.checkpoint.Pages))
			return OutcomeExhausted, nil, nil
		}
		kept := f.cfg.Range.Filter(items)
		if len(kept) == 0 {
			f.logger.Info("page fell entirely outside the date range; stopping",
				zap.Int("fetched", len(items)),
				zap.String("oldest_id", items[len(items)-1].ID),
			)
			return OutcomeExhausted, nil, nil
		}

		if err := f.commit(ctx, state, items[len(items)-1].ID, kept); err != nil {
			return OutcomeFatal, err, err
		}
		f.report(state, "")

		if err := f.clock.Sleep(ctx, f.cfg.PageDelay); err != nil {
			return OutcomeInterrupted, err, nil
		}
	}
}

// commit persists the unseen items of a page, advances the cursor, and saves
// the checkpoint, in that order. The page is written before the checkpoint
// that counts it so a crash between the two is repaired by resume.
func (f *Fetcher) commit(ctx context.Context, state *runState, cursor string, kept []Item) error {
	persistCtx := context.WithoutCancel(ctx)

	fresh := make([]Item, 0, len(kept))
	for _, item := range kept {
		if _, ok := state.seen[item.ID]; !ok {
			fresh = append(fresh, item)
		}
	}
	toSave := fresh
	if f.hooks.Transform != nil && len(fresh) > 0 {
		toSave = f.hooks.Transform.Apply(fresh)
	}

	var page Page
	if len(toSave) > 0 {
		page = Page{
			Number:    state.checkpoint.Pages,
			Cursor:    cursor,
			FetchedAt: f.clock.Now(),
			Items:     toSave,
		}
		if err := f.archive.SavePage(persistCtx, f.cfg.JobID, page); err != nil {
			return fmt.Errorf("save page %d: %w", page.Number, err)
		}
	}

	state.checkpoint.Cursor = cursor
	if len(toSave) > 0 {
		state.checkpoint.Pages++
		state.checkpoint.Items += len(toSave)
		state.newPages++
		state.newItems += len(toSave)
		f.hooks.Metrics.ObservePage(len(toSave))
	}
	for _, item := range fresh {
		state.seen[item.ID] = struct{}{}
	}
	if len(fresh) > 0 {
		f.tracker.Update(len(fresh))
	} else {
		f.logger.Debug("page held no new items", zap.String("cursor", cursor))
	}

	if err := f.saveCheckpoint(persistCtx, state); err != nil {
		return err
	}

	f.logger.Info("page persisted",
		zap.Int("page", state.checkpoint.Pages),
		zap.Int("fetched", len(kept)),
		zap.Int("saved", len(toSave)),
		zap.Int("total_items", state.checkpoint.Items),
		zap.String("cursor", cursor),
	)
	if len(toSave) > 0 {
		f.publish(persistCtx, page)
	}
	return nil
}

// fetchPage requests one page, consulting the breaker before every attempt
// and backing off between failed attempts.
func (f *Fetcher) fetchPage(ctx context.Context, cursor string) ([]Item, error) {
	req := PageRequest{JobID: f.cfg.JobID, Before: cursor, Limit: f.cfg.PageSize}
	var lastErr error
	for attempt := 0; ; attempt++ {
		if !f.breaker.CanExecute() {
			f.hooks.Metrics.ObserveAttempt("denied")
			f.logger.Error("circuit breaker open; manual intervention or a cool-down is required",
				zap.Int("failures", f.breaker.Failures()),
				zap.Duration("reset_timeout", f.cfg.ResetTimeout),
			)
			if lastErr != nil {
				return nil, fmt.Errorf("%w: last error: %w", ErrCircuitOpen, lastErr)
			}
			return nil, ErrCircuitOpen
		}

		items, err := f.source.FetchPage(ctx, req)
		if err == nil {
			f.breaker.RecordSuccess()
			f.hooks.Metrics.ObserveAttempt("success")
			f.hooks.Metrics.ObserveBreaker(false)
			return items, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		f.breaker.RecordFailure()
		f.hooks.Metrics.ObserveAttempt("failure")
		f.hooks.Metrics.ObserveBreaker(f.breaker.IsOpen())
		lastErr = err

		if !f.policy.ShouldRetry(err, attempt) {
			if IsPermanent(err) {
				f.logger.Error("page fetch failed permanently", zap.Int("attempt", attempt+1), zap.Error(err))
				return nil, err
			}
			f.logger.Error("page fetch retries exhausted", zap.Int("attempts", attempt+1), zap.Error(err))
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt+1, err)
		}

		delay := f.policy.Backoff(attempt)
		if hint := RetryAfter(err); hint > delay {
			delay = hint
		}
		f.hooks.Metrics.ObserveBackoff(delay)
		f.logger.Warn("page fetch failed; backing off",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.String("cursor", cursor),
			zap.Error(err),
		)
		if err := f.clock.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (f *Fetcher) classify(ctx context.Context, err error) Outcome {
	switch {
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return OutcomeInterrupted
	case errors.Is(err, ErrCircuitOpen):
		return OutcomeCircuitOpen
	case IsPermanent(err):
		return OutcomeFatal
	default:
		return OutcomeRetriesExhausted
	}
}

// resume loads the checkpoint and then rolls it forward over any page files
// written after it, which happens when a crash lands between saving a page
// and saving the checkpoint.
func (f *Fetcher) resume(ctx context.Context) (*runState, error) {
	cp, err := f.checkpoints.Load(ctx, f.cfg.JobID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	state := &runState{
		checkpoint: Checkpoint{JobID: f.cfg.JobID},
		seen:       make(map[string]struct{}),
	}
	switch {
	case cp.Valid(f.cfg.JobID):
		state.checkpoint = *cp
		f.logger.Info("resuming from checkpoint",
			zap.String("cursor", cp.Cursor),
			zap.Int("pages", cp.Pages),
			zap.Int("items", cp.Items),
		)
	case cp != nil:
		f.logger.Warn("ignoring checkpoint for another job", zap.String("checkpoint_job_id", cp.JobID))
	default:
		f.logger.Info("no checkpoint found; starting fresh")
	}

	numbers, err := f.archive.ListPages(ctx, f.cfg.JobID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	sort.Ints(numbers)
	for _, n := range numbers {
		if n < state.checkpoint.Pages {
			continue
		}
		if n != state.checkpoint.Pages {
			break
		}
		page, err := f.archive.LoadPage(ctx, f.cfg.JobID, n)
		if err != nil {
			f.logger.Warn("unreadable page beyond checkpoint; refetching from checkpoint cursor",
				zap.Int("page", n), zap.Error(err))
			break
		}
		state.checkpoint.Pages++
		state.checkpoint.Items += len(page.Items)
		if page.Cursor != "" {
			state.checkpoint.Cursor = page.Cursor
		}
		f.logger.Info("recovered page written after last checkpoint",
			zap.Int("page", n),
			zap.Int("items", len(page.Items)),
			zap.String("cursor", state.checkpoint.Cursor),
		)
	}
	return state, nil
}

func (f *Fetcher) saveCheckpoint(ctx context.Context, state *runState) error {
	state.checkpoint.JobID = f.cfg.JobID
	state.checkpoint.UpdatedAt = f.clock.Now()
	if err := f.checkpoints.Save(ctx, state.checkpoint); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (f *Fetcher) publish(ctx context.Context, page Page) {
	if f.hooks.Publisher == nil {
		return
	}
	note := PageNotification{
		JobID:     f.cfg.JobID,
		RunID:     f.hooks.RunID,
		Batch:     page.Number,
		Items:     len(page.Items),
		Cursor:    page.Cursor,
		FetchedAt: page.FetchedAt,
	}
	if _, err := f.hooks.Publisher.Publish(ctx, f.cfg.Topic, note); err != nil {
		f.logger.Warn("page notification failed", zap.Int("page", page.Number), zap.Error(err))
	}
}

func (f *Fetcher) report(state *runState, outcome Outcome) {
	if f.hooks.Status == nil {
		return
	}
	f.hooks.Status.Report(Status{
		JobID:      f.cfg.JobID,
		RunID:      f.hooks.RunID,
		Pages:      state.checkpoint.Pages,
		Items:      state.checkpoint.Items,
		Cursor:     state.checkpoint.Cursor,
		Percentage: f.tracker.PercentageComplete(),
		Breaker:    f.breaker.State(),
		Outcome:    outcome,
		UpdatedAt:  f.clock.Now(),
	})
}

type nopRecorder struct{}

func (nopRecorder) ObserveAttempt(string)        {}
func (nopRecorder) ObserveBackoff(time.Duration) {}
func (nopRecorder) ObservePage(int)              {}
func (nopRecorder) ObserveBreaker(bool)          {}
func (nopRecorder) ObserveOutcome(Outcome)       {}
