package retrieval

import (
	"context"
	"time"
)

// PageRequest asks the source for up to Limit items older than Before.
// An empty Before means "start from the newest item".
type PageRequest struct {
	JobID  string
	Before string
	Limit  int
}

// PageSource returns one page of items, newest first. An empty page means
// the history is exhausted.
type PageSource interface {
	FetchPage(ctx context.Context, req PageRequest) ([]Item, error)
}

// CheckpointStore persists the retrieval position for a job. Load returns
// nil for missing, malformed, or foreign checkpoints.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, jobID string) (*Checkpoint, error)
}

// PageArchive persists fetched pages.
type PageArchive interface {
	SavePage(ctx context.Context, jobID string, page Page) error
	ListPages(ctx context.Context, jobID string) ([]int, error)
	LoadPage(ctx context.Context, jobID string, number int) (Page, error)
}

// Transform rewrites or drops items before they are persisted.
type Transform interface {
	Apply(items []Item) []Item
}

// Publisher pushes page notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// StatusSink receives a status snapshot after every page and at exit.
type StatusSink interface {
	Report(status Status)
}

// Recorder receives metric observations from the loop.
type Recorder interface {
	ObserveAttempt(result string)
	ObserveBackoff(delay time.Duration)
	ObservePage(items int)
	ObserveBreaker(open bool)
	ObserveOutcome(outcome Outcome)
}

// Clock returns the current time and waits (useful for testing).
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Hasher computes digests for integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
	Verify(data []byte, digest string) bool
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// RetryPolicy decides whether and how long to wait before another attempt.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}
