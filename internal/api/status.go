package api

import (
	"sort"
	"sync"

	"github.com/JakeFAU/channel-retriever/internal/retrieval"
)

// StatusBoard keeps the latest status snapshot per job. It implements
// retrieval.StatusSink; the fetch loop writes, HTTP handlers read.
type StatusBoard struct {
	mu       sync.RWMutex
	statuses map[string]retrieval.Status
}

var _ retrieval.StatusSink = (*StatusBoard)(nil)

// NewStatusBoard returns an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{statuses: make(map[string]retrieval.Status)}
}

// Report stores status as the latest snapshot for its job.
func (b *StatusBoard) Report(status retrieval.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[status.JobID] = status
}

// Get returns the latest snapshot for jobID.
func (b *StatusBoard) Get(jobID string) (retrieval.Status, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.statuses[jobID]
	return s, ok
}

// List returns all snapshots ordered by job id.
func (b *StatusBoard) List() []retrieval.Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]retrieval.Status, 0, len(b.statuses))
	for _, s := range b.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}
