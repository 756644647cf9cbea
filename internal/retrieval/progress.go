package retrieval

import "time"

// ProgressSnapshot is a copy of the tracker state.
type ProgressSnapshot struct {
	Processed  int       `json:"processed"`
	Total      int       `json:"total"`
	Percentage float64   `json:"percentage"`
	LastUpdate time.Time `json:"last_update"`
	Stalled    bool      `json:"stalled"`
}

// ProgressTracker records when work last moved forward.
type ProgressTracker struct {
	total        int
	processed    int
	lastUpdate   time.Time
	stallTimeout time.Duration
	clock        Clock
}

// NewProgressTracker starts the stall timer at construction time. A total of
// zero means the size of the job is unknown.
func NewProgressTracker(total int, stallTimeout time.Duration, clock Clock) *ProgressTracker {
	if total < 0 {
		total = 0
	}
	return &ProgressTracker{
		total:        total,
		stallTimeout: stallTimeout,
		lastUpdate:   clock.Now(),
		clock:        clock,
	}
}

// Update adds count processed items (at least one) and resets the stall timer.
func (p *ProgressTracker) Update(count int) {
	if count < 1 {
		count = 1
	}
	p.processed += count
	p.lastUpdate = p.clock.Now()
}

// IsStalled reports whether stallTimeout has passed since the last update.
func (p *ProgressTracker) IsStalled() bool {
	return p.clock.Now().Sub(p.lastUpdate) > p.stallTimeout
}

// PercentageComplete returns processed/total in [0, 100], or 0 when the
// total is unknown.
func (p *ProgressTracker) PercentageComplete() float64 {
	if p.total <= 0 {
		return 0
	}
	pct := 100 * float64(p.processed) / float64(p.total)
	if pct > 100 {
		return 100
	}
	return pct
}

// Processed returns the processed item count.
func (p *ProgressTracker) Processed() int {
	return p.processed
}

// Snapshot returns a copy of the tracker state.
func (p *ProgressTracker) Snapshot() ProgressSnapshot {
	return ProgressSnapshot{
		Processed:  p.processed,
		Total:      p.total,
		Percentage: p.PercentageComplete(),
		LastUpdate: p.lastUpdate,
		Stalled:    p.IsStalled(),
	}
}
