package retrieval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/channel-retriever/internal/clock/fake"
)

func TestProgressTrackerPercentage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		total   int
		updates []int
		want    float64
	}{
		{name: "unknown total", total: 0, updates: []int{5}, want: 0},
		{name: "half", total: 10, updates: []int{5}, want: 50},
		{name: "clamped", total: 10, updates: []int{20}, want: 100},
		{name: "default count", total: 4, updates: []int{0}, want: 25},
		{name: "accumulates", total: 8, updates: []int{2, 2}, want: 50},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := NewProgressTracker(tc.total, time.Minute, fake.New(epoch))
			for _, n := range tc.updates {
				p.Update(n)
			}
			assert.InDelta(t, tc.want, p.PercentageComplete(), 0.0001)
		})
	}
}

func TestProgressTrackerStall(t *testing.T) {
	t.Parallel()

	clk := fake.New(epoch)
	p := NewProgressTracker(0, 300*time.Second, clk)
	assert.False(t, p.IsStalled())

	clk.Advance(300 * time.Second)
	assert.False(t, p.IsStalled(), "stall requires strictly more than the timeout")

	clk.Advance(time.Second)
	assert.True(t, p.IsStalled())

	p.Update(1)
	assert.False(t, p.IsStalled())
	snap := p.Snapshot()
	assert.Equal(t, 1, snap.Processed)
	assert.Equal(t, clk.Now(), snap.LastUpdate)
}
