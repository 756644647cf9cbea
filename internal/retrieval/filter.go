package retrieval

import "time"

// DateRange bounds item timestamps. Both ends are inclusive; nil means open.
type DateRange struct {
	Start *time.Time
	End   *time.Time
}

// Active reports whether either bound is set.
func (r DateRange) Active() bool {
	return r.Start != nil || r.End != nil
}

// Contains reports whether ts falls inside the range.
func (r DateRange) Contains(ts time.Time) bool {
	if r.Start != nil && ts.Before(r.Start.UTC()) {
		return false
	}
	if r.End != nil && ts.After(r.End.UTC()) {
		return false
	}
	return true
}

// Filter returns the items inside the range. With an active range, items
// without a usable timestamp are dropped. The input slice is not modified.
func (r DateRange) Filter(items []Item) []Item {
	if !r.Active() {
		return items
	}
	kept := make([]Item, 0, len(items))
	for _, item := range items {
		if item.Timestamp.IsZero() {
			continue
		}
		if r.Contains(item.Timestamp) {
			kept = append(kept, item)
		}
	}
	return kept
}
