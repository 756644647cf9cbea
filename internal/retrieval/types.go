// Package retrieval implements resumable, checkpointed traversal of a paginated
// channel history source.
package retrieval

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Fields names the gjson paths used to pull identity and time out of a raw item.
type Fields struct {
	ID        string `mapstructure:"id"`
	Timestamp string `mapstructure:"timestamp"`
}

// DefaultFields matches the message shape returned by chat history APIs.
func DefaultFields() Fields {
	return Fields{ID: "id", Timestamp: "timestamp"}
}

// Item is one retrieved record. Raw is kept verbatim so page files can be
// replayed without the source.
type Item struct {
	ID        string
	Timestamp time.Time // zero when missing or unparsable
	Raw       json.RawMessage
}

// MarshalJSON writes the original payload.
func (i Item) MarshalJSON() ([]byte, error) {
	if len(i.Raw) == 0 {
		return []byte("null"), nil
	}
	return i.Raw, nil
}

// ParseItem extracts identity and timestamp from a single raw JSON object.
func ParseItem(raw []byte, fields Fields) (Item, error) {
	if !gjson.ValidBytes(raw) {
		return Item{}, fmt.Errorf("item is not valid JSON")
	}
	id := gjson.GetBytes(raw, fields.ID)
	if !id.Exists() || id.String() == "" {
		return Item{}, fmt.Errorf("item has no %q field", fields.ID)
	}
	item := Item{
		ID:  id.String(),
		Raw: append(json.RawMessage(nil), raw...),
	}
	if ts, ok := ParseTimestamp(gjson.GetBytes(raw, fields.Timestamp).String()); ok {
		item.Timestamp = ts
	}
	return item, nil
}

// ParseItems decodes a JSON array of items in source order.
func ParseItems(data []byte, fields Fields) ([]Item, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("page is not valid JSON")
	}
	result := gjson.ParseBytes(data)
	if !result.IsArray() {
		return nil, fmt.Errorf("page is not a JSON array")
	}
	var (
		items   []Item
		itemErr error
	)
	result.ForEach(func(_, value gjson.Result) bool {
		item, err := ParseItem([]byte(value.Raw), fields)
		if err != nil {
			itemErr = fmt.Errorf("item %d: %w", len(items), err)
			return false
		}
		items = append(items, item)
		return true
	})
	if itemErr != nil {
		return nil, itemErr
	}
	return items, nil
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses RFC 3339 timestamps and a few zone-less layouts.
// Zone-less values are read as UTC; every result is normalized to UTC.
func ParseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), true
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Page is one persisted batch of items.
type Page struct {
	// Number is the zero-based sequence number the page was saved under.
	Number int
	// Cursor is the pagination boundary after this page: the id of the
	// oldest item the source returned for it.
	Cursor    string
	FetchedAt time.Time
	Items     []Item
}

// Checkpoint is the durable position of one retrieval job.
type Checkpoint struct {
	JobID     string    `json:"channel_id"`
	Cursor    string    `json:"oldest_message_id,omitempty"`
	Pages     int       `json:"batch_count"`
	Items     int       `json:"total_messages"`
	UpdatedAt time.Time `json:"last_updated"`
}

// Valid reports whether the checkpoint is usable for jobID.
func (c *Checkpoint) Valid(jobID string) bool {
	return c != nil && c.JobID == jobID && c.Pages >= 0 && c.Items >= 0
}

// Outcome is the terminal state of one RetrieveAll call.
type Outcome string

// Terminal outcomes.
const (
	OutcomeExhausted        Outcome = "exhausted"
	OutcomeStalled          Outcome = "stalled"
	OutcomeCircuitOpen      Outcome = "circuit_open"
	OutcomeRetriesExhausted Outcome = "retries_exhausted"
	OutcomeInterrupted      Outcome = "interrupted"
	OutcomeFatal            Outcome = "fatal"
)

// Resumable reports whether running again may make further progress.
func (o Outcome) Resumable() bool {
	return o != OutcomeExhausted && o != OutcomeFatal
}

// Result summarizes a RetrieveAll call.
type Result struct {
	Outcome Outcome
	// Items and Pages are cumulative across all runs of the job.
	Items int
	Pages int
	// NewItems and NewPages count only this run.
	NewItems int
	NewPages int
	Cursor   string
	// Cause is the source error behind a non-exhausted outcome, if any.
	Cause error
}

// Status is the live view of a running retrieval.
type Status struct {
	JobID      string       `json:"job_id"`
	RunID      string       `json:"run_id,omitempty"`
	Pages      int          `json:"pages"`
	Items      int          `json:"items"`
	Cursor     string       `json:"cursor,omitempty"`
	Percentage float64      `json:"percentage"`
	Breaker    BreakerState `json:"breaker"`
	Outcome    Outcome      `json:"outcome,omitempty"`
	UpdatedAt  time.Time    `json:"updated_at"`
}
