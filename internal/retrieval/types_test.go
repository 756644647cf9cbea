package retrieval

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseItems(t *testing.T) {
	t.Parallel()

	data := []byte(`[
		{"id":"3","content":"newest","timestamp":"2025-01-03T10:00:00.000Z"},
		{"id":"2","content":"offset","timestamp":"2025-01-02T10:00:00+02:00"},
		{"id":"1","content":"no time"}
	]`)
	items, err := ParseItems(data, DefaultFields())
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, []string{"3", "2", "1"}, ids(items))
	assert.Equal(t, time.Date(2025, 1, 3, 10, 0, 0, 0, time.UTC), items[0].Timestamp)
	assert.Equal(t, time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC), items[1].Timestamp)
	assert.Equal(t, time.UTC, items[1].Timestamp.Location())
	assert.True(t, items[2].Timestamp.IsZero())

	raw, err := json.Marshal(items[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"3","content":"newest","timestamp":"2025-01-03T10:00:00.000Z"}`, string(raw))
}

func TestParseItemsErrors(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"invalid json": `[{"id":`,
		"not array":    `{"id":"1"}`,
		"missing id":   `[{"content":"x"}]`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseItems([]byte(input), DefaultFields())
			assert.Error(t, err)
		})
	}
}

func TestParseItemCustomFields(t *testing.T) {
	t.Parallel()

	item, err := ParseItem(
		[]byte(`{"meta":{"uid":42,"at":"2025-02-01"}}`),
		Fields{ID: "meta.uid", Timestamp: "meta.at"},
	)
	require.NoError(t, err)
	assert.Equal(t, "42", item.ID)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), item.Timestamp)
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{in: "2025-01-01T12:00:00.000Z", want: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC), ok: true},
		{in: "2025-01-01T12:00:00", want: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC), ok: true},
		{in: "2025-01-01 12:00:00.5", want: time.Date(2025, 1, 1, 12, 0, 0, 5e8, time.UTC), ok: true},
		{in: "yesterday", ok: false},
		{in: "", ok: false},
	}
	for _, tc := range tests {
		got, ok := ParseTimestamp(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.True(t, tc.want.Equal(got), "%s: got %v", tc.in, got)
		}
	}
}

func TestCheckpointValid(t *testing.T) {
	t.Parallel()

	var nilCP *Checkpoint
	assert.False(t, nilCP.Valid("a"))
	assert.True(t, (&Checkpoint{JobID: "a"}).Valid("a"))
	assert.False(t, (&Checkpoint{JobID: "a"}).Valid("b"))
	assert.False(t, (&Checkpoint{JobID: "a", Pages: -1}).Valid("a"))
}

func TestCheckpointJSONKeys(t *testing.T) {
	t.Parallel()

	cp := Checkpoint{JobID: "chan", Cursor: "99", Pages: 2, Items: 10, UpdatedAt: epoch}
	raw, err := json.Marshal(cp)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"channel_id":"chan","oldest_message_id":"99","batch_count":2,"total_messages":10,"last_updated":"2025-01-01T00:00:00Z"}`,
		string(raw),
	)
}
