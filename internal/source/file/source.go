// Package file replays channel history from a JSON export on disk.
package file

import (
	"context"
	"fmt"
	"os"

	"github.com/JakeFAU/channel-retriever/internal/retrieval"
)

// Source implements retrieval.PageSource over an in-memory copy of a JSON
// array of items ordered newest first.
type Source struct {
	items []retrieval.Item
	index map[string]int
}

// Load reads path and parses it as a JSON array of items.
func Load(path string, fields retrieval.Fields) (*Source, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay file: %w", err)
	}
	return New(data, fields)
}

// New parses data as a JSON array of items.
func New(data []byte, fields retrieval.Fields) (*Source, error) {
	if fields.ID == "" {
		fields = retrieval.DefaultFields()
	}
	items, err := retrieval.ParseItems(data, fields)
	if err != nil {
		return nil, fmt.Errorf("parse replay file: %w", err)
	}
	index := make(map[string]int, len(items))
	for i, item := range items {
		if _, dup := index[item.ID]; !dup {
			index[item.ID] = i
		}
	}
	return &Source{items: items, index: index}, nil
}

// Len returns the number of items in the export.
func (s *Source) Len() int {
	return len(s.items)
}

// FetchPage returns up to req.Limit items following req.Before.
func (s *Source) FetchPage(ctx context.Context, req retrieval.PageRequest) ([]retrieval.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := 0
	if req.Before != "" {
		i, ok := s.index[req.Before]
		if !ok {
			return nil, retrieval.Permanent(fmt.Errorf("cursor %q not present in replay file", req.Before))
		}
		start = i + 1
	}
	if start >= len(s.items) {
		return nil, nil
	}
	end := len(s.items)
	if req.Limit > 0 && start+req.Limit < end {
		end = start + req.Limit
	}
	out := make([]retrieval.Item, end-start)
	copy(out, s.items[start:end])
	return out, nil
}
