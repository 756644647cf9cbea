package index

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-retriever/internal/embedding"
	"github.com/JakeFAU/channel-retriever/internal/retrieval"
	"github.com/JakeFAU/channel-retriever/internal/vectorstore/sqlite"
)

type fakePages struct {
	pages map[int]retrieval.Page
	bad   map[int]bool
}

func (f *fakePages) ListPages(context.Context, string) ([]int, error) {
	out := make([]int, 0, len(f.pages)+len(f.bad))
	for n := range len(f.pages) + len(f.bad) {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakePages) LoadPage(_ context.Context, _ string, n int) (retrieval.Page, error) {
	if f.bad[n] {
		return retrieval.Page{}, errors.New("digest mismatch")
	}
	return f.pages[n], nil
}

func items(t *testing.T, raws ...string) []retrieval.Item {
	t.Helper()
	out := make([]retrieval.Item, 0, len(raws))
	for _, raw := range raws {
		it, err := retrieval.ParseItem([]byte(raw), retrieval.DefaultFields())
		require.NoError(t, err)
		out = append(out, it)
	}
	return out
}

func newIndexer(t *testing.T, pages PageReader, cfg Config) (*Indexer, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ix, err := New(pages, embedding.NewHashing(256), store, cfg, zap.NewNop())
	require.NoError(t, err)
	return ix, store
}

func TestIndexJobAndSearch(t *testing.T) {
	t.Parallel()

	pages := &fakePages{
		pages: map[int]retrieval.Page{
			0: {Number: 0, Items: items(t,
				`{"id":"5","content":"the kubernetes deploy failed with an image pull error","timestamp":"2025-01-05T10:00:00Z","author":{"id":"u1","username":"ana"},"attachments":[{"id":"a"}]}`,
				`{"id":"4","content":"","author":{"id":"u2"}}`,
				`{"id":"3","content":"anyone up for lunch tomorrow","author":{"id":"u3"},"reactions":[{"emoji":"🍕"}]}`,
			)},
			1: {Number: 1, Items: items(t,
				`{"id":"2","content":"retrying the deploy after fixing the image tag","author":"bo","mentions":[{"id":"u1"}]}`,
				`{"id":"1","content":"welcome to the channel","channel_id":"other"}`,
			)},
		},
		bad: map[int]bool{2: true},
	}
	var batches []int
	ix, store := newIndexer(t, pages, Config{BatchSize: 2, OnIndexed: func(n int) { batches = append(batches, n) }})

	ctx := context.Background()
	stats, err := ix.IndexJob(ctx, "chan")
	require.NoError(t, err)
	assert.Equal(t, Stats{Pages: 2, Indexed: 4, Skipped: 1, Corrupt: 1}, stats)
	assert.Equal(t, 4, store.Count())
	assert.Equal(t, []int{1, 1, 2}, batches)

	hits, err := ix.Search(ctx, "deploy failed image error", 2, "")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "5", hits[0].ID)
	assert.Equal(t, "the kubernetes deploy failed with an image pull error", hits[0].Content)
	assert.Equal(t, "ana", hits[0].Metadata["author"])
	assert.Equal(t, "chan", hits[0].Metadata["channel_id"])
	assert.Equal(t, "2025-01-05T10:00:00Z", hits[0].Metadata["timestamp"])
	assert.Equal(t, true, hits[0].Metadata["has_attachments"])
	assert.Equal(t, false, hits[0].Metadata["has_reactions"])
	assert.Equal(t, "2", hits[1].ID)
	assert.Equal(t, "bo", hits[1].Metadata["author"])
	assert.Equal(t, true, hits[1].Metadata["has_mentions"])
	assert.GreaterOrEqual(t, hits[0].Similarity, hits[1].Similarity)

	scoped, err := ix.Search(ctx, "welcome", 5, "other")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "1", scoped[0].ID)
}

func TestIndexJobIsIdempotent(t *testing.T) {
	t.Parallel()

	pages := &fakePages{pages: map[int]retrieval.Page{
		0: {Items: items(t, `{"id":"1","content":"hello"}`, `{"id":"2","content":"world"}`)},
	}}
	ix, store := newIndexer(t, pages, Config{})

	ctx := context.Background()
	for range 2 {
		_, err := ix.IndexJob(ctx, "chan")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, store.Count())
}

type failingEmbedder struct{ *embedding.Hashing }

func (failingEmbedder) EmbedDocument(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("model unavailable")
}

func TestIndexJobEmbedFailure(t *testing.T) {
	t.Parallel()

	pages := &fakePages{pages: map[int]retrieval.Page{0: {Items: items(t, `{"id":"1","content":"hello"}`)}}}
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ix, err := New(pages, failingEmbedder{}, store, Config{}, nil)
	require.NoError(t, err)
	_, err = ix.IndexJob(context.Background(), "chan")
	require.ErrorContains(t, err, "model unavailable")
	assert.Zero(t, store.Count())
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, embedding.NewHashing(8), nil, Config{}, nil)
	require.Error(t, err)
}
