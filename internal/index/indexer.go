// Package index embeds archived pages into the vector store and serves
// similarity search over them.
package index

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-retriever/internal/embedding"
	"github.com/JakeFAU/channel-retriever/internal/retrieval"
	"github.com/JakeFAU/channel-retriever/internal/vectorstore/sqlite"
)

// DefaultBatchSize bounds how many documents are embedded and written at once.
const DefaultBatchSize = 100

// PageReader reads archived pages.
type PageReader interface {
	ListPages(ctx context.Context, jobID string) ([]int, error)
	LoadPage(ctx context.Context, jobID string, number int) (retrieval.Page, error)
}

// VectorStore persists and searches documents.
type VectorStore interface {
	Upsert(ctx context.Context, docs []sqlite.Document, vectors [][]float32) error
	Search(ctx context.Context, query []float32, limit int, channel string) ([]sqlite.Result, error)
	Count() int
}

// Config controls an Indexer.
type Config struct {
	BatchSize int `mapstructure:"batch_size"`
	// ContentPath is the gjson path of the text to embed. Defaults to "content".
	ContentPath string `mapstructure:"content_path"`
	// OnIndexed is called with the size of every written batch.
	OnIndexed func(n int) `mapstructure:"-"`
}

// Stats summarizes one IndexJob call.
type Stats struct {
	Pages   int
	Indexed int
	Skipped int
	Corrupt int
}

// Hit is one search result.
type Hit struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	Similarity float64        `json:"similarity"`
}

// Indexer turns archived pages into vector store documents.
type Indexer struct {
	pages    PageReader
	embedder embedding.Embedder
	store    VectorStore
	cfg      Config
	logger   *zap.Logger
}

// New constructs an Indexer.
func New(pages PageReader, embedder embedding.Embedder, store VectorStore, cfg Config, logger *zap.Logger) (*Indexer, error) {
	if pages == nil || embedder == nil || store == nil {
		return nil, fmt.Errorf("page reader, embedder, and vector store are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ContentPath == "" {
		cfg.ContentPath = "content"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{pages: pages, embedder: embedder, store: store, cfg: cfg, logger: logger}, nil
}

// IndexJob embeds every archived page of jobID in page order. Unreadable
// pages are logged and skipped; the rest of the archive is still indexed.
func (ix *Indexer) IndexJob(ctx context.Context, jobID string) (Stats, error) {
	var stats Stats
	numbers, err := ix.pages.ListPages(ctx, jobID)
	if err != nil {
		return stats, fmt.Errorf("list pages: %w", err)
	}
	ix.logger.Info("indexing archive", zap.String("job_id", jobID), zap.Int("pages", len(numbers)))

	for _, n := range numbers {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		page, err := ix.pages.LoadPage(ctx, jobID, n)
		if err != nil {
			ix.logger.Warn("skipping unreadable page", zap.String("job_id", jobID), zap.Int("page", n), zap.Error(err))
			stats.Corrupt++
			continue
		}
		stats.Pages++
		for start := 0; start < len(page.Items); start += ix.cfg.BatchSize {
			end := min(start+ix.cfg.BatchSize, len(page.Items))
			indexed, skipped, err := ix.indexBatch(ctx, jobID, page.Items[start:end])
			stats.Indexed += indexed
			stats.Skipped += skipped
			if err != nil {
				return stats, fmt.Errorf("index page %d: %w", n, err)
			}
		}
		ix.logger.Debug("page indexed", zap.String("job_id", jobID), zap.Int("page", n))
	}
	ix.logger.Info("indexing complete",
		zap.String("job_id", jobID),
		zap.Int("indexed", stats.Indexed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("corrupt_pages", stats.Corrupt),
		zap.Int("documents", ix.store.Count()),
	)
	return stats, nil
}

func (ix *Indexer) indexBatch(ctx context.Context, jobID string, items []retrieval.Item) (int, int, error) {
	docs := make([]sqlite.Document, 0, len(items))
	vectors := make([][]float32, 0, len(items))
	skipped := 0
	for _, item := range items {
		doc, ok := ix.document(jobID, item)
		if !ok {
			skipped++
			continue
		}
		vec, err := ix.embedder.EmbedDocument(ctx, doc.Text)
		if err != nil {
			return 0, skipped, fmt.Errorf("embed %s: %w", item.ID, err)
		}
		docs = append(docs, doc)
		vectors = append(vectors, vec)
	}
	if len(docs) == 0 {
		return 0, skipped, nil
	}
	if err := ix.store.Upsert(ctx, docs, vectors); err != nil {
		return 0, skipped, err
	}
	if ix.cfg.OnIndexed != nil {
		ix.cfg.OnIndexed(len(docs))
	}
	return len(docs), skipped, nil
}

func (ix *Indexer) document(jobID string, item retrieval.Item) (sqlite.Document, bool) {
	text := gjson.GetBytes(item.Raw, ix.cfg.ContentPath).String()
	if text == "" {
		return sqlite.Document{}, false
	}
	channel := gjson.GetBytes(item.Raw, "channel_id").String()
	if channel == "" {
		channel = jobID
	}
	ts := ""
	if !item.Timestamp.IsZero() {
		ts = item.Timestamp.Format(time.RFC3339Nano)
	}
	return sqlite.Document{
		ID:        item.ID,
		ChannelID: channel,
		Text:      text,
		Metadata: map[string]any{
			"author":          author(item.Raw),
			"timestamp":       ts,
			"channel_id":      channel,
			"has_attachments": nonEmpty(item.Raw, "attachments"),
			"has_reactions":   nonEmpty(item.Raw, "reactions"),
			"has_mentions":    nonEmpty(item.Raw, "mentions"),
		},
	}, true
}

func author(raw []byte) string {
	a := gjson.GetBytes(raw, "author")
	if a.Type == gjson.String {
		return a.Str
	}
	if name := a.Get("username").String(); name != "" {
		return name
	}
	return a.Get("id").String()
}

func nonEmpty(raw []byte, path string) bool {
	return gjson.GetBytes(raw, path+".#").Int() > 0
}

// Search returns the n documents most similar to query. A non-empty channel
// restricts the search.
func (ix *Indexer) Search(ctx context.Context, query string, n int, channel string) ([]Hit, error) {
	vec, err := ix.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := ix.store.Search(ctx, vec, n, channel)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{ID: r.ID, Content: r.Text, Metadata: r.Metadata, Similarity: r.Similarity})
	}
	return hits, nil
}
