// Package sqlite stores message documents and their embeddings in SQLite
// and answers nearest-neighbour queries with exact cosine similarity.
//
// Vectors are kept in memory after load; search is a brute-force scan with
// a bounded min-heap, which stays fast for the tens of thousands of
// messages a single channel produces.
package sqlite

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	// Registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/channel-retriever/internal/embedding"
)

// ErrDimensionMismatch is returned when a vector does not match the store's
// established dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Document is one indexed message.
type Document struct {
	ID        string
	ChannelID string
	Text      string
	Metadata  map[string]any
}

// Result is a search hit.
type Result struct {
	Document
	Similarity float64
}

type entry struct {
	vec     []float32
	channel string
}

// Store is a SQLite-backed vector store.
type Store struct {
	db *sql.DB

	mu      sync.RWMutex
	vectors map[string]entry
	dim     int
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create vector store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database, creating the schema and loading vectors.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, vectors: make(map[string]entry)}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("vector store migrate: %w", err)
	}
	if err := s.loadAll(); err != nil {
		return nil, fmt.Errorf("vector store load: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id         TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			text       TEXT NOT NULL,
			metadata   TEXT NOT NULL,
			embedding  BLOB NOT NULL,
			dimensions INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS documents_channel_idx ON documents(channel_id);
	`)
	return err
}

func (s *Store) loadAll() error {
	rows, err := s.db.Query("SELECT id, channel_id, embedding, dimensions FROM documents")
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			id, channel string
			blob        []byte
			dims        int
		)
		if err := rows.Scan(&id, &channel, &blob, &dims); err != nil {
			return err
		}
		s.vectors[id] = entry{vec: blobToFloat32(blob, dims), channel: channel}
		s.dim = dims
	}
	return rows.Err()
}

// Upsert stores docs with their vectors in one transaction. Vectors are
// normalized so a dot product equals cosine similarity.
func (s *Store) Upsert(ctx context.Context, docs []Document, vectors [][]float32) error {
	if len(docs) != len(vectors) {
		return fmt.Errorf("got %d documents and %d vectors", len(docs), len(vectors))
	}
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dim := s.dim
	for _, v := range vectors {
		if dim == 0 {
			dim = len(v)
		}
		if len(v) != dim || dim == 0 {
			return fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, dim, len(v))
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (id, channel_id, text, metadata, embedding, dimensions)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel_id=excluded.channel_id,
			text=excluded.text,
			metadata=excluded.metadata,
			embedding=excluded.embedding,
			dimensions=excluded.dimensions
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	staged := make(map[string]entry, len(docs))
	for i, doc := range docs {
		meta, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", doc.ID, err)
		}
		normalized := embedding.Normalize(vectors[i])
		if _, err := stmt.ExecContext(ctx, doc.ID, doc.ChannelID, doc.Text, string(meta), float32ToBlob(normalized), len(normalized)); err != nil {
			return fmt.Errorf("upsert %s: %w", doc.ID, err)
		}
		staged[doc.ID] = entry{vec: normalized, channel: doc.ChannelID}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}

	for id, e := range staged {
		s.vectors[id] = e
	}
	s.dim = dim
	return nil
}

type scored struct {
	id    string
	score float64
}

// Search returns the top limit documents by cosine similarity to query,
// best first. A non-empty channel restricts the search to that channel.
func (s *Store) Search(ctx context.Context, query []float32, limit int, channel string) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	q := embedding.Normalize(query)

	s.mu.RLock()
	h := &minHeap{}
	for id, e := range s.vectors {
		if len(e.vec) != len(q) || (channel != "" && e.channel != channel) {
			continue
		}
		score := dotProduct(q, e.vec)
		if h.Len() < limit {
			heap.Push(h, scored{id: id, score: score})
		} else if score > (*h)[0].score {
			(*h)[0] = scored{id: id, score: score}
			heap.Fix(h, 0)
		}
	}
	s.mu.RUnlock()

	hits := make([]scored, h.Len())
	for i := len(hits) - 1; i >= 0; i-- {
		hits[i] = heap.Pop(h).(scored)
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		doc, err := s.Get(ctx, hit.id)
		if err != nil {
			return nil, err
		}
		results = append(results, Result{Document: doc, Similarity: hit.score})
	}
	return results, nil
}

// Get loads a document by id.
func (s *Store) Get(ctx context.Context, id string) (Document, error) {
	var (
		doc  Document
		meta string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, channel_id, text, metadata FROM documents WHERE id = ?", id,
	).Scan(&doc.ID, &doc.ChannelID, &doc.Text, &meta)
	if err != nil {
		return Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(meta), &doc.Metadata); err != nil {
		return Document{}, fmt.Errorf("decode metadata for %s: %w", id, err)
	}
	return doc, nil
}

// Delete removes a document by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	delete(s.vectors, id)
	return nil
}

// DeleteChannel removes every document of channel and returns how many were
// removed.
func (s *Store) DeleteChannel(ctx context.Context, channel string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE channel_id = ?", channel)
	if err != nil {
		return 0, fmt.Errorf("delete channel %s: %w", channel, err)
	}
	for id, e := range s.vectors {
		if e.channel == channel {
			delete(s.vectors, id)
		}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// Count returns the number of stored documents.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vectors)
}

// minHeap implements heap.Interface for top-K selection (min at root).
type minHeap []scored

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].score < h[j].score }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(scored)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func dotProduct(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func float32ToBlob(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func blobToFloat32(b []byte, dims int) []float32 {
	v := make([]float32, dims)
	for i := 0; i < dims && i*4+4 <= len(b); i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
