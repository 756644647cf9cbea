// Package embedding turns message text into vectors for similarity search.
package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimension is the vector size of the hashing embedder.
const DefaultDimension = 384

// Embedder generates vector embeddings for text.
type Embedder interface {
	// EmbedDocument embeds text for storage.
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
	// EmbedQuery embeds a search query.
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// Hashing is a feature-hashing bag-of-words embedder. It needs no model or
// network and produces the same vector for the same text on every machine.
type Hashing struct {
	dim int
}

// NewHashing returns a hashing embedder with dim buckets.
func NewHashing(dim int) *Hashing {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &Hashing{dim: dim}
}

// Dimension returns the vector size.
func (h *Hashing) Dimension() int {
	return h.dim
}

// EmbedDocument implements Embedder.
func (h *Hashing) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return h.embed(ctx, text)
}

// EmbedQuery implements Embedder.
func (h *Hashing) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return h.embed(ctx, query)
}

func (h *Hashing) embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, h.dim)
	tokens := Tokenize(text)
	for i, tok := range tokens {
		h.add(vec, tok, 1)
		if i > 0 {
			h.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	return Normalize(vec), nil
}

// add hashes feature into a bucket; one hash bit picks the sign so
// collisions cancel out on average.
func (h *Hashing) add(vec []float32, feature string, weight float32) {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(feature))
	sum := hasher.Sum64()
	idx := int(sum % uint64(h.dim))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

// Tokenize lowercases text and splits it on anything that is not a letter
// or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Normalize scales v to unit length. The zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
