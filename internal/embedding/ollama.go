package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JakeFAU/channel-retriever/internal/retrieval"
)

const (
	defaultOllamaURL   = "http://localhost:11434/api/embed"
	defaultOllamaModel = "nomic-embed-text"
)

// OllamaConfig configures an Ollama-compatible embedding endpoint.
type OllamaConfig struct {
	URL        string        `mapstructure:"url"`
	Model      string        `mapstructure:"model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// Ollama calls an Ollama /api/embed endpoint. Documents and queries get the
// nomic task prefixes.
type Ollama struct {
	url    string
	model  string
	client *http.Client
	policy retrieval.RetryPolicy
	clock  retrieval.Clock
}

type ollamaRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllama constructs an Ollama client that retries transient failures
// with exponential backoff.
func NewOllama(cfg OllamaConfig, clock retrieval.Clock) *Ollama {
	if cfg.URL == "" {
		cfg.URL = defaultOllamaURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOllamaModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Ollama{
		url:    cfg.URL,
		model:  cfg.Model,
		client: &http.Client{Timeout: cfg.Timeout},
		policy: retrieval.NewExponentialRetryPolicy(cfg.MaxRetries, time.Second, 30*time.Second),
		clock:  clock,
	}
}

// EmbedDocument implements Embedder.
func (o *Ollama) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return o.embed(ctx, "search_document: "+text)
}

// EmbedQuery implements Embedder.
func (o *Ollama) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return o.embed(ctx, "search_query: "+query)
}

func (o *Ollama) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaRequest{Model: o.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	for attempt := 0; ; attempt++ {
		vec, err := o.call(ctx, body)
		if err == nil {
			return vec, nil
		}
		if !o.policy.ShouldRetry(err, attempt) {
			return nil, err
		}
		if err := o.clock.Sleep(ctx, o.policy.Backoff(attempt)); err != nil {
			return nil, err
		}
	}
}

func (o *Ollama) call(ctx context.Context, body []byte) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return nil, retrieval.Permanent(fmt.Errorf("build embed request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("embed error (%d): %s", resp.StatusCode, bytes.TrimSpace(respBody))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, statusErr
		}
		return nil, retrieval.Permanent(statusErr)
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, retrieval.Permanent(fmt.Errorf("decode embed response: %w", err))
	}
	if len(parsed.Embeddings) == 0 {
		return nil, retrieval.Permanent(fmt.Errorf("no embeddings returned"))
	}
	return parsed.Embeddings[0], nil
}
