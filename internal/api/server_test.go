package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-retriever/internal/index"
	"github.com/JakeFAU/channel-retriever/internal/retrieval"
)

type fakeSearcher struct {
	hits    []index.Hit
	err     error
	query   string
	n       int
	channel string
}

func (f *fakeSearcher) Search(_ context.Context, query string, n int, channel string) ([]index.Hit, error) {
	f.query, f.n, f.channel = query, n, channel
	return f.hits, f.err
}

func serve(t *testing.T, s *Server, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServerHealthAndReady(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil, Config{}, zap.NewNop())
	rec := serve(t, s, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(t, s, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	down := NewServer(nil, nil, func(context.Context) error { return errors.New("bucket unreachable") }, Config{}, nil)
	rec = serve(t, down, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "bucket unreachable")
}

func TestServerMetrics(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil, Config{}, nil)
	serve(t, s, "/healthz", nil)
	rec := serve(t, s, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServerStatus(t *testing.T) {
	t.Parallel()

	board := NewStatusBoard()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	board.Report(retrieval.Status{JobID: "b", Pages: 1, Items: 100, UpdatedAt: now})
	board.Report(retrieval.Status{JobID: "a", Pages: 2, Items: 150, Percentage: 75, Cursor: "42", UpdatedAt: now})
	board.Report(retrieval.Status{JobID: "a", Pages: 3, Items: 200, Percentage: 100, Outcome: retrieval.OutcomeExhausted, UpdatedAt: now})

	s := NewServer(board, nil, nil, Config{}, nil)

	rec := serve(t, s, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs []retrieval.Status `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 2)
	assert.Equal(t, "a", list.Jobs[0].JobID)
	assert.Equal(t, 3, list.Jobs[0].Pages)

	rec = serve(t, s, "/v1/status/a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var one retrieval.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, retrieval.OutcomeExhausted, one.Outcome)
	assert.InDelta(t, 100.0, one.Percentage, 0.001)

	rec = serve(t, s, "/v1/status/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerAPIKey(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil, Config{APIKey: "secret"}, nil)
	require.Equal(t, http.StatusForbidden, serve(t, s, "/v1/status", nil).Code)
	require.Equal(t, http.StatusOK, serve(t, s, "/v1/status", map[string]string{"X-API-Key": "secret"}).Code)
	require.Equal(t, http.StatusOK, serve(t, s, "/v1/status?api_key=secret", nil).Code)
	require.Equal(t, http.StatusOK, serve(t, s, "/healthz", nil).Code, "probes stay open")
}

func TestServerSearch(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{hits: []index.Hit{{ID: "1", Content: "deploy failed", Similarity: 0.9}}}
	s := NewServer(nil, searcher, nil, Config{}, nil)

	rec := serve(t, s, "/v1/search?q=deploy&n=3&channel=chan", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deploy", searcher.query)
	assert.Equal(t, 3, searcher.n)
	assert.Equal(t, "chan", searcher.channel)
	assert.Contains(t, rec.Body.String(), "deploy failed")

	require.Equal(t, http.StatusBadRequest, serve(t, s, "/v1/search", nil).Code)
	require.Equal(t, http.StatusBadRequest, serve(t, s, "/v1/search?q=x&n=0", nil).Code)

	searcher.err = errors.New("db closed")
	require.Equal(t, http.StatusInternalServerError, serve(t, s, "/v1/search?q=x", nil).Code)

	none := NewServer(nil, nil, nil, Config{}, nil)
	require.Equal(t, http.StatusNotImplemented, serve(t, none, "/v1/search?q=x", nil).Code)
}

func TestServerRecoversPanics(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil, Config{}, nil)
	s.router.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("kaboom") })
	rec := serve(t, s, "/boom", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServerListenAndServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
