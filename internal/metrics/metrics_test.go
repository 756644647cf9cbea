package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/JakeFAU/channel-retriever/internal/retrieval"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeHost(tc.input); got != tc.expected {
				t.Errorf("SanitizeHost(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if fetchAttemptsTotal == nil || pagesTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder()

	attempts := testutil.ToFloat64(fetchAttemptsTotal.WithLabelValues("error"))
	pages := testutil.ToFloat64(pagesTotal)
	items := testutil.ToFloat64(itemsTotal)
	stalled := testutil.ToFloat64(runsTotal.WithLabelValues(string(retrieval.OutcomeStalled)))

	rec.ObserveAttempt("error")
	rec.ObservePage(25)
	rec.ObserveBackoff(2 * time.Second)
	rec.ObserveOutcome(retrieval.OutcomeStalled)

	if got := testutil.ToFloat64(fetchAttemptsTotal.WithLabelValues("error")); got != attempts+1 {
		t.Errorf("attempts = %f, want %f", got, attempts+1)
	}
	if got := testutil.ToFloat64(pagesTotal); got != pages+1 {
		t.Errorf("pages = %f, want %f", got, pages+1)
	}
	if got := testutil.ToFloat64(itemsTotal); got != items+25 {
		t.Errorf("items = %f, want %f", got, items+25)
	}
	if got := testutil.ToFloat64(runsTotal.WithLabelValues(string(retrieval.OutcomeStalled))); got != stalled+1 {
		t.Errorf("stalled runs = %f, want %f", got, stalled+1)
	}
	if testutil.CollectAndCount(backoffSeconds) != 1 {
		t.Error("expected backoff histogram to be collected")
	}

	rec.ObserveBreaker(true)
	if got := testutil.ToFloat64(breakerOpen); got != 1 {
		t.Errorf("breaker gauge = %f, want 1", got)
	}
	rec.ObserveBreaker(false)
	if got := testutil.ToFloat64(breakerOpen); got != 0 {
		t.Errorf("breaker gauge = %f, want 0", got)
	}
}

// Fuzz test for SanitizeHost.
func FuzzSanitizeHost(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeHost(orig)
		if sanitized == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
