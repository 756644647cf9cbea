package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-retriever/internal/config"
	"github.com/JakeFAU/channel-retriever/internal/publisher/memory"
	"github.com/JakeFAU/channel-retriever/internal/retrieval"
)

func writeExport(t *testing.T, path string, n int) {
	t.Helper()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	items := make([]map[string]any, 0, n)
	for i := n; i >= 1; i-- {
		content := fmt.Sprintf("message %d", i)
		switch i {
		case 2:
			content = "alpha"
		case 3:
			content = "mail bob@example.com for details"
		}
		items = append(items, map[string]any{
			"id":        fmt.Sprintf("%d", 1000+i),
			"content":   content,
			"timestamp": base.Add(time.Duration(i) * time.Hour).Format(time.RFC3339),
			"author":    map[string]any{"id": fmt.Sprintf("u%d", i%2), "username": "user"},
		})
	}
	data, err := json.Marshal(items)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	export := filepath.Join(dir, "export.json")
	writeExport(t, export, 7)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Job.ChannelID = "chan"
	cfg.Retrieval.PageSize = 3
	cfg.Retrieval.PageDelay = 0
	cfg.Source.Type = "file"
	cfg.Source.File = export
	cfg.Storage.BaseDir = filepath.Join(dir, "data")
	cfg.Encryption.KeyFile = filepath.Join(dir, "keys", "retriever.key")
	cfg.Index.DBPath = filepath.Join(dir, "index", "index.db")
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func fetch(t *testing.T, a *App) retrieval.Result {
	t.Helper()
	return fetchWith(t, a, retrieval.Hooks{})
}

func fetchWith(t *testing.T, a *App, hooks retrieval.Hooks) retrieval.Result {
	t.Helper()
	rc, err := a.Config().ToRetrieval()
	require.NoError(t, err)
	src, err := a.Source()
	require.NoError(t, err)
	filter, err := a.Privacy()
	require.NoError(t, err)
	hooks.Transform = filter
	res, err := a.Fetch(context.Background(), rc, src, hooks)
	require.NoError(t, err)
	return res
}

func TestFetchIndexSearchPurge(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a := newTestApp(t, cfg)
	ctx := context.Background()

	res := fetch(t, a)
	assert.Equal(t, retrieval.OutcomeExhausted, res.Outcome)
	assert.Equal(t, 7, res.Items)
	assert.Equal(t, 3, res.Pages)

	cp, err := a.Checkpoints().Load(ctx, "chan")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 7, cp.Items)
	assert.Equal(t, "1001", cp.Cursor)

	// Pages are encrypted at rest.
	raw, err := os.ReadFile(filepath.Join(cfg.Storage.BaseDir, a.Archive().PagePath("chan", 0)))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "message 7")

	// And redacted before they were written.
	page, err := a.Archive().LoadPage(ctx, "chan", 1)
	require.NoError(t, err)
	var contents []string
	for _, item := range page.Items {
		contents = append(contents, string(item.Raw))
	}
	assert.Contains(t, fmt.Sprint(contents), "[EMAIL REDACTED]")
	assert.NotContains(t, fmt.Sprint(contents), "bob@example.com")

	ix, release, err := a.Index()
	require.NoError(t, err)
	stats, err := ix.IndexJob(ctx, "chan")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pages)
	assert.Equal(t, 7, stats.Indexed)

	hits, err := ix.Search(ctx, "alpha", 1, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "1002", hits[0].ID)
	release()

	report, err := a.Purge(ctx, "chan")
	require.NoError(t, err)
	assert.Equal(t, PurgeReport{JobID: "chan", Pages: 3, Documents: 7}, report)

	cp, err = a.Checkpoints().Load(ctx, "chan")
	require.NoError(t, err)
	assert.Nil(t, cp)
	pages, err := a.Archive().ListPages(ctx, "chan")
	require.NoError(t, err)
	assert.Empty(t, pages)
}

func TestFetchResumeAddsNothing(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	pub := memory.New("", nil)

	first := fetchWith(t, a, retrieval.Hooks{Publisher: pub, RunID: "run-1"})
	require.Equal(t, 7, first.NewItems)

	msgs := pub.Messages()
	require.Len(t, msgs, 3)
	note, ok := msgs[2].Payload.(retrieval.PageNotification)
	require.True(t, ok)
	assert.Equal(t, "chan", note.JobID)
	assert.Equal(t, "run-1", note.RunID)
	assert.Equal(t, 2, note.Batch)
	assert.Equal(t, "1001", note.Cursor)

	second := fetch(t, a)
	assert.Equal(t, retrieval.OutcomeExhausted, second.Outcome)
	assert.Zero(t, second.NewItems)
	assert.Equal(t, 7, second.Items)
}

func TestPublisherDryRun(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.PubSub.Enabled = true
	cfg.PubSub.DryRun = true
	cfg.PubSub.Topic = "pages"
	a := newTestApp(t, cfg)

	pub, err := a.Publisher(context.Background())
	require.NoError(t, err)
	recorder, ok := pub.(*memory.Publisher)
	require.True(t, ok, "dry run records notifications in memory")

	res := fetchWith(t, a, retrieval.Hooks{Publisher: pub})
	assert.Equal(t, 3, res.NewPages)

	msgs := recorder.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "pages", msgs[0].Topic)
}

func TestPurgeWithoutIndex(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	fetch(t, a)

	report, err := a.Purge(context.Background(), "chan")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Pages)
	assert.Zero(t, report.Documents)
}

func TestNewInMemoryWithoutEncryption(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.Backend = "memory"
	cfg.Encryption.Enabled = false
	a := newTestApp(t, cfg)

	assert.NoError(t, a.Ready(context.Background()))
	pub, err := a.Publisher(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pub)

	res := fetch(t, a)
	assert.Equal(t, 7, res.Items)
	_, err = os.Stat(cfg.Encryption.KeyFile)
	assert.True(t, os.IsNotExist(err), "no key file is created when encryption is off")
}

func TestNewRejectsUnknownBackends(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.Backend = "s3"
	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.Checkpoint.Backend = "etcd"
	_, err = New(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestPrivacyRulesFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	rules := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rules, []byte("opt_out_users: [\"u1\"]\n"), 0o600))
	cfg.Privacy.RulesFile = rules
	a := newTestApp(t, cfg)

	res := fetch(t, a)
	// Odd-numbered messages belong to u1 and are dropped.
	assert.Equal(t, 3, res.Items)
}
