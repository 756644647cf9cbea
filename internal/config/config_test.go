package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Retrieval.PageSize)
	assert.Equal(t, time.Second, cfg.Retrieval.PageDelay)
	assert.Equal(t, 5, cfg.Retrieval.MaxRetries)
	assert.Equal(t, time.Second, cfg.Retrieval.RetryBaseDelay)
	assert.Equal(t, time.Minute, cfg.Retrieval.RetryMaxDelay)
	assert.Equal(t, 5*time.Minute, cfg.Retrieval.StallTimeout)
	assert.Equal(t, 5, cfg.Breaker.MaxFailures)
	assert.Equal(t, time.Minute, cfg.Breaker.ResetTimeout)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "blob", cfg.Checkpoint.Backend)
	assert.True(t, cfg.Encryption.Enabled)
	assert.True(t, cfg.Privacy.RedactPII)
	assert.Equal(t, "hashing", cfg.Index.Embedder)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
job:
  channel_id: "1234"
  start_date: "2025-01-01"
  end_date: "2025-01-31"
  expected_items: 5000
retrieval:
  page_size: 50
  page_delay: 250ms
  max_retries: 3
  retry_base_delay: 2s
  retry_max_delay: 30s
  stall_timeout: 10m
breaker:
  max_failures: 7
  reset_timeout: 90s
source:
  type: file
  file: export.json
storage:
  backend: gcs
  bucket: archive-bucket
  prefix: history
checkpoint:
  backend: postgres
  postgres:
    dsn: postgres://localhost/retriever
    table: checkpoints
privacy:
  redact_pii: false
  opt_out_users: ["u1", "u2"]
pubsub:
  enabled: true
  project_id: proj
  topic: pages
logging:
  development: false
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "1234", cfg.Job.ChannelID)
	assert.Equal(t, 250*time.Millisecond, cfg.Retrieval.PageDelay)
	assert.Equal(t, "gcs", cfg.Storage.Backend)
	assert.Equal(t, "checkpoints", cfg.Checkpoint.Postgres.Table)
	assert.Equal(t, []string{"u1", "u2"}, cfg.Privacy.OptOutUsers)
	assert.False(t, cfg.Logging.Development)

	rc, err := cfg.ToRetrieval()
	require.NoError(t, err)
	assert.Equal(t, "1234", rc.JobID)
	assert.Equal(t, 50, rc.PageSize)
	assert.Equal(t, 3, rc.MaxRetries)
	assert.Equal(t, 2*time.Second, rc.RetryBaseDelay)
	assert.Equal(t, 30*time.Second, rc.RetryMaxDelay)
	assert.Equal(t, 10*time.Minute, rc.StallTimeout)
	assert.Equal(t, 7, rc.MaxFailures)
	assert.Equal(t, 90*time.Second, rc.ResetTimeout)
	assert.Equal(t, 5000, rc.ExpectedItems)
	assert.Equal(t, "pages", rc.Topic)
	require.NotNil(t, rc.Range.Start)
	require.NotNil(t, rc.Range.End)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *rc.Range.Start)
	assert.Equal(t, time.Date(2025, 1, 31, 23, 59, 59, 999999999, time.UTC), *rc.Range.End)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RETRIEVER_JOB_CHANNEL_ID", "env-chan")
	t.Setenv("RETRIEVER_RETRIEVAL_PAGE_SIZE", "25")
	t.Setenv("RETRIEVER_SOURCE_TOKEN", "Bot from-env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-chan", cfg.Job.ChannelID)
	assert.Equal(t, 25, cfg.Retrieval.PageSize)
	assert.Equal(t, "Bot from-env", cfg.Source.Token)
	for _, w := range cfg.Audit() {
		assert.NotContains(t, w, "token")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "page size", mutate: func(c *Config) { c.Retrieval.PageSize = 0 }, want: "retrieval.page_size"},
		{name: "retries", mutate: func(c *Config) { c.Retrieval.MaxRetries = -1 }, want: "retrieval.max_retries"},
		{name: "stall within delay", mutate: func(c *Config) { c.Retrieval.PageDelay = c.Retrieval.StallTimeout }, want: "retrieval.stall_timeout"},
		{name: "breaker", mutate: func(c *Config) { c.Breaker.MaxFailures = 0 }, want: "breaker.max_failures"},
		{name: "source type", mutate: func(c *Config) { c.Source.Type = "ftp" }, want: "source.type"},
		{name: "file source", mutate: func(c *Config) { c.Source.Type = "file" }, want: "source.file"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Storage.Backend = "gcs" }, want: "storage.bucket"},
		{name: "backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{name: "postgres dsn", mutate: func(c *Config) { c.Checkpoint.Backend = "postgres" }, want: "checkpoint.postgres.dsn"},
		{name: "key file", mutate: func(c *Config) { c.Encryption.KeyFile = "" }, want: "encryption.key_file"},
		{name: "embedder", mutate: func(c *Config) { c.Index.Embedder = "bert" }, want: "index.embedder"},
		{name: "pubsub", mutate: func(c *Config) { c.PubSub.Enabled = true }, want: "pubsub.project_id"},
		{
			name:   "pubsub dry run topic",
			mutate: func(c *Config) { c.PubSub.Enabled, c.PubSub.DryRun = true, true },
			want:   "pubsub.topic",
		},
		{name: "bad date", mutate: func(c *Config) { c.Job.StartDate = "last tuesday" }, want: "job.start_date"},
		{
			name: "inverted range",
			mutate: func(c *Config) {
				c.Job.StartDate = "2025-02-01"
				c.Job.EndDate = "2025-01-01"
			},
			want: "job.end_date",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tc.want), "error %q should mention %q", err, tc.want)
		})
	}
}

func TestToRetrievalRequiresChannel(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	_, err = cfg.ToRetrieval()
	require.Error(t, err)
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	got, err := ParseDate("2025-03-04T05:06:07+02:00", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 4, 3, 6, 7, 0, time.UTC), *got)

	got, err = ParseDate("", false)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAudit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(keyFile, []byte("00"), 0o600))
	require.NoError(t, os.Chmod(keyFile, 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Encryption.KeyFile = keyFile
	cfg.Privacy.RedactPII = false
	cfg.Storage.SecureDelete = false

	warnings := strings.Join(cfg.Audit(), "\n")
	assert.Contains(t, warnings, "PII redaction is disabled")
	assert.Contains(t, warnings, "accessible by other users")
	assert.Contains(t, warnings, "secure delete is disabled")

	cfg.Encryption.Enabled = false
	assert.Contains(t, strings.Join(cfg.Audit(), "\n"), "plaintext")
}
