// Package config loads and validates retriever configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/channel-retriever/internal/logging"
	"github.com/JakeFAU/channel-retriever/internal/retrieval"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Job        JobConfig        `mapstructure:"job"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Source     SourceConfig     `mapstructure:"source"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Privacy    PrivacyConfig    `mapstructure:"privacy"`
	Index      IndexConfig      `mapstructure:"index"`
	Server     ServerConfig     `mapstructure:"server"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// JobConfig identifies what to retrieve.
type JobConfig struct {
	ChannelID      string `mapstructure:"channel_id"`
	StartDate      string `mapstructure:"start_date"`
	EndDate        string `mapstructure:"end_date"`
	ExpectedItems  int    `mapstructure:"expected_items"`
	IDField        string `mapstructure:"id_field"`
	TimestampField string `mapstructure:"timestamp_field"`
}

// RetrievalConfig governs the pagination loop.
type RetrievalConfig struct {
	PageSize       int           `mapstructure:"page_size"`
	PageDelay      time.Duration `mapstructure:"page_delay"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	StallTimeout   time.Duration `mapstructure:"stall_timeout"`
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `mapstructure:"max_failures"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

// SourceConfig selects and configures the page source.
type SourceConfig struct {
	// Type is "http" or "file".
	Type              string        `mapstructure:"type"`
	BaseURL           string        `mapstructure:"base_url"`
	Token             string        `mapstructure:"token"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	File              string        `mapstructure:"file"`
}

// StorageConfig selects the blob backend for pages and checkpoints.
type StorageConfig struct {
	// Backend is "local", "gcs", or "memory".
	Backend      string `mapstructure:"backend"`
	BaseDir      string `mapstructure:"base_dir"`
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	SecureDelete bool   `mapstructure:"secure_delete"`
}

// CheckpointConfig selects where checkpoints live.
type CheckpointConfig struct {
	// Backend is "blob" or "postgres".
	Backend  string         `mapstructure:"backend"`
	Prefix   string         `mapstructure:"prefix"`
	Name     string         `mapstructure:"name"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls access to the checkpoint database.
type PostgresConfig struct {
	DSN             string `mapstructure:"dsn"`
	Table           string `mapstructure:"table"`
	RunTable        string `mapstructure:"run_table"`
	MaxConns        int32  `mapstructure:"max_conns"`
	EnsureSchema    bool   `mapstructure:"ensure_schema"`
	RecordRuns      bool   `mapstructure:"record_runs"`
}

// EncryptionConfig toggles at-rest encryption of pages and checkpoints.
type EncryptionConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	KeyFile string `mapstructure:"key_file"`
}

// PrivacyConfig controls PII redaction and opt-outs.
type PrivacyConfig struct {
	RedactPII   bool     `mapstructure:"redact_pii"`
	RulesFile   string   `mapstructure:"rules_file"`
	ContentPath string   `mapstructure:"content_path"`
	OptOutUsers []string `mapstructure:"opt_out_users"`
}

// IndexConfig configures the vector index.
type IndexConfig struct {
	DBPath    string `mapstructure:"db_path"`
	BatchSize int    `mapstructure:"batch_size"`
	// Embedder is "hashing" or "ollama".
	Embedder  string       `mapstructure:"embedder"`
	Dimension int          `mapstructure:"dimension"`
	Ollama    OllamaConfig `mapstructure:"ollama"`
}

// OllamaConfig points at an Ollama-compatible embedding server.
type OllamaConfig struct {
	URL        string        `mapstructure:"url"`
	Model      string        `mapstructure:"model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// PubSubConfig holds metadata for page notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
	// DryRun logs notifications instead of sending them; no project is needed.
	DryRun bool `mapstructure:"dry_run"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig = logging.Config

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RETRIEVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("job.channel_id", "")
	v.SetDefault("job.start_date", "")
	v.SetDefault("job.end_date", "")
	v.SetDefault("job.expected_items", 0)
	v.SetDefault("job.id_field", "id")
	v.SetDefault("job.timestamp_field", "timestamp")
	v.SetDefault("retrieval.page_size", 100)
	v.SetDefault("retrieval.page_delay", time.Second)
	v.SetDefault("retrieval.max_retries", 5)
	v.SetDefault("retrieval.retry_base_delay", time.Second)
	v.SetDefault("retrieval.retry_max_delay", time.Minute)
	v.SetDefault("retrieval.stall_timeout", 5*time.Minute)
	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.reset_timeout", time.Minute)
	v.SetDefault("source.type", "http")
	v.SetDefault("source.base_url", "https://discord.com/api/v10")
	v.SetDefault("source.token", "")
	v.SetDefault("source.timeout", 30*time.Second)
	v.SetDefault("source.requests_per_second", 1.0)
	v.SetDefault("source.burst", 1)
	v.SetDefault("source.file", "")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.base_dir", "data")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.secure_delete", true)
	v.SetDefault("checkpoint.backend", "blob")
	v.SetDefault("checkpoint.prefix", "checkpoints")
	v.SetDefault("checkpoint.name", "")
	v.SetDefault("checkpoint.postgres.dsn", "")
	v.SetDefault("checkpoint.postgres.table", "retrieval_checkpoints")
	v.SetDefault("checkpoint.postgres.run_table", "retrieval_runs")
	v.SetDefault("checkpoint.postgres.max_conns", 4)
	v.SetDefault("checkpoint.postgres.ensure_schema", true)
	v.SetDefault("checkpoint.postgres.record_runs", true)
	v.SetDefault("encryption.enabled", true)
	v.SetDefault("encryption.key_file", "data/.key")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("privacy.rules_file", "")
	v.SetDefault("privacy.content_path", "content")
	v.SetDefault("privacy.opt_out_users", []string{})
	v.SetDefault("index.db_path", "data/index.db")
	v.SetDefault("index.batch_size", 100)
	v.SetDefault("index.embedder", "hashing")
	v.SetDefault("index.dimension", 384)
	v.SetDefault("index.ollama.url", "http://localhost:11434/api/embed")
	v.SetDefault("index.ollama.model", "nomic-embed-text")
	v.SetDefault("index.ollama.timeout", 30*time.Second)
	v.SetDefault("index.ollama.max_retries", 4)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("pubsub.dry_run", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits. The channel id is
// checked by the commands that need it, since status and search do not.
func (c Config) Validate() error {
	if c.Retrieval.PageSize <= 0 {
		return fmt.Errorf("retrieval.page_size must be > 0")
	}
	if c.Retrieval.MaxRetries < 0 {
		return fmt.Errorf("retrieval.max_retries must be >= 0")
	}
	if c.Retrieval.StallTimeout <= c.Retrieval.PageDelay {
		return fmt.Errorf("retrieval.stall_timeout must exceed retrieval.page_delay")
	}
	if c.Breaker.MaxFailures <= 0 {
		return fmt.Errorf("breaker.max_failures must be > 0")
	}
	switch c.Source.Type {
	case "http":
		if c.Source.BaseURL == "" {
			return fmt.Errorf("source.base_url must be set for the http source")
		}
	case "file":
		if c.Source.File == "" {
			return fmt.Errorf("source.file must be set for the file source")
		}
	default:
		return fmt.Errorf("source.type must be http or file, got %q", c.Source.Type)
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be local, gcs, or memory, got %q", c.Storage.Backend)
	}
	switch c.Checkpoint.Backend {
	case "blob":
	case "postgres":
		if c.Checkpoint.Postgres.DSN == "" {
			return fmt.Errorf("checkpoint.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend must be blob or postgres, got %q", c.Checkpoint.Backend)
	}
	if c.Encryption.Enabled && c.Encryption.KeyFile == "" {
		return fmt.Errorf("encryption.key_file must be set when encryption is enabled")
	}
	switch c.Index.Embedder {
	case "hashing", "ollama":
	default:
		return fmt.Errorf("index.embedder must be hashing or ollama, got %q", c.Index.Embedder)
	}
	if c.PubSub.Enabled && !c.PubSub.DryRun && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	if c.PubSub.Enabled && c.PubSub.Topic == "" {
		return fmt.Errorf("pubsub.topic must be set when pubsub is enabled")
	}
	if _, _, err := c.dateRange(); err != nil {
		return err
	}
	return nil
}

// ToRetrieval maps the loaded configuration onto the fetch loop's Config.
func (c Config) ToRetrieval() (retrieval.Config, error) {
	rc := retrieval.DefaultConfig(c.Job.ChannelID)
	rc.PageSize = c.Retrieval.PageSize
	rc.PageDelay = c.Retrieval.PageDelay
	rc.MaxRetries = c.Retrieval.MaxRetries
	rc.RetryBaseDelay = c.Retrieval.RetryBaseDelay
	rc.RetryMaxDelay = c.Retrieval.RetryMaxDelay
	rc.StallTimeout = c.Retrieval.StallTimeout
	rc.MaxFailures = c.Breaker.MaxFailures
	rc.ResetTimeout = c.Breaker.ResetTimeout
	rc.ExpectedItems = c.Job.ExpectedItems
	if c.PubSub.Enabled {
		rc.Topic = c.PubSub.Topic
	}
	start, end, err := c.dateRange()
	if err != nil {
		return retrieval.Config{}, err
	}
	rc.Range = retrieval.DateRange{Start: start, End: end}
	if err := rc.Validate(); err != nil {
		return retrieval.Config{}, fmt.Errorf("retrieval config: %w", err)
	}
	return rc, nil
}

// Fields returns the item field paths.
func (c Config) Fields() retrieval.Fields {
	f := retrieval.DefaultFields()
	if c.Job.IDField != "" {
		f.ID = c.Job.IDField
	}
	if c.Job.TimestampField != "" {
		f.Timestamp = c.Job.TimestampField
	}
	return f
}

func (c Config) dateRange() (*time.Time, *time.Time, error) {
	start, err := ParseDate(c.Job.StartDate, false)
	if err != nil {
		return nil, nil, fmt.Errorf("job.start_date: %w", err)
	}
	end, err := ParseDate(c.Job.EndDate, true)
	if err != nil {
		return nil, nil, fmt.Errorf("job.end_date: %w", err)
	}
	if start != nil && end != nil && end.Before(*start) {
		return nil, nil, fmt.Errorf("job.end_date must not be before job.start_date")
	}
	return start, end, nil
}

// ParseDate accepts YYYY-MM-DD or an RFC 3339 timestamp. A bare date used as
// an end bound covers the whole day. Empty input means no bound.
func ParseDate(s string, endOfDay bool) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if d, err := time.ParseInLocation(time.DateOnly, s, time.UTC); err == nil {
		if endOfDay {
			d = d.Add(24*time.Hour - time.Nanosecond)
		}
		return &d, nil
	}
	if ts, ok := retrieval.ParseTimestamp(s); ok {
		return &ts, nil
	}
	return nil, fmt.Errorf("invalid date %q", s)
}

// Audit returns human-readable warnings about insecure settings.
func (c Config) Audit() []string {
	var warnings []string
	if !c.Encryption.Enabled {
		warnings = append(warnings, "encryption at rest is disabled; archived pages are stored in plaintext")
	}
	if !c.Privacy.RedactPII {
		warnings = append(warnings, "PII redaction is disabled")
	}
	if c.Encryption.Enabled && c.Encryption.KeyFile != "" {
		if info, err := os.Stat(c.Encryption.KeyFile); err == nil && info.Mode().Perm()&0o077 != 0 {
			warnings = append(warnings, fmt.Sprintf("key file %s is accessible by other users (mode %o)", c.Encryption.KeyFile, info.Mode().Perm()))
		}
	}
	if c.Source.Type == "http" && c.Source.Token != "" && os.Getenv("RETRIEVER_SOURCE_TOKEN") == "" {
		warnings = append(warnings, "source token is set in the config file; prefer RETRIEVER_SOURCE_TOKEN")
	}
	if c.Storage.Backend == "local" && !c.Storage.SecureDelete {
		warnings = append(warnings, "secure delete is disabled; purged pages may be recoverable from disk")
	}
	if c.Server.APIKey == "" {
		warnings = append(warnings, "status API has no api key")
	}
	return warnings
}
