// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Blob     BlobConfig     `mapstructure:"blob"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Video    VideoConfig    `mapstructure:"video"`
	Image    ImageConfig    `mapstructure:"image"`
	LLM      LLMConfig      `mapstructure:"llm"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Progress ProgressConfig `mapstructure:"progress"`
	Reaper   ReaperConfig   `mapstructure:"reaper"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// OwnerHeader carries the caller identity set by the auth proxy.
	OwnerHeader string `mapstructure:"owner_header"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// PipelineConfig governs job execution.
type PipelineConfig struct {
	MaxConcurrency       int           `mapstructure:"max_concurrency"`
	JobTimeout           time.Duration `mapstructure:"job_timeout"`
	TerminalWriteTimeout time.Duration `mapstructure:"terminal_write_timeout"`
	TempDir              string        `mapstructure:"temp_dir"`
}

// StorageConfig selects the Job and Recipe store backend.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig configures the embedded database.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// BlobConfig selects where uploads and thumbnails are written.
type BlobConfig struct {
	Backend        string `mapstructure:"backend"`
	LocalDir       string `mapstructure:"local_dir"`
	GCSBucket      string `mapstructure:"gcs_bucket"`
	Prefix         string `mapstructure:"prefix"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
	// UploadShardWidth is how many digest characters name the upload
	// directory fan-out level; 0 stores uploads flat.
	UploadShardWidth int `mapstructure:"upload_shard_width"`
}

// FetchConfig configures webpage fetching and pacing.
type FetchConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	MaxPageBytes   int           `mapstructure:"max_page_bytes"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// BlockedHosts are refused at submission. "*.example.com" matches
	// subdomains.
	BlockedHosts []string `mapstructure:"blocked_hosts"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	PromotionMinBytes int           `mapstructure:"promotion_min_bytes"`
}

// VideoConfig configures the yt-dlp driver.
type VideoConfig struct {
	Binary       string   `mapstructure:"binary"`
	SubLanguages []string `mapstructure:"sub_languages"`
}

// ImageConfig bounds image downloads.
type ImageConfig struct {
	MaxBytes int64         `mapstructure:"max_bytes"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LLMConfig configures the chat-completions client.
type LLMConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	VisionModel    string        `mapstructure:"vision_model"`
	TimeoutSeconds int           `mapstructure:"timeout_seconds"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBase      time.Duration `mapstructure:"retry_base"`
	RetryMax       time.Duration `mapstructure:"retry_max"`
	Refine         bool          `mapstructure:"refine"`
}

// PubSubConfig holds metadata for job event notifications. An empty topic
// keeps events in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// ReaperConfig controls the orphaned job sweep.
type ReaperConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	Grace     time.Duration `mapstructure:"grace"`
	BatchSize int           `mapstructure:"batch_size"`
}

// Supported backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
)

// SearchPaths are the directories checked for config.yaml when no explicit
// path is given.
var SearchPaths = []string{".", "/etc/recipe-importer", "$HOME/.recipe-importer"}

// Load builds a Config from disk/environment. An empty path searches
// SearchPaths and falls back to defaults when nothing is found.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RECIPES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		for _, dir := range SearchPaths {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("server.owner_header", "X-User-ID")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("pipeline.max_concurrency", 5)
	v.SetDefault("pipeline.job_timeout", 30*time.Minute)
	v.SetDefault("pipeline.terminal_write_timeout", 10*time.Second)
	v.SetDefault("pipeline.temp_dir", "")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.sqlite.path", "data/recipes.db")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.min_conns", 1)
	v.SetDefault("storage.postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("blob.backend", BackendMemory)
	v.SetDefault("blob.local_dir", "data/blobs")
	v.SetDefault("blob.gcs_bucket", "")
	v.SetDefault("blob.prefix", "")
	v.SetDefault("blob.max_upload_bytes", 15<<20)
	v.SetDefault("blob.upload_shard_width", 2)
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.user_agent", "recipe-importer/0.1")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.max_page_bytes", 10<<20)
	v.SetDefault("fetch.rate_limit_rps", 2.0)
	v.SetDefault("fetch.rate_limit_burst", 1)
	v.SetDefault("fetch.blocked_hosts", []string{"localhost", "metadata.google.internal"})
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.navigation_timeout", 45*time.Second)
	v.SetDefault("headless.promotion_min_bytes", 2048)
	v.SetDefault("video.binary", "yt-dlp")
	v.SetDefault("video.sub_languages", []string{"en"})
	v.SetDefault("image.max_bytes", 15<<20)
	v.SetDefault("image.timeout", 30*time.Second)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.vision_model", "")
	v.SetDefault("llm.timeout_seconds", 120)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_base", time.Second)
	v.SetDefault("llm.retry_max", 20*time.Second)
	v.SetDefault("llm.refine", true)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.interval", time.Minute)
	v.SetDefault("reaper.grace", 5*time.Minute)
	v.SetDefault("reaper.batch_size", 100)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Server.OwnerHeader) == "" {
		return fmt.Errorf("server.owner_header must be set")
	}
	if c.Pipeline.MaxConcurrency <= 0 {
		return fmt.Errorf("pipeline.max_concurrency must be > 0")
	}
	if c.Pipeline.JobTimeout <= 0 {
		return fmt.Errorf("pipeline.job_timeout must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.RateLimitRPS < 0 {
		return fmt.Errorf("fetch.rate_limit_rps must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path must be set for the sqlite backend")
		}
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, sqlite, postgres", c.Storage.Backend)
	}
	switch c.Blob.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Blob.LocalDir == "" {
			return fmt.Errorf("blob.local_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("blob.backend %q is not one of memory, local, gcs", c.Blob.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Reaper.Enabled && c.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper.interval must be > 0 when the reaper is enabled")
	}
	return nil
}

// StaleAfter is how old a non-terminal job must be before the reaper fails
// it.
func (c Config) StaleAfter() time.Duration {
	return c.Pipeline.JobTimeout + c.Reaper.Grace
}
