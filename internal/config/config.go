// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. GRADCAFE_DB_DSN.
const EnvPrefix = "GRADCAFE"

// DefaultUserAgent identifies the crawler to the site and selects its robots
// group.
const DefaultUserAgent = "Mozilla/5.0 (compatible; gradcafe-crawler/1.0)"

// Artifact backends.
const (
	ArtifactsLocal  = "local"
	ArtifactsGCS    = "gcs"
	ArtifactsMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	DB        DBConfig        `mapstructure:"db"`
	Pull      PullConfig      `mapstructure:"pull"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int    `mapstructure:"port"`
	APIKey                string `mapstructure:"api_key"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
}

// ScraperConfig governs the listing walk.
type ScraperConfig struct {
	BaseURL                string  `mapstructure:"base_url"`
	SiteURL                string  `mapstructure:"site_url"`
	UserAgent              string  `mapstructure:"user_agent"`
	StartPage              int     `mapstructure:"start_page"`
	MaxPages               int     `mapstructure:"max_pages"`
	IgnoreRobots           bool    `mapstructure:"ignore_robots"`
	RequestsPerSecond      float64 `mapstructure:"requests_per_second"`
	Burst                  int     `mapstructure:"burst"`
	MaxConsecutiveFailures int     `mapstructure:"max_consecutive_failures"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
	// MaxRetryAfterSeconds caps a server-sent Retry-After.
	MaxRetryAfterSeconds int `mapstructure:"max_retry_after_seconds"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory store.
type DBConfig struct {
	DSN       string `mapstructure:"dsn"`
	Table     string `mapstructure:"table"`
	MaxConns  int32  `mapstructure:"max_conns"`
	MinConns  int32  `mapstructure:"min_conns"`
	BatchSize int    `mapstructure:"batch_size"`
}

// PullConfig controls how POST /pull-data runs.
type PullConfig struct {
	RunInBackground bool `mapstructure:"run_in_background"`
}

// ArtifactsConfig selects where last_page.json and new_data.json are written.
type ArtifactsConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for run-completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize    int `mapstructure:"buffer_size"`
	BatchSize     int `mapstructure:"batch_size"`
	FlushMillis   int `mapstructure:"flush_ms"`
	SinkTimeoutMs int `mapstructure:"sink_timeout_ms"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. A .env file in the working
// directory is imported first when present, and DATABASE_URL overrides db.dsn.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.DB.DSN = dsn
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("scraper.base_url", "https://www.thegradcafe.com/survey/")
	v.SetDefault("scraper.site_url", "https://www.thegradcafe.com")
	v.SetDefault("scraper.user_agent", DefaultUserAgent)
	v.SetDefault("scraper.start_page", 1)
	v.SetDefault("scraper.max_pages", 2000)
	v.SetDefault("scraper.ignore_robots", false)
	v.SetDefault("scraper.requests_per_second", 1.0)
	v.SetDefault("scraper.burst", 1)
	v.SetDefault("scraper.max_consecutive_failures", 3)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("http.max_retry_after_seconds", 60)
	v.SetDefault("db.table", "applicants")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.batch_size", 100)
	v.SetDefault("pull.run_in_background", true)
	v.SetDefault("artifacts.backend", ArtifactsLocal)
	v.SetDefault("artifacts.dir", "data")
	v.SetDefault("progress.buffer_size", 256)
	v.SetDefault("progress.batch_size", 32)
	v.SetDefault("progress.flush_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 2000)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Scraper.BaseURL) == "" {
		return fmt.Errorf("scraper.base_url is required")
	}
	if c.Scraper.MaxPages <= 0 {
		return fmt.Errorf("scraper.max_pages must be > 0")
	}
	if c.Scraper.RequestsPerSecond < 0 {
		return fmt.Errorf("scraper.requests_per_second must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.DB.BatchSize <= 0 {
		return fmt.Errorf("db.batch_size must be > 0")
	}
	switch c.Artifacts.Backend {
	case ArtifactsLocal:
		if c.Artifacts.Dir == "" {
			return fmt.Errorf("artifacts.dir is required for the local backend")
		}
	case ArtifactsGCS:
		if c.Artifacts.GCSBucket == "" {
			return fmt.Errorf("artifacts.gcs_bucket is required for the gcs backend")
		}
	case ArtifactsMemory:
	default:
		return fmt.Errorf("artifacts.backend %q must be one of local, gcs, memory", c.Artifacts.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// FetchTimeout is the per-request timeout for listing fetches.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RequestTimeout bounds each HTTP API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
