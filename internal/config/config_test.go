package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  api_key: secret
scraper:
  base_url: https://example.com/survey/
  user_agent: test-agent
  max_pages: 50
  ignore_robots: true
  requests_per_second: 2.5
  burst: 3
http:
  timeout_seconds: 45
  max_retries: 4
  backoff_initial_ms: 100
  backoff_max_ms: 500
db:
  dsn: postgres://localhost/gradcafe
  batch_size: 25
pull:
  run_in_background: false
artifacts:
  backend: gcs
  gcs_bucket: bucket
  prefix: runs
pubsub:
  project_id: proj
  topic_name: pulls
logging:
  development: false
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "secret", cfg.Server.APIKey)
	require.Equal(t, "https://example.com/survey/", cfg.Scraper.BaseURL)
	require.Equal(t, "test-agent", cfg.Scraper.UserAgent)
	require.Equal(t, 50, cfg.Scraper.MaxPages)
	require.True(t, cfg.Scraper.IgnoreRobots)
	require.InDelta(t, 2.5, cfg.Scraper.RequestsPerSecond, 1e-9)
	require.Equal(t, 3, cfg.Scraper.Burst)
	require.Equal(t, 25, cfg.DB.BatchSize)
	require.False(t, cfg.Pull.RunInBackground)
	require.Equal(t, ArtifactsGCS, cfg.Artifacts.Backend)
	require.Equal(t, "pulls", cfg.PubSub.TopicName)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, 45*time.Second, cfg.FetchTimeout())

	// Untouched keys keep their defaults.
	require.Equal(t, 1, cfg.Scraper.StartPage)
	require.Equal(t, 3, cfg.Scraper.MaxConsecutiveFailures)
	require.Equal(t, "applicants", cfg.DB.Table)
	require.Equal(t, 60*time.Second, cfg.RequestTimeout())
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 2000, cfg.Scraper.MaxPages)
	require.Equal(t, 100, cfg.DB.BatchSize)
	require.True(t, cfg.Pull.RunInBackground)
	require.Equal(t, ArtifactsLocal, cfg.Artifacts.Backend)

	require.Equal(t, "Mozilla/5.0 (compatible; gradcafe-crawler/1.0)", cfg.Scraper.UserAgent)
	require.Equal(t, 2, cfg.HTTP.MaxRetries, "two retries make three attempts")
	require.Equal(t, 250, cfg.HTTP.BackoffInitialMs)
	require.Equal(t, 5000, cfg.HTTP.BackoffMaxMs)
	require.Equal(t, 60, cfg.HTTP.MaxRetryAfterSeconds)
	require.Equal(t, 15*time.Second, cfg.FetchTimeout())
	require.Equal(t, 3, cfg.Scraper.MaxConsecutiveFailures)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("GRADCAFE_SCRAPER_MAX_PAGES", "7")
	t.Setenv("DATABASE_URL", "postgres://env/gradcafe")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Scraper.MaxPages)
	require.Equal(t, "postgres://env/gradcafe", cfg.DB.DSN)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:    ServerConfig{Port: 8080},
		Scraper:   ScraperConfig{BaseURL: "https://example.com/survey/", MaxPages: 10},
		HTTP:      HTTPConfig{TimeoutSeconds: 10},
		DB:        DBConfig{BatchSize: 100},
		Artifacts: ArtifactsConfig{Backend: ArtifactsMemory},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "missing base url", mutate: func(c *Config) { c.Scraper.BaseURL = " " }, want: "scraper.base_url"},
		{name: "invalid max pages", mutate: func(c *Config) { c.Scraper.MaxPages = 0 }, want: "scraper.max_pages"},
		{name: "negative rate", mutate: func(c *Config) { c.Scraper.RequestsPerSecond = -1 }, want: "scraper.requests_per_second"},
		{name: "invalid timeout", mutate: func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, want: "http.timeout_seconds"},
		{name: "negative retries", mutate: func(c *Config) { c.HTTP.MaxRetries = -1 }, want: "http.max_retries"},
		{name: "invalid batch size", mutate: func(c *Config) { c.DB.BatchSize = 0 }, want: "db.batch_size"},
		{name: "local without dir", mutate: func(c *Config) { c.Artifacts.Backend = ArtifactsLocal }, want: "artifacts.dir"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Artifacts.Backend = ArtifactsGCS }, want: "artifacts.gcs_bucket"},
		{name: "unknown backend", mutate: func(c *Config) { c.Artifacts.Backend = "s3" }, want: "artifacts.backend"},
		{name: "topic without project", mutate: func(c *Config) { c.PubSub.TopicName = "pulls" }, want: "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
