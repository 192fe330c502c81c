package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 2*time.Second, cfg.PollInterval())
	require.Equal(t, int64(2), cfg.Scheduler.MaxConcurrentJobs)
	require.Equal(t, 4, cfg.Scheduler.PageWorkers)
	require.Equal(t, "memory", cfg.DB.Driver)
	require.Equal(t, "none", cfg.Archive.Backend)
	require.False(t, cfg.Headless.Enabled)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, 15*time.Second, cfg.FetchTimeout())
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  timeout_seconds: 30
auth:
  enabled: true
  api_key: secret
scheduler:
  poll_interval_ms: 500
  max_concurrent_jobs: 8
archive:
  backend: local
  local_dir: /tmp/archive
db:
  driver: postgres
  dsn: postgres://crawler@localhost/crawler
logging:
  development: true
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 30*time.Second, cfg.ServerTimeout())
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.Equal(t, 500*time.Millisecond, cfg.PollInterval())
	require.Equal(t, int64(8), cfg.Scheduler.MaxConcurrentJobs)
	require.Equal(t, "local", cfg.Archive.Backend)
	require.Equal(t, "/tmp/archive", cfg.Archive.LocalDir)
	require.Equal(t, "postgres", cfg.DB.Driver)
	require.True(t, cfg.Logging.Development)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SITEGRAPH_SERVER_PORT", "7070")
	t.Setenv("SITEGRAPH_RATE_LIMIT_PER_HOST_RPS", "0.5")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, 0.5, cfg.RateLimit.PerHostRPS)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "zero concurrent jobs",
			mutate:  func(c *Config) { c.Scheduler.MaxConcurrentJobs = 0 },
			wantErr: "max_concurrent_jobs",
		},
		{
			name:    "auth without key",
			mutate:  func(c *Config) { c.Auth.Enabled = true },
			wantErr: "auth.api_key",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.DB.Driver = "postgres" },
			wantErr: "db.dsn",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.DB.Driver = "sqlite" },
			wantErr: "unknown db.driver",
		},
		{
			name:    "gcs without bucket",
			mutate:  func(c *Config) { c.Archive.Backend = "gcs" },
			wantErr: "gcs_bucket",
		},
		{
			name:    "local archive without dir",
			mutate:  func(c *Config) { c.Archive.Backend = "local" },
			wantErr: "local_dir",
		},
		{
			name:    "headless without parallelism",
			mutate: func(c *Config) {
				c.Headless.Enabled = true
				c.Headless.MaxParallel = 0
			},
			wantErr: "max_parallel",
		},
		{
			name:    "pubsub without topic",
			mutate:  func(c *Config) { c.PubSub.Enabled = true },
			wantErr: "pubsub",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}
