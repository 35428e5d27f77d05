package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 2, cfg.Pool.Workers)
	assert.Equal(t, 120, cfg.Limits.DefaultTimeoutS)
	assert.Equal(t, 600, cfg.Limits.MaxTimeoutS)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9900
pool:
  workers: 4
  queue_size: 16
  tap_prefix: sbtap
data:
  root: /srv/acore-data
  job_ttl: 30m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9900, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Pool.Workers)
	assert.Equal(t, "sbtap", cfg.Pool.TAPPrefix)
	assert.Equal(t, 30*time.Minute, cfg.Data.JobTTL)

	// Untouched keys keep their defaults
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 120, cfg.Limits.DefaultTimeoutS)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Pool.Workers = 0 }},
		{"negative queue", func(c *Config) { c.Pool.QueueSize = -1 }},
		{"zero default timeout", func(c *Config) { c.Limits.DefaultTimeoutS = 0 }},
		{"default above max", func(c *Config) { c.Limits.DefaultTimeoutS = 700 }},
		{"refresh fraction too high", func(c *Config) { c.Token.RefreshFraction = 1.5 }},
		{"relative archive root", func(c *Config) { c.Data.ArchiveRoot = "rel/path" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.Data.Root = "/data"

	assert.Equal(t, "/data/submissions", cfg.SubmissionsDir())
	assert.Equal(t, "/data/logs", cfg.LogsDir())
	assert.Equal(t, "/data/jobs", cfg.JobsDir())
	assert.Equal(t, "/data/acore.db", cfg.IndexPath())
}
