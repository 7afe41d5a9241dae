package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8004, cfg.Port)
	assert.Equal(t, 4*time.Second, cfg.MasterUpdateInterval)
	assert.Equal(t, 1200*time.Second, cfg.RenderNodeTimeout)
	assert.Equal(t, 0, cfg.MaxRetryCmdCount)
	assert.Equal(t, 10, cfg.RenderNodeRequestMaxRetryCount)
	assert.Equal(t, 16, cfg.SenderPoolSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "farmd.yaml")
	content := `
port: 9100
master_update_interval: 2s
rn_timeout: 60s
max_retry_cmd_count: 3
pools_backend_type: db
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.MasterUpdateInterval)
	assert.Equal(t, 60*time.Second, cfg.RenderNodeTimeout)
	assert.Equal(t, 3, cfg.MaxRetryCmdCount)
	assert.Equal(t, PoolsBackendDB, cfg.PoolsBackendType)
	// untouched defaults survive
	assert.Equal(t, 10000, cfg.QueueSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/farmd.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Port = -1 }, true},
		{"zero interval", func(c *Config) { c.MasterUpdateInterval = 0 }, true},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }, true},
		{"unknown backend", func(c *Config) { c.PoolsBackendType = "ldap" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
