package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("FOODTRACE_JWT_SECRET", "0123456789abcdef-secret")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "trace-node-a", cfg.NodeID)
	assert.Equal(t, "6000", cfg.HTTPPort)
	assert.Equal(t, StoreLedger, cfg.Store)
	assert.Equal(t, "http://localhost:5000", cfg.L1Endpoint)
	assert.Equal(t, "BATCH", cfg.BatchPrefix)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.InitialBackoff)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.False(t, cfg.AllowAuthoritySignup)
	assert.Equal(t, "host=localhost port=5433 user=postgres password=postgrespassword dbname=trace_node_db sslmode=disable", cfg.GetDSN())
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.toml")
	content := `
node_id = "trace-node-file"
store = "sqlite"

[l1]
endpoint = "http://ledger:5000/"

[sqlite]
path = "/tmp/trace.db"

[jwt]
secret = "file-secret-value-1234"
ttl = "2h"

[identity]
allow_authority_signup = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("FOODTRACE_NODE_ID", "trace-node-env")
	t.Setenv("FOODTRACE_RETRY_MAX_ATTEMPTS", "3")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "trace-node-env", cfg.NodeID)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, "/tmp/trace.db", cfg.SQLite)
	assert.Equal(t, "http://ledger:5000", cfg.L1Endpoint)
	assert.Equal(t, 2*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.True(t, cfg.AllowAuthoritySignup)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("FOODTRACE_JWT_SECRET", "0123456789abcdef-secret")
	base, err := LoadConfig("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no secret", func(c *Config) { c.JWTSecret = "" }},
		{"short secret", func(c *Config) { c.JWTSecret = "short" }},
		{"unknown store", func(c *Config) { c.Store = "redis" }},
		{"ledger without endpoint", func(c *Config) { c.L1Endpoint = "" }},
		{"no node id", func(c *Config) { c.NodeID = "" }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"inverted backoff", func(c *Config) { c.Retry.MaxBackoff = time.Millisecond }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base.Validate())
}
