package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spinegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, AuditFile, cfg.Audit.Backend)
	assert.Equal(t, 15*time.Minute, cfg.Confirm.Window)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: 0.0.0.0:9000
patterns: [a.yaml, b.yaml]
audit:
  backend: sqlite
  chain_mode: global
confirm:
  window: 2m
alerts:
  - url: https://hooks.example.com/x
    format: slack
    events: [blocked]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cfg.PatternPaths)
	assert.Equal(t, AuditSQLite, cfg.Audit.Backend)
	assert.Equal(t, "global", cfg.Audit.ChainMode)
	assert.Equal(t, 2*time.Minute, cfg.Confirm.Window)
	require.Len(t, cfg.Alerts, 1)
	assert.Equal(t, "slack", cfg.Alerts[0].Format)
	// untouched keys keep their defaults
	assert.Equal(t, LedgerFile, cfg.Confirm.Ledger)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "listen: 0.0.0.0:9000\n")
	t.Setenv("SPINEGATE_LISTEN", "127.0.0.1:7000")
	t.Setenv("SPINEGATE_CONFIRM_LEDGER", "redis")
	t.Setenv("SPINEGATE_REDIS_ADDR", "localhost:6379")
	t.Setenv("SPINEGATE_TOOL_TIMEOUT", "3s")
	t.Setenv("SPINEGATE_PATTERNS", "x.yaml,y.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, LedgerRedis, cfg.Confirm.Ledger)
	assert.Equal(t, 3*time.Second, cfg.Tools.Timeout)
	assert.Equal(t, []string{"x.yaml", "y.yaml"}, cfg.PatternPaths)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "listen: [unterminated\n"))
	require.Error(t, err)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("SPINEGATE_TOOL_TIMEOUT", "soon")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown audit backend", func(c *Config) { c.Audit.Backend = "tape" }},
		{"postgres without dsn", func(c *Config) { c.Audit.Backend = AuditPostgres }},
		{"unknown chain mode", func(c *Config) { c.Audit.ChainMode = "per_user" }},
		{"redis without addr", func(c *Config) { c.Confirm.Ledger = LedgerRedis }},
		{"unknown ledger", func(c *Config) { c.Confirm.Ledger = "etcd" }},
		{"negative window", func(c *Config) { c.Confirm.Window = -time.Second }},
		{"negative retention", func(c *Config) { c.Confirm.Retention = -time.Hour }},
		{"negative rps", func(c *Config) { c.Limits.RPS = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestSQLitePath(t *testing.T) {
	cfg := Default()
	cfg.Audit.Dir = "/var/lib/spinegate"
	assert.Equal(t, "/var/lib/spinegate/audit.db", cfg.SQLitePath())
	cfg.Audit.DSN = "/tmp/a.db"
	assert.Equal(t, "/tmp/a.db", cfg.SQLitePath())
}
