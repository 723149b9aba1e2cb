// Package config loads spinegate settings: built-in defaults, then an
// optional YAML file, then SPINEGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/spinegate/internal/alert"
)

// Audit backends.
const (
	AuditMemory   = "memory"
	AuditFile     = "file"
	AuditSQLite   = "sqlite"
	AuditPostgres = "postgres"
)

// Confirmation ledger backends.
const (
	LedgerMemory = "memory"
	LedgerFile   = "file"
	LedgerRedis  = "redis"
)

// Config is the full process configuration.
type Config struct {
	Listen       string   `yaml:"listen"        env:"SPINEGATE_LISTEN"`
	PolicyPath   string   `yaml:"policy"        env:"SPINEGATE_POLICY"`
	PatternPaths []string `yaml:"patterns"      env:"SPINEGATE_PATTERNS" envSeparator:","`
	Verbose      bool     `yaml:"verbose"       env:"SPINEGATE_VERBOSE"`

	Audit   AuditConfig   `yaml:"audit"`
	Confirm ConfirmConfig `yaml:"confirm"`
	Tools   ToolsConfig   `yaml:"tools"`
	Auth    AuthConfig    `yaml:"auth"`
	Limits  LimitsConfig  `yaml:"limits"`
	Tracing TracingConfig `yaml:"tracing"`
	Archive ArchiveConfig `yaml:"archive"`

	Alerts []alert.AlertConfig `yaml:"alerts"`
}

// AuditConfig selects and configures the audit chain store.
type AuditConfig struct {
	Backend    string   `yaml:"backend"     env:"SPINEGATE_AUDIT_BACKEND"`
	Dir        string   `yaml:"dir"         env:"SPINEGATE_AUDIT_DIR"`
	DSN        string   `yaml:"dsn"         env:"SPINEGATE_AUDIT_DSN"`
	ChainMode  string   `yaml:"chain_mode"  env:"SPINEGATE_AUDIT_CHAIN_MODE"`
	RedactKeys []string `yaml:"redact_keys" env:"SPINEGATE_AUDIT_REDACT_KEYS" envSeparator:","`
}

// ConfirmConfig configures step-up confirmation tokens.
type ConfirmConfig struct {
	Secret        string        `yaml:"secret"         env:"SPINEGATE_CONFIRM_SECRET"`
	SecretFile    string        `yaml:"secret_file"    env:"SPINEGATE_CONFIRM_SECRET_FILE"`
	Window        time.Duration `yaml:"window"         env:"SPINEGATE_CONFIRM_WINDOW"`
	Retention     time.Duration `yaml:"retention"      env:"SPINEGATE_CONFIRM_RETENTION"`
	Ledger        string        `yaml:"ledger"         env:"SPINEGATE_CONFIRM_LEDGER"`
	Dir           string        `yaml:"dir"            env:"SPINEGATE_CONFIRM_DIR"`
	RedisAddr     string        `yaml:"redis_addr"     env:"SPINEGATE_REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"SPINEGATE_REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db"       env:"SPINEGATE_REDIS_DB"`
}

// ToolsConfig holds tool registry settings.
type ToolsConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"SPINEGATE_TOOL_TIMEOUT"`
}

// AuthConfig enables JWT bearer auth on the HTTP transport when Secret is set.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"SPINEGATE_JWT_SECRET"`
	Issuer    string `yaml:"issuer"     env:"SPINEGATE_JWT_ISSUER"`
}

// LimitsConfig is the per-actor request budget. Zero RPS disables limiting.
type LimitsConfig struct {
	RPS   float64 `yaml:"rps"   env:"SPINEGATE_RATE_RPS"`
	Burst int     `yaml:"burst" env:"SPINEGATE_RATE_BURST"`
}

// TracingConfig enables OTLP/HTTP trace export when Endpoint is set.
type TracingConfig struct {
	Endpoint string `yaml:"endpoint" env:"SPINEGATE_OTLP_ENDPOINT"`
}

// ArchiveConfig names the S3 destination for exported chains.
type ArchiveConfig struct {
	Bucket   string `yaml:"bucket"   env:"SPINEGATE_ARCHIVE_BUCKET"`
	Prefix   string `yaml:"prefix"   env:"SPINEGATE_ARCHIVE_PREFIX"`
	Region   string `yaml:"region"   env:"SPINEGATE_ARCHIVE_REGION"`
	Endpoint string `yaml:"endpoint" env:"SPINEGATE_ARCHIVE_ENDPOINT"`
}

// Dir returns the spinegate state directory (~/.spinegate).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".spinegate"
	}
	return filepath.Join(home, ".spinegate")
}

// Default returns the built-in configuration.
func Default() Config {
	dir := Dir()
	return Config{
		Listen: "127.0.0.1:8080",
		Audit: AuditConfig{
			Backend:   AuditFile,
			Dir:       filepath.Join(dir, "audit"),
			ChainMode: "per_tenant",
		},
		Confirm: ConfirmConfig{
			SecretFile: filepath.Join(dir, "confirm.key"),
			Window:     15 * time.Minute,
			Retention:  30 * 24 * time.Hour,
			Ledger:     LedgerFile,
			Dir:        filepath.Join(dir, "pending"),
		},
		Tools:  ToolsConfig{Timeout: 10 * time.Second},
		Limits: LimitsConfig{RPS: 5, Burst: 10},
	}
}

// Load builds the configuration. A missing file at path is not an error;
// an empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown backends and inconsistent settings.
func (c Config) Validate() error {
	switch c.Audit.Backend {
	case AuditMemory, AuditFile, AuditSQLite, AuditPostgres:
	default:
		return fmt.Errorf("config: unknown audit backend %q", c.Audit.Backend)
	}
	if c.Audit.Backend == AuditPostgres && c.Audit.DSN == "" {
		return fmt.Errorf("config: audit backend postgres requires a dsn")
	}
	switch c.Audit.ChainMode {
	case "", "per_tenant", "global":
	default:
		return fmt.Errorf("config: unknown chain mode %q", c.Audit.ChainMode)
	}

	switch c.Confirm.Ledger {
	case LedgerMemory, LedgerFile:
	case LedgerRedis:
		if c.Confirm.RedisAddr == "" {
			return fmt.Errorf("config: confirm ledger redis requires redis_addr")
		}
	default:
		return fmt.Errorf("config: unknown confirm ledger %q", c.Confirm.Ledger)
	}
	if c.Confirm.Window < 0 || c.Confirm.Retention < 0 {
		return fmt.Errorf("config: confirm window and retention must not be negative")
	}
	if c.Limits.RPS < 0 || c.Limits.Burst < 0 {
		return fmt.Errorf("config: rate limits must not be negative")
	}
	return nil
}

// SQLitePath is where the sqlite backend keeps its database.
func (c Config) SQLitePath() string {
	if c.Audit.DSN != "" {
		return c.Audit.DSN
	}
	return filepath.Join(c.Audit.Dir, "audit.db")
}
