// Package app assembles the command pipeline from configuration. The CLI,
// the HTTP server and the MCP server all run on top of one App.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ppiankov/spinegate/internal/alert"
	"github.com/ppiankov/spinegate/internal/audit"
	"github.com/ppiankov/spinegate/internal/command"
	"github.com/ppiankov/spinegate/internal/config"
	"github.com/ppiankov/spinegate/internal/confirm"
	"github.com/ppiankov/spinegate/internal/domain/ops"
	"github.com/ppiankov/spinegate/internal/domain/payments"
	"github.com/ppiankov/spinegate/internal/flow"
	"github.com/ppiankov/spinegate/internal/intent"
	"github.com/ppiankov/spinegate/internal/policy"
	"github.com/ppiankov/spinegate/internal/redact"
	"github.com/ppiankov/spinegate/internal/runner"
	"github.com/ppiankov/spinegate/internal/tool"
)

// App is a fully wired pipeline.
type App struct {
	Config  config.Config
	Logger  *zap.Logger
	Policy  *policy.Engine
	Tools   *tool.Registry
	Chain   audit.Chain
	Writer  *audit.Writer
	Ledger  confirm.Ledger
	Alerts  *alert.Dispatcher
	Runner  *runner.Runner
	Handler *command.Handler

	base    *flow.Catalog
	closers []func() error
}

// DefaultDomains returns the demo payments and ops domains.
func DefaultDomains() []flow.Domain {
	return []flow.Domain{
		payments.Domain(payments.DemoBook()),
		ops.Domain(ops.DemoConsole()),
	}
}

// New wires every component named by cfg. With no domains the demo domains
// are used.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, domains ...flow.Domain) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(domains) == 0 {
		domains = DefaultDomains()
	}

	a := &App{Config: cfg, Logger: logger}
	ready := false
	defer func() {
		if !ready {
			_ = a.Close()
		}
	}()

	secret, err := loadSecret(cfg.Confirm)
	if err != nil {
		return nil, err
	}
	if cfg.PolicyPath != "" {
		a.Policy, err = policy.Load(cfg.PolicyPath, secret)
	} else {
		a.Policy, err = policy.NewEngine(policy.DefaultConfig(), secret)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}

	a.base, err = flow.NewCatalog(domains...)
	if err != nil {
		return nil, fmt.Errorf("failed to build flow catalog: %w", err)
	}
	catalog, err := a.catalog()
	if err != nil {
		return nil, err
	}

	a.Tools = tool.NewRegistry(cfg.Tools.Timeout, logger.Named("tool"))
	if err := a.base.RegisterTools(a.Tools); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	if a.Chain, err = OpenChain(cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Chain.Close)

	mode, err := audit.ParseChainMode(cfg.Audit.ChainMode)
	if err != nil {
		return nil, err
	}
	a.Writer = audit.NewWriter(a.Chain,
		audit.WithChainMode(mode),
		audit.WithRedactor(redact.New(cfg.Audit.RedactKeys, true)),
		audit.WithLogger(logger.Named("audit")))

	if a.Ledger, err = OpenLedger(ctx, cfg.Confirm); err != nil {
		return nil, err
	}
	if c, ok := a.Ledger.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	a.Alerts = alert.NewDispatcher(cfg.Alerts, logger.Named("alert"))
	rc := runner.Config{
		Policy: a.Policy,
		Tools:  a.Tools,
		Audit:  a.Writer,
		Ledger: a.Ledger,
		Logger: logger.Named("runner"),
	}
	if a.Alerts != nil {
		rc.Alerter = a.Alerts
	}
	if a.Runner, err = runner.New(rc); err != nil {
		return nil, err
	}

	a.Handler = command.NewHandler(catalog, a.Runner, logger.Named("command"))
	ready = true
	return a, nil
}

func (a *App) catalog() (*flow.Catalog, error) {
	if len(a.Config.PatternPaths) == 0 {
		return a.base, nil
	}
	extra, err := intent.LoadPatterns(a.Config.PatternPaths...)
	if err != nil {
		return nil, err
	}
	return a.base.WithPatterns(extra)
}

// ReloadPolicy re-reads the policy file. The previous policy stays active
// on error.
func (a *App) ReloadPolicy() error {
	if err := a.Policy.Reload(); err != nil {
		return err
	}
	a.Logger.Info("policy reloaded", zap.String("path", a.Policy.Path()), zap.String("hash", a.Policy.Hash()))
	return nil
}

// ReloadPatterns re-reads the pattern packs and swaps the handler catalog.
func (a *App) ReloadPatterns() error {
	c, err := a.catalog()
	if err != nil {
		return err
	}
	a.Handler.SetCatalog(c)
	a.Logger.Info("patterns reloaded", zap.Int("patterns", len(c.Patterns())))
	return nil
}

// WatchPaths lists the files whose changes should trigger a reload.
func (a *App) WatchPaths() []string {
	var paths []string
	if a.Config.PolicyPath != "" {
		paths = append(paths, a.Config.PolicyPath)
	}
	return append(paths, a.Config.PatternPaths...)
}

// Reload dispatches a changed file to the matching reload.
func (a *App) Reload(path string) error {
	if a.Config.PolicyPath != "" && samePath(path, a.Config.PolicyPath) {
		return a.ReloadPolicy()
	}
	return a.ReloadPatterns()
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}

// Close drains alerts and releases stores.
func (a *App) Close() error {
	a.Alerts.Wait()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OpenChain opens the audit store named by cfg.
func OpenChain(cfg config.Config) (audit.Chain, error) {
	switch cfg.Audit.Backend {
	case config.AuditMemory:
		return audit.NewMemoryChain(), nil
	case config.AuditFile:
		c, err := audit.OpenFileChain(cfg.Audit.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit chain: %w", err)
		}
		return c, nil
	case config.AuditSQLite:
		path := cfg.SQLitePath()
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
		c, err := audit.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite audit store: %w", err)
		}
		return c, nil
	case config.AuditPostgres:
		c, err := audit.OpenPostgres(cfg.Audit.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres audit store: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.Audit.Backend)
	}
}

// OpenLedger opens the confirmation ledger named by cfg.
func OpenLedger(ctx context.Context, cfg config.ConfirmConfig) (confirm.Ledger, error) {
	opts := []confirm.Option{confirm.WithRetention(cfg.Retention)}
	if cfg.Window > 0 {
		opts = append(opts, confirm.WithWindow(cfg.Window))
	}
	switch cfg.Ledger {
	case config.LedgerMemory:
		return confirm.NewMemoryLedger(opts...), nil
	case config.LedgerFile:
		l, err := confirm.NewFileLedger(cfg.Dir, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open confirmation ledger: %w", err)
		}
		return l, nil
	case config.LedgerRedis:
		l, err := confirm.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to connect confirmation ledger: %w", err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown confirmation ledger %q", cfg.Ledger)
	}
}

// loadSecret returns the configured secret, or reads the key file,
// creating it with 32 random bytes on first use.
func loadSecret(cfg config.ConfirmConfig) ([]byte, error) {
	if cfg.Secret != "" {
		return []byte(cfg.Secret), nil
	}
	if cfg.SecretFile == "" {
		return nil, errors.New("confirmation secret or secret_file is required")
	}

	data, err := os.ReadFile(cfg.SecretFile)
	if err == nil {
		key := strings.TrimSpace(string(data))
		if key == "" {
			return nil, fmt.Errorf("confirmation key file %s is empty", cfg.SecretFile)
		}
		return []byte(key), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read confirmation key: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate confirmation key: %w", err)
	}
	key := hex.EncodeToString(buf)
	if err := os.MkdirAll(filepath.Dir(cfg.SecretFile), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(cfg.SecretFile, []byte(key+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write confirmation key: %w", err)
	}
	return []byte(key), nil
}
