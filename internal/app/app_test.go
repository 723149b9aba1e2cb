package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ppiankov/spinegate/internal/audit"
	"github.com/ppiankov/spinegate/internal/command"
	"github.com/ppiankov/spinegate/internal/config"
	"github.com/ppiankov/spinegate/internal/runner"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Audit.Dir = filepath.Join(dir, "audit")
	cfg.Confirm.Dir = filepath.Join(dir, "pending")
	cfg.Confirm.SecretFile = filepath.Join(dir, "confirm.key")
	return cfg
}

func newApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func refund(token string) command.Request {
	return command.Request{
		Text:              "refund inv_1001 $20",
		Context:           command.Context{UserID: "u-1", Role: "owner", TenantID: "acme"},
		ConfirmationToken: token,
	}
}

func tokenOf(t *testing.T, resp command.Response) string {
	t.Helper()
	require.NotNil(t, resp.Data)
	require.Equal(t, runner.HaltConfirm, resp.Data.Halt)
	return resp.Data.Final.Payload.(map[string]any)["token"].(string)
}

func TestConfirmationSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)

	first, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	token := tokenOf(t, first.Handler.Handle(context.Background(), refund("")))

	pending, err := first.Ledger.List(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, token, pending[0].Token)
	require.NoError(t, first.Close())

	second := newApp(t, cfg)
	resp := second.Handler.Handle(context.Background(), refund(token))
	require.True(t, resp.Success, "%+v", resp.Error)
	assert.True(t, resp.Data.Final.OK)

	events, err := second.Chain.Events(context.Background(), "tenant:acme")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeSuccess, events[0].Outcome)
	assert.True(t, audit.Verify(events).Valid)
}

func TestSecretFileIsCreatedOnce(t *testing.T) {
	cfg := testConfig(t)
	k1, err := loadSecret(cfg.Confirm)
	require.NoError(t, err)
	k2, err := loadSecret(cfg.Confirm)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)

	info, err := os.Stat(cfg.Confirm.SecretFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestExplicitSecretWins(t *testing.T) {
	cfg := testConfig(t)
	cfg.Confirm.Secret = "s3cret"
	key, err := loadSecret(cfg.Confirm)
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), key)
	_, err = os.Stat(cfg.Confirm.SecretFile)
	assert.True(t, os.IsNotExist(err))
}

func TestEmptyKeyFileFails(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.Confirm.SecretFile, []byte("\n"), 0o600))
	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestSQLiteBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Backend = config.AuditSQLite
	cfg.Audit.ChainMode = "global"
	cfg.Confirm.Ledger = config.LedgerMemory
	a := newApp(t, cfg)

	resp := a.Handler.Handle(context.Background(), command.Request{
		Text:    "look up invoice inv_1003",
		Context: command.Context{TenantID: "acme", Role: "viewer"},
	})
	require.True(t, resp.Success, "%+v", resp.Error)

	results, err := audit.VerifyAll(context.Background(), a.Chain)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, audit.GlobalKey, results[0].Chain)
	assert.Equal(t, 1, results[0].Events)
	assert.FileExists(t, cfg.SQLitePath())
}

func TestBadPolicyFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.PolicyPath = filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(cfg.PolicyPath, []byte("rules: [\n"), 0o600))
	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestReloadPatterns(t *testing.T) {
	cfg := testConfig(t)
	pack := filepath.Join(t.TempDir(), "extra.yaml")
	require.NoError(t, os.WriteFile(pack, []byte(`
spine: payments
patterns:
  - intent: refund
    rule: {kind: phrase, value: give it back}
    base_confidence: 0.8
`), 0o600))
	cfg.PatternPaths = []string{pack}
	a := newApp(t, cfg)

	require.NotEmpty(t, a.Handler.Detect("give it back"))
	assert.Empty(t, a.Handler.Detect("send it home"))

	require.NoError(t, os.WriteFile(pack, []byte(`
spine: payments
patterns:
  - intent: refund
    rule: {kind: phrase, value: send it home}
    base_confidence: 0.8
`), 0o600))
	require.NoError(t, a.Reload(pack))

	assert.Empty(t, a.Handler.Detect("give it back"))
	got := a.Handler.Detect("send it home")
	require.NotEmpty(t, got)
	assert.Equal(t, "refund", got[0].Name)
}

func TestReloadPatternsKeepsCatalogOnError(t *testing.T) {
	cfg := testConfig(t)
	pack := filepath.Join(t.TempDir(), "extra.yaml")
	require.NoError(t, os.WriteFile(pack, []byte("spine: payments\npatterns: []\n"), 0o600))
	cfg.PatternPaths = []string{pack}
	a := newApp(t, cfg)
	before := a.Handler.Catalog()

	require.NoError(t, os.WriteFile(pack, []byte("spine: nowhere\npatterns:\n  - intent: x\n    rule: {kind: keyword, value: x}\n    base_confidence: 0.5\n"), 0o600))
	require.Error(t, a.ReloadPatterns())
	assert.Same(t, before, a.Handler.Catalog())
}

func TestReloadPolicyRoutesByPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.PolicyPath = filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(cfg.PolicyPath, []byte("default: allow\nrules: []\n"), 0o600))
	a := newApp(t, cfg)
	before := a.Policy.Hash()

	require.NoError(t, os.WriteFile(cfg.PolicyPath, []byte("default: deny\nrules: []\n"), 0o600))
	require.NoError(t, a.Reload(cfg.PolicyPath))
	assert.NotEqual(t, before, a.Policy.Hash())
	assert.Equal(t, []string{cfg.PolicyPath}, a.WatchPaths())

	resp := a.Handler.Handle(context.Background(), command.Request{Text: "look up invoice inv_1003"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "policy_denied", resp.Error.Code)
}
