package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/spinegate/internal/model"
)

var testSecret = []byte("test-secret")

func newTestEngine(t *testing.T, cfg *PolicyConfig) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, testSecret)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestDecideHighSensitivityRequiresConfirmation(t *testing.T) {
	e := newTestEngine(t, nil)
	actor := model.Actor{UserID: "u1", Role: "owner"}
	input := map[string]any{"invoice_id": "invoice_test123", "amount": 50.0}

	d := e.Decide(actor, "payments.refund", model.SensHigh, input)
	if !d.Allow || d.RequireConfirmation == nil {
		t.Fatalf("expected step-up, got %+v", d)
	}
	if !strings.HasPrefix(d.RequireConfirmation.Token, TokenPrefix) {
		t.Errorf("token missing prefix: %s", d.RequireConfirmation.Token)
	}
	if d.PolicyID != "step_up.high" {
		t.Errorf("expected step_up.high, got %s", d.PolicyID)
	}

	again := e.Decide(actor, "payments.refund", model.SensHigh, map[string]any{"amount": 50.0, "invoice_id": "invoice_test123"})
	if again.RequireConfirmation.Token != d.RequireConfirmation.Token {
		t.Error("token must be deterministic for the same logical action")
	}
}

func TestTokenBindsActionInputAndActor(t *testing.T) {
	e := newTestEngine(t, nil)
	actor := model.Actor{UserID: "u1", Role: "owner", TenantID: "acme"}
	input := map[string]any{"amount": 50.0}

	base, _ := e.Token(actor, "payments.refund", input)
	variants := []string{}
	v, _ := e.Token(actor, "payments.refund", map[string]any{"amount": 51.0})
	variants = append(variants, v)
	v, _ = e.Token(actor, "ops.kill_switch", input)
	variants = append(variants, v)
	v, _ = e.Token(model.Actor{UserID: "u2", Role: "owner", TenantID: "acme"}, "payments.refund", input)
	variants = append(variants, v)
	v, _ = e.Token(model.Actor{UserID: "u1", Role: "owner", TenantID: "globex"}, "payments.refund", input)
	variants = append(variants, v)
	v, _ = e.Token(model.Actor{UserID: "u1", Role: "owner", TenantID: "acme", RequestID: "req-1"}, "payments.refund", input)
	variants = append(variants, v)

	for i, other := range variants {
		if other == base {
			t.Errorf("variant %d produced the same token", i)
		}
	}

	other, err := NewEngine(nil, []byte("another-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if tok, _ := other.Token(actor, "payments.refund", input); tok == base {
		t.Error("token must depend on the secret")
	}
}

func TestDecideRuleOrder(t *testing.T) {
	e := newTestEngine(t, nil)

	d := e.Decide(model.Actor{Role: "viewer"}, "payments.refund", model.SensHigh, map[string]any{"amount": 5.0})
	if d.Allow || d.PolicyID != "viewer.read_only" {
		t.Errorf("viewer should be denied by rule, got %+v", d)
	}

	d = e.Decide(model.Actor{Role: "viewer"}, "payments.invoice_lookup", model.SensLow, nil)
	if !d.Allow || d.RequireConfirmation != nil || d.PolicyID != "default" {
		t.Errorf("viewer lookup should fall through to default allow, got %+v", d)
	}

	d = e.Decide(model.Actor{Role: "support"}, "payments.refund", model.SensHigh, map[string]any{"amount": 500})
	if d.Allow || d.Reason != "support agents may refund at most 100" {
		t.Errorf("support over limit should be denied, got %+v", d)
	}

	d = e.Decide(model.Actor{Role: "support"}, "payments.refund", model.SensHigh, map[string]any{"amount": 50.0})
	if !d.Allow || d.RequireConfirmation == nil {
		t.Errorf("support under limit should reach step-up, got %+v", d)
	}

	d = e.Decide(model.Actor{Role: "owner"}, "ops.force_logout", model.SensMedium, map[string]any{"user": "bob"})
	if d.RequireConfirmation == nil || d.PolicyID != "ops.force_logout.step_up" {
		t.Errorf("force logout should require confirmation, got %+v", d)
	}
	if !strings.Contains(d.RequireConfirmation.Message, "active session") {
		t.Errorf("expected rule message, got %q", d.RequireConfirmation.Message)
	}
}

func TestDecideCELErrorFailsClosed(t *testing.T) {
	e := newTestEngine(t, nil)
	// support.refund_limit reads input.amount; absent key is an eval error
	d := e.Decide(model.Actor{Role: "support"}, "payments.refund", model.SensHigh, map[string]any{})
	if d.Allow {
		t.Fatalf("expected fail-closed deny, got %+v", d)
	}
	if d.PolicyID != "support.refund_limit" {
		t.Errorf("expected rule id on error, got %s", d.PolicyID)
	}
}

func TestDecideTenantAllowlist(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedTenants = []string{"acme"}
	e := newTestEngine(t, cfg)

	d := e.Decide(model.Actor{Role: "owner", TenantID: "globex"}, "payments.invoice_lookup", model.SensLow, nil)
	if d.Allow || d.PolicyID != "tenant.allowlist" {
		t.Errorf("expected allowlist deny, got %+v", d)
	}
	d = e.Decide(model.Actor{Role: "owner", TenantID: "acme"}, "payments.invoice_lookup", model.SensLow, nil)
	if !d.Allow {
		t.Errorf("expected allow for listed tenant, got %+v", d)
	}
}

func TestDecideDefaultFailClosed(t *testing.T) {
	cfg := &PolicyConfig{Default: "perhaps"}
	e := newTestEngine(t, cfg)
	d := e.Decide(model.Actor{}, "x", model.SensLow, nil)
	if d.Allow {
		t.Errorf("unknown default must deny, got %+v", d)
	}

	cfg = &PolicyConfig{Default: "require_confirmation"}
	e = newTestEngine(t, cfg)
	if d := e.Decide(model.Actor{}, "x", model.SensLow, nil); d.Allow {
		t.Errorf("require_confirmation is not a valid default, got %+v", d)
	}
}

func TestDecideIsPure(t *testing.T) {
	e := newTestEngine(t, nil)
	actor := model.Actor{UserID: "u", Role: "owner"}
	input := map[string]any{"feature": "checkout", "state": "off"}
	first := e.Decide(actor, "ops.kill_switch", model.SensHigh, input)
	for i := 0; i < 10; i++ {
		got := e.Decide(actor, "ops.kill_switch", model.SensHigh, input)
		if got.RequireConfirmation.Token != first.RequireConfirmation.Token || got.PolicyID != first.PolicyID {
			t.Fatalf("decision changed on call %d", i)
		}
	}
	if len(input) != 2 {
		t.Error("input mutated")
	}
}

func TestNewEngineRejectsBadCEL(t *testing.T) {
	cfg := &PolicyConfig{Default: "allow", Rules: []Rule{{ID: "bad", Action: "*", When: "input.amount >", Decision: "deny"}}}
	if _, err := NewEngine(cfg, testSecret); err == nil {
		t.Error("expected compile error")
	}
	if _, err := NewEngine(nil, nil); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestReloadSwapsSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("default: allow\nrules: []\nstep_up: {sensitivities: []}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	e, err := Load(path, testSecret)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d := e.Decide(model.Actor{}, "x", model.SensHigh, nil); !d.Allow || d.RequireConfirmation != nil {
		t.Fatalf("expected plain allow, got %+v", d)
	}
	firstHash := e.Hash()

	if err := os.WriteFile(path, []byte("default: deny\nrules: []\nstep_up: {sensitivities: []}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := e.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if d := e.Decide(model.Actor{}, "x", model.SensHigh, nil); d.Allow {
		t.Errorf("expected deny after reload, got %+v", d)
	}
	if e.Hash() == firstHash {
		t.Error("hash should change after reload")
	}

	if err := os.WriteFile(path, []byte("rules:\n  - action: '*'\n    when: 'nope('\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := e.Reload(); err == nil {
		t.Error("expected reload error for invalid CEL")
	}
	if d := e.Decide(model.Actor{}, "x", model.SensHigh, nil); d.Allow {
		t.Errorf("previous snapshot should stay active, got %+v", d)
	}
}
