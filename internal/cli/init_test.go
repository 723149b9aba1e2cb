package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/ppiankov/spinegate/internal/config"
	"github.com/ppiankov/spinegate/internal/intent"
	"github.com/ppiankov/spinegate/internal/policy"
)

func testCmd() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	return cmd, &buf
}

func TestRunInit_WritesConfigTree(t *testing.T) {
	dir := t.TempDir()
	initDir = dir
	initForce = false

	cmd, out := testCmd()
	if err := runInit(cmd, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "policy.yaml"))
	if err != nil {
		t.Fatalf("policy.yaml not created: %v", err)
	}
	if _, err := policy.ParseConfig(data); err != nil {
		t.Fatalf("generated policy does not parse: %v", err)
	}

	if _, err := intent.LoadPatterns(filepath.Join(dir, "patterns", "example.yaml")); err != nil {
		t.Fatalf("generated patterns do not load: %v", err)
	}

	for _, sub := range []string{"audit", "pending"} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err != nil || !info.IsDir() {
			t.Errorf("%s directory not created", sub)
		}
	}

	if !strings.Contains(out.String(), "Created:") {
		t.Errorf("summary missing created files:\n%s", out.String())
	}
}

func TestRunInit_ConfigLoads(t *testing.T) {
	dir := t.TempDir()
	initDir = dir
	initForce = false

	cmd, _ := testCmd()
	if err := runInit(cmd, nil); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.PolicyPath != filepath.Join(dir, "policy.yaml") {
		t.Errorf("policy path = %q", cfg.PolicyPath)
	}
	if len(cfg.PatternPaths) != 1 {
		t.Errorf("pattern paths = %v", cfg.PatternPaths)
	}
	if cfg.Audit.Dir != filepath.Join(dir, "audit") {
		t.Errorf("audit dir = %q", cfg.Audit.Dir)
	}
	if cfg.Confirm.Window != config.Default().Confirm.Window {
		t.Errorf("confirm window = %v", cfg.Confirm.Window)
	}
}

func TestRunInit_NoOverwriteWithoutForce(t *testing.T) {
	dir := t.TempDir()

	sentinel := "# sentinel content\n"
	policyPath := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte(sentinel), 0o644); err != nil {
		t.Fatal(err)
	}

	initDir = dir
	initForce = false

	cmd, _ := testCmd()
	if err := runInit(cmd, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	data, _ := os.ReadFile(policyPath)
	if string(data) != sentinel {
		t.Error("policy.yaml was overwritten without --force")
	}
}

func TestRunInit_ForceOverwrites(t *testing.T) {
	dir := t.TempDir()

	sentinel := "# sentinel content\n"
	policyPath := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte(sentinel), 0o644); err != nil {
		t.Fatal(err)
	}

	initDir = dir
	initForce = true
	t.Cleanup(func() { initForce = false })

	cmd, _ := testCmd()
	if err := runInit(cmd, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	data, _ := os.ReadFile(policyPath)
	if string(data) == sentinel {
		t.Error("policy.yaml was NOT overwritten with --force")
	}
}

func TestRunInit_SecondRunReportsExisting(t *testing.T) {
	initDir = t.TempDir()
	initForce = false

	cmd, _ := testCmd()
	if err := runInit(cmd, nil); err != nil {
		t.Fatal(err)
	}
	cmd, out := testCmd()
	if err := runInit(cmd, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "All files already exist") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestWriteIfMissing(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "test.txt")

	initForce = false
	wrote, err := writeIfMissing(path, "hello")
	if err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if !wrote {
		t.Error("first write should return true")
	}

	wrote, err = writeIfMissing(path, "world")
	if err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	if wrote {
		t.Error("second write should return false without force")
	}

	data, _ := os.ReadFile(path)
	if string(data) != "hello" {
		t.Errorf("content changed without force: %q", string(data))
	}

	initForce = true
	t.Cleanup(func() { initForce = false })
	wrote, err = writeIfMissing(path, "world")
	if err != nil {
		t.Fatalf("force write failed: %v", err)
	}
	if !wrote {
		t.Error("force write should return true")
	}
	data, _ = os.ReadFile(path)
	if string(data) != "world" {
		t.Errorf("force write didn't overwrite: %q", string(data))
	}
}

func TestInitPolicy_RefusesExisting(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cmd, out := testCmd()
	if err := runInitPolicy(cmd, nil); err != nil {
		t.Fatalf("first init-policy failed: %v", err)
	}
	if !strings.Contains(out.String(), filepath.Join(".spinegate", "policy.yaml")) {
		t.Errorf("unexpected output: %s", out.String())
	}

	cmd, _ = testCmd()
	err := runInitPolicy(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected already exists error, got %v", err)
	}
}
