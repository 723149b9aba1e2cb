package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/spinegate/internal/config"
	"github.com/ppiankov/spinegate/internal/policy"
)

var (
	initDir   string
	initForce bool
)

func init() {
	initCmd.Flags().StringVar(&initDir, "dir", "", "Config directory (default ~/.spinegate)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap spinegate configuration",
	Long: `Creates the config directory with config.yaml, policy.yaml and an
example pattern pack, and prepares the audit and pending directories.

The generated config.yaml points at the generated policy and patterns,
so "spinegate serve" picks them up with hot-reload.`,
	RunE: runInit,
}

const examplePatterns = `# Extra phrasing for the built-in spines. Each pattern maps text to a
# registered intent. Kinds: keyword (whole word), phrase (word sequence),
# regex (RE2 against normalized text).
spine: payments
patterns:
  - intent: refund
    rule: {kind: phrase, value: "give it back"}
    base_confidence: 0.6
  - intent: invoice_lookup
    rule: {kind: phrase, value: "show invoice"}
    base_confidence: 0.6
`

func runInit(cmd *cobra.Command, args []string) error {
	dir := initDir
	if dir == "" {
		dir = config.Dir()
	}
	out := cmd.OutOrStdout()

	var created []string

	policyPath := filepath.Join(dir, "policy.yaml")
	if wrote, err := writeIfMissing(policyPath, policy.DefaultConfigYAML()); err != nil {
		return err
	} else if wrote {
		created = append(created, policyPath)
	}

	patternPath := filepath.Join(dir, "patterns", "example.yaml")
	if wrote, err := writeIfMissing(patternPath, examplePatterns); err != nil {
		return err
	} else if wrote {
		created = append(created, patternPath)
	}

	configPath := filepath.Join(dir, "config.yaml")
	content, err := defaultConfigYAML(dir, policyPath, patternPath)
	if err != nil {
		return fmt.Errorf("generate default config: %w", err)
	}
	if wrote, err := writeIfMissing(configPath, content); err != nil {
		return err
	} else if wrote {
		created = append(created, configPath)
	}

	for _, sub := range []string{"audit", "pending"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return fmt.Errorf("create %s directory: %w", sub, err)
		}
	}

	fmt.Fprintln(out, "spinegate init complete.")
	fmt.Fprintln(out)
	if len(created) > 0 {
		fmt.Fprintln(out, "Created:")
		for _, path := range created {
			fmt.Fprintf(out, "  %s\n", path)
		}
	} else {
		fmt.Fprintln(out, "All files already exist (use --force to overwrite).")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Verify:")
	fmt.Fprintf(out, "  spinegate doctor --config %s\n", configPath)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Try a command:")
	fmt.Fprintln(out, `  spinegate run --role support --tenant acme --request-id r1 'refund inv_1001 $25'`)
	return nil
}

// defaultConfigYAML renders the default config rooted at dir.
func defaultConfigYAML(dir, policyPath, patternPath string) (string, error) {
	type audit struct {
		Backend   string `yaml:"backend"`
		Dir       string `yaml:"dir"`
		ChainMode string `yaml:"chain_mode"`
	}
	type confirm struct {
		SecretFile string `yaml:"secret_file"`
		Window     string `yaml:"window"`
		Ledger     string `yaml:"ledger"`
		Dir        string `yaml:"dir"`
	}
	def := config.Default()
	doc := struct {
		Listen   string   `yaml:"listen"`
		Policy   string   `yaml:"policy"`
		Patterns []string `yaml:"patterns"`
		Audit    audit    `yaml:"audit"`
		Confirm  confirm  `yaml:"confirm"`
	}{
		Listen:   def.Listen,
		Policy:   policyPath,
		Patterns: []string{patternPath},
		Audit: audit{
			Backend:   config.AuditFile,
			Dir:       filepath.Join(dir, "audit"),
			ChainMode: def.Audit.ChainMode,
		},
		Confirm: confirm{
			SecretFile: filepath.Join(dir, "confirm.key"),
			Window:     def.Confirm.Window.String(),
			Ledger:     config.LedgerFile,
			Dir:        filepath.Join(dir, "pending"),
		},
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}
	header := "# spinegate configuration.\n" +
		"# Every key can be overridden with a SPINEGATE_* environment variable.\n" +
		"# Audit backends: memory, file, sqlite, postgres. Ledgers: memory, file, redis.\n\n"
	return header + string(data), nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
