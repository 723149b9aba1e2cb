package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/spinegate/internal/config"
	"github.com/ppiankov/spinegate/internal/policy"
)

func init() {
	rootCmd.AddCommand(initPolicyCmd)
}

var initPolicyCmd = &cobra.Command{
	Use:   "init-policy",
	Short: "Generate default policy.yaml with comments",
	Long:  "Creates ~/.spinegate/policy.yaml with the default role rules and step-up settings.\nEdit this file to customize which roles may run which actions.",
	RunE:  runInitPolicy,
}

func runInitPolicy(cmd *cobra.Command, args []string) error {
	dir := config.Dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	path := filepath.Join(dir, "policy.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("policy.yaml already exists at %s", path)
	}

	if err := os.WriteFile(path, []byte(policy.DefaultConfigYAML()), 0o644); err != nil {
		return fmt.Errorf("failed to write policy.yaml: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
	return nil
}
