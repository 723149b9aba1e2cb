package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/spinegate/internal/app"
	"github.com/ppiankov/spinegate/internal/audit"
	"github.com/ppiankov/spinegate/internal/flow"
	"github.com/ppiankov/spinegate/internal/intent"
	"github.com/ppiankov/spinegate/internal/policy"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, stores and audit integrity",
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var checks []checkResult

	// 1. Binary location and version.
	execPath, _ := os.Executable()
	if execPath != "" {
		checks = append(checks, checkResult{label: "spinegate binary", ok: true, detail: fmt.Sprintf("%s (v%s)", execPath, version)})
	} else {
		checks = append(checks, checkResult{label: "spinegate binary", ok: false, detail: "cannot determine executable path"})
	}

	// 2. Config file.
	if _, err := os.Stat(configPath); err == nil {
		checks = append(checks, checkResult{label: "config", ok: true, detail: configPath})
	} else {
		checks = append(checks, checkResult{label: "config", ok: false, detail: "missing, using defaults", fix: "spinegate init"})
	}

	// 3. Policy.
	if cfg.PolicyPath == "" {
		checks = append(checks, checkResult{label: "policy", ok: true, detail: "built-in defaults"})
	} else if _, hash, err := policy.LoadConfigWithHash(cfg.PolicyPath); err != nil {
		checks = append(checks, checkResult{label: "policy", ok: false, detail: err.Error(), fix: "spinegate init-policy"})
	} else if eng, err := policy.Load(cfg.PolicyPath, []byte("doctor")); err != nil {
		checks = append(checks, checkResult{label: "policy", ok: false, detail: err.Error()})
	} else {
		checks = append(checks, checkResult{label: "policy", ok: true, detail: fmt.Sprintf("%s, %d rules (%s)", cfg.PolicyPath, len(eng.Config().Rules), hash)})
	}

	// Domains.
	if catalog, err := flow.NewCatalog(app.DefaultDomains()...); err != nil {
		checks = append(checks, checkResult{label: "domains", ok: false, detail: err.Error()})
	} else {
		checks = append(checks, checkResult{label: "domains", ok: true, detail: strings.Join(catalog.Names(), ", ")})
	}

	// 4. Pattern packs.
	if len(cfg.PatternPaths) > 0 {
		if patterns, err := intent.LoadPatterns(cfg.PatternPaths...); err != nil {
			checks = append(checks, checkResult{label: "patterns", ok: false, detail: err.Error()})
		} else {
			checks = append(checks, checkResult{label: "patterns", ok: true, detail: fmt.Sprintf("%d extra patterns", len(patterns))})
		}
	}

	// 5. Confirmation secret.
	switch {
	case cfg.Confirm.Secret != "":
		checks = append(checks, checkResult{label: "confirm secret", ok: true, detail: "set inline"})
	case cfg.Confirm.SecretFile != "":
		if _, err := os.Stat(cfg.Confirm.SecretFile); err == nil {
			checks = append(checks, checkResult{label: "confirm secret", ok: true, detail: cfg.Confirm.SecretFile})
		} else {
			checks = append(checks, checkResult{label: "confirm secret", ok: true, detail: "created on first start"})
		}
	default:
		checks = append(checks, checkResult{label: "confirm secret", ok: false, detail: "no secret or secret_file", fix: "set confirm.secret_file"})
	}

	// 6. Audit store and chain integrity.
	if chain, err := app.OpenChain(cfg); err != nil {
		checks = append(checks, checkResult{label: "audit store", ok: false, detail: err.Error()})
	} else {
		results, err := audit.VerifyAll(ctx, chain)
		_ = chain.Close()
		switch {
		case err != nil:
			checks = append(checks, checkResult{label: "audit store", ok: false, detail: err.Error()})
		default:
			bad := 0
			for _, r := range results {
				if !r.Valid {
					bad++
				}
			}
			if bad > 0 {
				checks = append(checks, checkResult{label: "audit chains", ok: false, detail: fmt.Sprintf("%d of %d chains fail verification", bad, len(results)), fix: "spinegate audit verify"})
			} else {
				checks = append(checks, checkResult{label: "audit chains", ok: true, detail: fmt.Sprintf("%s, %d chains verified", cfg.Audit.Backend, len(results))})
			}
		}
	}

	// 7. Confirmation ledger.
	if ledger, err := app.OpenLedger(ctx, cfg.Confirm); err != nil {
		checks = append(checks, checkResult{label: "confirm ledger", ok: false, detail: err.Error()})
	} else {
		recs, err := ledger.List(ctx)
		if c, ok := ledger.(interface{ Close() error }); ok {
			_ = c.Close()
		}
		if err != nil {
			checks = append(checks, checkResult{label: "confirm ledger", ok: false, detail: err.Error()})
		} else {
			checks = append(checks, checkResult{label: "confirm ledger", ok: true, detail: fmt.Sprintf("%s, %d pending", cfg.Confirm.Ledger, len(recs))})
		}
	}

	out := cmd.OutOrStdout()
	hasFailures := false
	for _, c := range checks {
		mark := "✓"
		if !c.ok {
			mark = "✗"
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-18s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Fprintln(out, line)
	}

	fmt.Fprintln(out)
	if hasFailures {
		fmt.Fprintln(out, "Some checks failed. Run the suggested commands to fix.")
		return fmt.Errorf("doctor found issues")
	}
	fmt.Fprintln(out, "All checks passed.")
	return nil
}
