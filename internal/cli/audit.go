package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/spinegate/internal/app"
	"github.com/ppiankov/spinegate/internal/archive"
	"github.com/ppiankov/spinegate/internal/audit"
)

var (
	tailLines int
	tailJSON  bool
	exportS3  bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent events to show")
	auditTailCmd.Flags().BoolVar(&tailJSON, "json", false, "Output events as JSON")
	auditExportCmd.Flags().BoolVar(&exportS3, "s3", false, "Upload the chain to the configured S3 archive instead of printing it")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit chain operations",
	Long:  "Commands for verifying, inspecting and archiving the hash-chained audit log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [chain]",
	Short: "Verify hash chain integrity",
	Long:  "Recomputes every event hash from genesis and checks each prev_hash link.\nVerifies all chains unless one is named. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [chain]",
	Short: "Show recent audit events",
	Long:  "Prints the last N events of a chain as a timeline. Defaults to the global chain.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditTail,
}

var auditExportCmd = &cobra.Command{
	Use:   "export <chain>",
	Short: "Export a verified chain",
	Long:  "Prints the chain as JSON, or with --s3 uploads it as JSONL keyed by its head hash.\nTampered or empty chains are refused.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditExport,
}

func openChain() (audit.Chain, error) {
	c, err := app.OpenChain(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	return c, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	c, err := openChain()
	if err != nil {
		return err
	}
	defer c.Close()

	var results []audit.VerifyResult
	if len(args) == 1 {
		res, err := audit.VerifyChain(cmd.Context(), c, args[0])
		if err != nil {
			return err
		}
		results = append(results, res)
	} else {
		results, err = audit.VerifyAll(cmd.Context(), c)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "OK: no chains recorded")
		return nil
	}

	failed := false
	for _, r := range results {
		if r.Valid {
			fmt.Fprintf(out, "OK: %s: %d events verified (head %s)\n", r.Chain, r.Events, r.Head)
			continue
		}
		failed = true
		fmt.Fprintf(cmd.ErrOrStderr(), "FAILED: %s at event %d: %s\n", r.Chain, r.ErrorIndex, r.Error)
	}
	if failed {
		return errSilent
	}
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	key := audit.GlobalKey
	if len(args) == 1 {
		key = args[0]
	}

	c, err := openChain()
	if err != nil {
		return err
	}
	defer c.Close()

	events, err := c.Events(cmd.Context(), key)
	if err != nil {
		return fmt.Errorf("read chain %s: %w", key, err)
	}
	if tailLines > 0 && len(events) > tailLines {
		events = events[len(events)-tailLines:]
	}

	out := cmd.OutOrStdout()
	if tailJSON {
		s, err := audit.FormatJSON(events)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
		return nil
	}
	fmt.Fprint(out, audit.FormatTimeline(key, events))
	return nil
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	key := args[0]

	c, err := openChain()
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	if !exportS3 {
		res, err := audit.VerifyChain(cmd.Context(), c, key)
		if err != nil {
			return err
		}
		if !res.Valid {
			return fmt.Errorf("%w: %s", archive.ErrChainInvalid, res.Error)
		}
		events, err := c.Events(cmd.Context(), key)
		if err != nil {
			return err
		}
		s, err := audit.FormatJSON(events)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
		return nil
	}

	arc, err := archive.New(cmd.Context(), archive.Config{
		Bucket:   cfg.Archive.Bucket,
		Prefix:   cfg.Archive.Prefix,
		Region:   cfg.Archive.Region,
		Endpoint: cfg.Archive.Endpoint,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to configure archive: %w", err)
	}
	receipt, err := arc.Export(cmd.Context(), c, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Archived %s: %d events to s3://%s/%s\n", receipt.Chain, receipt.Events, receipt.Bucket, receipt.Key)
	return nil
}
