package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/spinegate/internal/app"
)

var pendingJSON bool

func init() {
	rootCmd.AddCommand(pendingCmd)
	pendingCmd.Flags().BoolVar(&pendingJSON, "json", false, "Output records as JSON")
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending confirmation tokens",
	Long:  "Shows confirmations that were issued and not yet used or expired, oldest first.",
	RunE:  runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	ledger, err := app.OpenLedger(cmd.Context(), cfg.Confirm)
	if err != nil {
		return fmt.Errorf("failed to open confirmation ledger: %w", err)
	}
	if c, ok := ledger.(interface{ Close() error }); ok {
		defer c.Close()
	}

	list, err := ledger.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list confirmations: %w", err)
	}

	out := cmd.OutOrStdout()
	if pendingJSON {
		data, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(list) == 0 {
		fmt.Fprintln(out, "No pending confirmations.")
		return nil
	}

	fmt.Fprintf(out, "%-18s %-12s %-12s %-22s %s\n", "TOKEN", "TENANT", "USER", "ACTION", "CREATED")
	for _, r := range list {
		fmt.Fprintf(out, "%-18s %-12s %-12s %-22s %s\n",
			truncate(r.Token, 18),
			truncate(r.TenantID, 12),
			truncate(r.ActorUserID, 12),
			truncate(r.Action, 22),
			r.CreatedAt.Format("15:04:05"),
		)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
