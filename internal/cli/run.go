package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/spinegate/internal/command"
	"github.com/ppiankov/spinegate/internal/model"
	"github.com/ppiankov/spinegate/internal/runner"
)

var (
	runUser      string
	runRole      string
	runTenant    string
	runRequestID string
	runToken     string
	runJSON      bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runUser, "user", "", "Acting user id")
	runCmd.Flags().StringVar(&runRole, "role", "", "Acting user role")
	runCmd.Flags().StringVar(&runTenant, "tenant", "", "Tenant id")
	runCmd.Flags().StringVar(&runRequestID, "request-id", "", "Request id (must match when confirming)")
	runCmd.Flags().StringVar(&runToken, "token", "", "Confirmation token from a previous run")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Output the response envelope as JSON")
}

var runCmd = &cobra.Command{
	Use:   "run <text...>",
	Short: "Run one text command through detection, policy and tools",
	Long: "Detects the intent of the text, builds its flow and runs it.\n" +
		"High-risk actions stop with a confirmation token; re-run the same command\n" +
		"with --token and the same --request-id to proceed.",
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	resp := a.Handler.Handle(cmd.Context(), command.Request{
		Text: strings.Join(args, " "),
		Context: command.Context{
			UserID:    runUser,
			Role:      runRole,
			TenantID:  runTenant,
			RequestID: runRequestID,
		},
		ConfirmationToken: runToken,
	})

	out := cmd.OutOrStdout()
	if runJSON {
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode response: %w", err)
		}
		fmt.Fprintln(out, string(data))
	} else {
		printResponse(out, resp)
	}
	if resp.Error != nil {
		return errSilent
	}
	return nil
}

// printResponse renders a response envelope for a terminal.
func printResponse(w io.Writer, resp command.Response) {
	if resp.Data != nil && resp.Data.Intent != nil {
		in := resp.Data.Intent
		fmt.Fprintf(w, "Intent: %s.%s (confidence %.2f, matched %q)\n", in.SpineID, in.Name, in.Confidence, in.Match)
	}
	if resp.Data != nil && len(resp.Data.Steps) > 0 {
		fmt.Fprintln(w, "Steps:")
		for _, s := range resp.Data.Steps {
			fmt.Fprintf(w, "  %-8s %s\n", s.Type, stepSummary(s))
		}
	}
	if resp.Error != nil {
		fmt.Fprintf(w, "Error: %s: %s\n", resp.Error.Code, resp.Error.Message)
		return
	}
	if resp.Data == nil {
		return
	}

	switch resp.Data.Halt {
	case runner.HaltConfirm:
		fmt.Fprintf(w, "Confirm: %s\n", resp.Data.Final.Message)
		if token := confirmToken(resp.Data.Final); token != "" {
			fmt.Fprintf(w, "Token: %s\n", token)
			fmt.Fprintln(w, "Re-run the same command with --token and the same --request-id to proceed.")
		}
	case runner.HaltAsk:
		fmt.Fprintf(w, "Need more input: %s\n", resp.Data.Final.Message)
	default:
		fmt.Fprintf(w, "Result: %s\n", resp.Data.Final.Message)
	}
}

func stepSummary(s model.StepView) string {
	switch s.Type {
	case model.KindAsk:
		return fmt.Sprintf("%s (missing: %s)", s.Prompt, strings.Join(s.Missing, ", "))
	case model.KindConfirm:
		return s.Prompt
	case model.KindExecute:
		return fmt.Sprintf("%s via %s [%s]", s.Action, s.ToolName, s.Sensitivity)
	default:
		return s.Message
	}
}

func confirmToken(f model.Final) string {
	m, ok := f.Payload.(map[string]any)
	if !ok {
		return ""
	}
	token, _ := m["token"].(string)
	return token
}
