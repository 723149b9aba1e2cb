package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var detectJSON bool

func init() {
	rootCmd.AddCommand(detectCmd)
	detectCmd.Flags().BoolVar(&detectJSON, "json", false, "Output ranked intents as JSON")
}

var detectCmd = &cobra.Command{
	Use:   "detect <text...>",
	Short: "Show ranked intents for text without running anything",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDetect,
}

func runDetect(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	intents := a.Handler.Detect(strings.Join(args, " "))
	out := cmd.OutOrStdout()

	if detectJSON {
		data, err := json.MarshalIndent(intents, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode intents: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(intents) == 0 {
		fmt.Fprintln(out, "No matching intent.")
		return nil
	}
	for i, in := range intents {
		fmt.Fprintf(out, "%d. %-10s %-16s %.2f  %q\n", i+1, in.SpineID, in.Name, in.Confidence, in.Match)
	}
	return nil
}
