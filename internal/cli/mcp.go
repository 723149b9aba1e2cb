package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/spinegate/internal/command"
	gatemcp "github.com/ppiankov/spinegate/internal/mcp"
)

var (
	mcpUser   string
	mcpRole   string
	mcpTenant string
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpUser, "user", "", "Default user id for tool calls")
	mcpCmd.Flags().StringVar(&mcpRole, "role", "", "Default role for tool calls")
	mcpCmd.Flags().StringVar(&mcpTenant, "tenant", "", "Default tenant id for tool calls")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long:  "Runs spinegate as an MCP (Model Context Protocol) server over stdio.\nExposes tools: spinegate_command, spinegate_detect, spinegate_pending, spinegate_verify.",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := gatemcp.New(a, gatemcp.Config{
		Actor: command.Context{
			UserID:   mcpUser,
			Role:     mcpRole,
			TenantID: mcpTenant,
		},
		Version: version,
	})

	fmt.Fprintln(os.Stderr, "spinegate MCP server running on stdio")
	if mcpRole != "" {
		fmt.Fprintf(os.Stderr, "Default actor: %s (%s)\n", mcpUser, mcpRole)
	}
	fmt.Fprintln(os.Stderr)

	return srv.Run(ctx)
}
