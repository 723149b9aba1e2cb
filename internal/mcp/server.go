// Package mcp exposes the command pipeline as MCP tools over stdio.
package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/spinegate/internal/app"
	"github.com/ppiankov/spinegate/internal/command"
)

// Config holds MCP server configuration.
type Config struct {
	// Actor is used for calls that do not name their own identity.
	Actor   command.Context
	Version string
}

// Server wraps the MCP SDK server around an App.
type Server struct {
	mcpServer *mcpsdk.Server
	app       *app.App
	actor     command.Context
}

// New creates an MCP server over a wired App.
func New(a *app.App, cfg Config) *Server {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{app: a, actor: cfg.Actor}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "spinegate",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.RunTransport(ctx, &mcpsdk.StdioTransport{})
}

// RunTransport serves on an arbitrary transport.
func (s *Server) RunTransport(ctx context.Context, t mcpsdk.Transport) error {
	return s.mcpServer.Run(ctx, t)
}

// registerTools adds all spinegate tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "spinegate_command",
		Description: "Run a natural-language command through intent detection, policy and audit. High-risk actions return a confirmation token; call again with confirmation_token to proceed.",
	}, s.handleCommand)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "spinegate_detect",
		Description: "Rank the intents a text would trigger without running anything.",
	}, s.handleDetect)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "spinegate_pending",
		Description: "List confirmation tokens that were issued and not yet used.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "spinegate_verify",
		Description: "Verify the hash chain of one audit chain, or all chains when none is given.",
	}, s.handleVerify)
}
