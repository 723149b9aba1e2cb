package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/spinegate/internal/server"
	"github.com/ppiankov/spinegate/internal/telemetry"
)

var serveListen string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP command server",
	Long:  "Serves POST /v1/commands plus pending-confirmation and audit-verification endpoints.\nPolicy and pattern files are hot-reloaded when they change on disk.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveListen != "" {
		cfg.Listen = serveListen
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.Setup(ctx, cfg.Tracing.Endpoint, "spinegate", version)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	reloader, err := server.NewReloader(a.WatchPaths(), a.Reload, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: hot-reload disabled: %v\n", err)
	} else {
		go func() {
			if err := reloader.Run(ctx); err != nil {
				logger.Warn("reloader stopped", zap.Error(err))
			}
		}()
	}

	fmt.Fprintf(os.Stderr, "spinegate listening on %s\n", cfg.Listen)
	if cfg.PolicyPath != "" {
		fmt.Fprintf(os.Stderr, "Policy: %s (hot-reload enabled)\n", cfg.PolicyPath)
	}
	if cfg.Auth.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "warning: no JWT secret configured, request context is taken from the body")
	}
	fmt.Fprintln(os.Stderr)

	return server.New(a).Serve(ctx)
}
