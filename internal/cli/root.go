package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/spinegate/internal/app"
	"github.com/ppiankov/spinegate/internal/config"
	"github.com/ppiankov/spinegate/internal/logging"
)

var (
	configPath string
	verbose    bool

	logger *zap.Logger
	cfg    config.Config
)

// errSilent marks failures that were already reported to the user.
var errSilent = errors.New("silent failure")

var rootCmd = &cobra.Command{
	Use:           "spinegate",
	Short:         "Policy-gated command execution with a tamper-evident audit trail",
	Long:          "Turns short text commands into typed flows, gates every side effect through policy and step-up confirmation, and records each executed step in a hash-chained audit log.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		if err != nil {
			return err
		}
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Verbose = true
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to config YAML")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func defaultConfigPath() string {
	if p := os.Getenv("SPINEGATE_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(config.Dir(), "config.yaml")
}

// openApp wires the full pipeline from the loaded configuration.
func openApp(ctx context.Context) (*app.App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start spinegate: %w", err)
	}
	return a, nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errSilent) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
