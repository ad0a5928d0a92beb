// Package main implements the widgethost CLI: it drives the window/widget
// brokering layer, the task graph runner and the browser-backed view hosts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"widgethost/internal/config"
	"widgethost/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "widgethost",
	Short: "widgethost - browser-side window and widget brokering",
	Long: `widgethost hands out routing ids for windows and widgets requested by
renderer processes, blocks their network requests until the views exist and
creates the views on the UI thread. It also runs dependency graphs of tasks
on a shared background worker.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(resolveWorkspace()); err != nil {
			logger.Warn("file logging disabled", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Operation timeout")

	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(taskgraphCmd)
	rootCmd.AddCommand(browserCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

func configPath() string {
	return filepath.Join(resolveWorkspace(), ".widgethost", "config.yaml")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// commandContext bounds a command by --timeout and cancels it on SIGINT or
// SIGTERM.
func commandContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func currentLogger() *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
