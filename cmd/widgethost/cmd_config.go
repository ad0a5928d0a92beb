package main

import (
	"fmt"
	"os"

	"widgethost/internal/config"
	"widgethost/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// CONFIG - .widgethost/config.yaml management
// =============================================================================

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage .widgethost/config.yaml",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	RunE:  configInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (file plus environment)",
	RunE:  configShow,
}

var configWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the configuration every time the file changes",
	RunE:  configWatch,
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configWatchCmd)
}

func configInit(cmd *cobra.Command, args []string) error {
	path := configPath()
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}
	currentLogger().Info("config written", zap.String("path", path))
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}

func configShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return printConfig(cmd, cfg)
}

func printConfig(cmd *cobra.Command, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// onConfigReload applies the logging section of a changed file to the
// category loggers and prints the new configuration.
func onConfigReload(cmd *cobra.Command, cfg *config.Config) {
	currentLogger().Info("config reloaded", zap.String("path", configPath()))
	if err := logging.ReloadConfig(); err != nil {
		currentLogger().Warn("reload logging config", zap.Error(err))
	}
	if err := printConfig(cmd, cfg); err != nil {
		currentLogger().Warn("print config", zap.Error(err))
	}
}

func configWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	w, err := config.NewWatcher(configPath(), func(cfg *config.Config) {
		onConfigReload(cmd, cfg)
	})
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return err
	}
	defer w.Stop()

	fmt.Fprintf(cmd.OutOrStdout(), "watching %s\n", configPath())
	<-ctx.Done()
	return nil
}
