package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all widgethost configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Browser thread settings (UI/IO task runners)
	Threads ThreadsConfig `yaml:"threads"`

	// Background task graph runner
	TaskGraph TaskGraphConfig `yaml:"taskgraph"`

	// Browser backing the view hosts
	Browser BrowserConfig `yaml:"browser"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ThreadsConfig configures the named browser threads.
type ThreadsConfig struct {
	QueueSize       int    `yaml:"queue_size"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// TaskGraphConfig configures the background task graph runner.
type TaskGraphConfig struct {
	RunnerName string `yaml:"runner_name"`
}

// BrowserConfig configures the browser that materializes created windows.
type BrowserConfig struct {
	Enabled           bool     `yaml:"enabled"`
	DebuggerURL       string   `yaml:"debugger_url"`
	Launch            []string `yaml:"launch"`
	Headless          bool     `yaml:"headless"`
	ViewportWidth     int      `yaml:"viewport_width"`
	ViewportHeight    int      `yaml:"viewport_height"`
	NavigationTimeout string   `yaml:"navigation_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "widgethost",
		Version: "0.3.0",

		Threads: ThreadsConfig{
			QueueSize:       256,
			ShutdownTimeout: "5s",
		},

		TaskGraph: TaskGraphConfig{
			RunnerName: "TestTaskGraphRunner",
		},

		Browser: BrowserConfig{
			Enabled:           false,
			Headless:          true,
			ViewportWidth:     1280,
			ViewportHeight:    800,
			NavigationTimeout: "30s",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("WIDGETHOST_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Threads.QueueSize = n
		}
	}
	if v := os.Getenv("WIDGETHOST_RUNNER_NAME"); v != "" {
		c.TaskGraph.RunnerName = v
	}
	if v := os.Getenv("WIDGETHOST_DEBUGGER_URL"); v != "" {
		c.Browser.DebuggerURL = v
		c.Browser.Enabled = true
	}
	if v := os.Getenv("WIDGETHOST_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Browser.Headless = b
		}
	}
	if v := os.Getenv("WIDGETHOST_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// GetShutdownTimeout returns the thread shutdown timeout as a duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.Threads.ShutdownTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// GetNavigationTimeout returns the browser navigation timeout as a duration.
func (c *Config) GetNavigationTimeout() time.Duration {
	d, err := time.ParseDuration(c.Browser.NavigationTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
