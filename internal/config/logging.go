package config

// LoggingConfig is the logging section of config.yaml. internal/logging
// reads the same section directly from the file.
type LoggingConfig struct {
	Level      string          `yaml:"level" json:"level,omitempty"`             // debug, info, warn, error
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode,omitempty"`   // Master toggle - false = no logging (production)
	JSONFormat bool            `yaml:"json_format" json:"json_format,omitempty"` // Structured JSON entries in category files
	Categories map[string]bool `yaml:"categories" json:"categories,omitempty"`   // Per-category toggles
}
