// Package logging provides config-driven categorized file-based logging for widgethost.
// Logs are written to .widgethost/logs/ with separate files per category.
// Logging is controlled by debug_mode in .widgethost/config.yaml - when false, no logs are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Boot/initialization
	CategoryRouting   Category = "routing"   // Routing ids, widget helper registry
	CategoryThreads   Category = "threads"   // UI/IO browser threads
	CategoryTaskGraph Category = "taskgraph" // Background task graph runner
	CategoryResource  Category = "resource"  // Blocked requests, deferred navigations
	CategoryBrowser   Category = "browser"   // Browser automation backing view hosts
)

// AllCategories lists every known category in declaration order.
var AllCategories = []Category{
	CategoryBoot,
	CategoryRouting,
	CategoryThreads,
	CategoryTaskGraph,
	CategoryResource,
	CategoryBrowser,
}

// loggingConfig mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports
type loggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// configFile structure for reading .widgethost/config.yaml
type configFile struct {
	Logging loggingConfig `yaml:"logging"`
}

// StructuredLogEntry represents a JSON log entry.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"`  // Unix milliseconds
	Category  string                 `json:"cat"` // Log category
	Level     string                 `json:"lvl"` // debug/info/warn/error
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	workspace string
	config    loggingConfig
	configMu  sync.RWMutex
	logLevel  int // 0=debug, 1=info, 2=warn, 3=error
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and loads config.
// Should be called once at startup with the workspace path.
func Initialize(ws string) error {
	if ws == "" {
		return fmt.Errorf("workspace path required")
	}

	workspace = ws
	logsDir = filepath.Join(workspace, ".widgethost", "logs")

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not load config: %v\n", err)
		configMu.Lock()
		config.DebugMode = false
		configMu.Unlock()
	}

	if !IsDebugMode() {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== widgethost logging initialized ===")
	boot.Info("Workspace: %s", workspace)
	boot.Info("Log level: %s", config.Level)
	return nil
}

// loadConfig reads the logging section from .widgethost/config.yaml
func loadConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	data, err := os.ReadFile(filepath.Join(workspace, ".widgethost", "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			config = loggingConfig{}
			return nil
		}
		return err
	}

	var cf configFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	config = cf.Logging
	logLevel = parseLevel(config.Level)
	return nil
}

func parseLevel(level string) int {
	switch level {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// ReloadConfig reloads the config from disk.
// Open category files stay open; categories disabled by the reload go quiet.
func ReloadConfig() error {
	if err := loadConfig(); err != nil {
		return err
	}
	if IsDebugMode() && logsDir != "" {
		return os.MkdirAll(logsDir, 0755)
	}
	return nil
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

func jsonFormat() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.JSONFormat
}

func currentLevel() int {
	configMu.RLock()
	defer configMu.RUnlock()
	return logLevel
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) write(level string, lvl int, format string, args ...interface{}) {
	if l.logger == nil || currentLevel() > lvl {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if jsonFormat() {
		l.logJSON(level, msg, nil)
		return
	}
	l.logger.Printf("[%s] %s", levelTag(level), msg)
}

func levelTag(level string) string {
	switch level {
	case "debug":
		return "DEBUG"
	case "warn":
		return "WARN"
	case "error":
		return "ERROR"
	default:
		return "INFO"
	}
}

func (l *Logger) logJSON(level, msg string, fields map[string]interface{}) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", levelTag(level), msg)
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write("debug", LevelDebug, format, args...)
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...interface{}) {
	l.write("info", LevelInfo, format, args...)
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write("warn", LevelWarn, format, args...)
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...interface{}) {
	l.write("error", LevelError, format, args...)
}

// StructuredLog writes a fully structured log entry with custom fields
func (l *Logger) StructuredLog(level string, msg string, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	if jsonFormat() {
		l.logJSON(level, msg, fields)
		return
	}
	l.logger.Printf("[%s] %s | fields=%v", levelTag(level), msg, fields)
}

// CloseAll closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootWarn logs warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Warn(format, args...)
}

// Routing logs to the routing category
func Routing(format string, args ...interface{}) {
	Get(CategoryRouting).Info(format, args...)
}

// RoutingDebug logs debug to the routing category
func RoutingDebug(format string, args ...interface{}) {
	Get(CategoryRouting).Debug(format, args...)
}

// RoutingWarn logs warning to the routing category
func RoutingWarn(format string, args ...interface{}) {
	Get(CategoryRouting).Warn(format, args...)
}

// Threads logs to the threads category
func Threads(format string, args ...interface{}) {
	Get(CategoryThreads).Info(format, args...)
}

// ThreadsDebug logs debug to the threads category
func ThreadsDebug(format string, args ...interface{}) {
	Get(CategoryThreads).Debug(format, args...)
}

// ThreadsWarn logs warning to the threads category
func ThreadsWarn(format string, args ...interface{}) {
	Get(CategoryThreads).Warn(format, args...)
}

// TaskGraph logs to the taskgraph category
func TaskGraph(format string, args ...interface{}) {
	Get(CategoryTaskGraph).Info(format, args...)
}

// TaskGraphDebug logs debug to the taskgraph category
func TaskGraphDebug(format string, args ...interface{}) {
	Get(CategoryTaskGraph).Debug(format, args...)
}

// TaskGraphError logs error to the taskgraph category
func TaskGraphError(format string, args ...interface{}) {
	Get(CategoryTaskGraph).Error(format, args...)
}

// Resource logs to the resource category
func Resource(format string, args ...interface{}) {
	Get(CategoryResource).Info(format, args...)
}

// ResourceDebug logs debug to the resource category
func ResourceDebug(format string, args ...interface{}) {
	Get(CategoryResource).Debug(format, args...)
}

// ResourceWarn logs warning to the resource category
func ResourceWarn(format string, args ...interface{}) {
	Get(CategoryResource).Warn(format, args...)
}

// Browser logs to the browser category
func Browser(format string, args ...interface{}) {
	Get(CategoryBrowser).Info(format, args...)
}

// BrowserDebug logs debug to the browser category
func BrowserDebug(format string, args ...interface{}) {
	Get(CategoryBrowser).Debug(format, args...)
}

// BrowserWarn logs warning to the browser category
func BrowserWarn(format string, args ...interface{}) {
	Get(CategoryBrowser).Warn(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
