// Package logging provides config-driven categorized file-based logging for
// reverie. Logs are written to .reverie/logs/ with separate files per
// category. Logging is controlled by debug_mode in the kernel config - when
// false, no logs are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, reconciliation, shutdown
	CategoryBus       Category = "bus"       // State bus writes, subscribers, decay
	CategoryBudget    Category = "budget"    // Reservations, settlements, rollover
	CategoryScheduler Category = "scheduler" // Dispatch loop, worker pool
	CategoryTrigger   Category = "trigger"   // Trigger evaluation, readiness
	CategoryRegistry  Category = "registry"  // Node registration and admin ops
	CategoryNode      Category = "node"      // Node executor output
	CategoryStore     Category = "store"     // SQLite persistence
	CategoryClock     Category = "clock"     // Phase transitions, day epoch
	CategoryAPI       Category = "api"       // Admin HTTP API
)

// Options controls logger behavior, mirrored from config.LoggingConfig to
// avoid a circular import with the config package.
type Options struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

// StructuredLogEntry represents a JSON log line.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"` // Unix milliseconds
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	opts      Options
	optsMu    sync.RWMutex
	logLevel  int
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory. Should be called once at startup
// with the workspace path and options from config.
func Initialize(workspace string, o Options) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	optsMu.Lock()
	opts = o
	switch o.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	optsMu.Unlock()

	logsDir = filepath.Join(workspace, ".reverie", "logs")

	if !o.DebugMode {
		return nil // Silent no-op in production mode
	}
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== reverie logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", o.Level)
	return nil
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if !opts.DebugMode {
		return false
	}
	if opts.Categories == nil {
		return true // All enabled by default in debug mode
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category. Returns a no-op
// logger if debug mode is disabled or the category is disabled.
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

	if l, ok := loggers[category]; ok {
		return l
	}

	// Date-prefixed file names keep rotation trivial.
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

func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

func (l *Logger) write(level int, tag, format string, args ...interface{}) {
	if l.logger == nil || logLevel > level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	optsMu.RLock()
	jsonFmt := opts.JSONFormat
	optsMu.RUnlock()
	if jsonFmt {
		l.logJSON(tag, msg)
	} else {
		l.logger.Printf("[%s] %s", tag, msg)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs an error message (always logged if the logger exists).
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR", format, args...)
}

// CloseAll closes all open log files (call at shutdown).
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
// TIMERS
// =============================================================================

// Timer measures and logs operation duration.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed duration; slow operations are warned.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed > time.Second {
		l.Warn("%s took %v (slow)", t.operation, elapsed)
	} else {
		l.Debug("%s took %v", t.operation, elapsed)
	}
}

// =============================================================================
// CONVENIENCE FUNCTIONS - quick logging without getting a logger first.
// These are no-ops if the category is disabled.
// =============================================================================

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// Bus logs to the bus category.
func Bus(format string, args ...interface{}) { Get(CategoryBus).Info(format, args...) }

// BusDebug logs debug to the bus category.
func BusDebug(format string, args ...interface{}) { Get(CategoryBus).Debug(format, args...) }

// Budget logs to the budget category.
func Budget(format string, args ...interface{}) { Get(CategoryBudget).Info(format, args...) }

// BudgetDebug logs debug to the budget category.
func BudgetDebug(format string, args ...interface{}) { Get(CategoryBudget).Debug(format, args...) }

// Scheduler logs to the scheduler category.
func Scheduler(format string, args ...interface{}) { Get(CategoryScheduler).Info(format, args...) }

// SchedulerDebug logs debug to the scheduler category.
func SchedulerDebug(format string, args ...interface{}) {
	Get(CategoryScheduler).Debug(format, args...)
}

// Trigger logs to the trigger category.
func Trigger(format string, args ...interface{}) { Get(CategoryTrigger).Info(format, args...) }

// TriggerDebug logs debug to the trigger category.
func TriggerDebug(format string, args ...interface{}) { Get(CategoryTrigger).Debug(format, args...) }

// Registry logs to the registry category.
func Registry(format string, args ...interface{}) { Get(CategoryRegistry).Info(format, args...) }

// Node logs to the node category.
func Node(format string, args ...interface{}) { Get(CategoryNode).Info(format, args...) }

// Store logs to the store category.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Clock logs to the clock category.
func Clock(format string, args ...interface{}) { Get(CategoryClock).Info(format, args...) }

// API logs to the api category.
func API(format string, args ...interface{}) { Get(CategoryAPI).Info(format, args...) }
