// Package logging provides categorized file-based logging for flexicli.
// Logs are written to <project>/.flexicli/logs/ with one file per category.
// Logging is controlled by FLEXICLI_DEBUG - when unset, no logs are written.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Category identifies a subsystem log stream.
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup, config load, project open
	CategorySession      Category = "session"      // Session lifecycle, snapshots, recovery
	CategoryOrchestrator Category = "orchestrator" // Reason-act loop, state transitions
	CategoryPlanner      Category = "planner"      // Task decomposition
	CategoryExecutor     Category = "executor"     // Tool-call parsing and dispatch
	CategoryAgents       Category = "agents"       // Mini-agent spawn queue and lifecycle
	CategoryMemory       Category = "memory"       // Memory layers, prompt assembly
	CategoryStore        Category = "store"        // SQLite operations
	CategoryEmbedding    Category = "embedding"    // Embedding engine, cache
	CategoryBudget       Category = "budget"       // Token accounting
	CategoryTools        Category = "tools"        // Tool registry and invocation
	CategoryApproval     Category = "approval"     // Approval gate decisions
	CategoryModel        Category = "model"        // LLM requests, throttling, retries
	CategoryMonitor      Category = "monitor"      // Monitoring bridge and server
	CategoryGit          Category = "git"          // Git context ingestion
	CategoryIndex        Category = "index"        // Chunk indexing, file watching
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger wraps a standard logger writing to a per-category file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	debugMode bool
	logLevel  = LevelInfo
	stateMu   sync.RWMutex
)

// Initialize sets up the logging directory under the project root.
// Call once at startup. A no-op unless FLEXICLI_DEBUG is truthy.
func Initialize(projectDir string) error {
	if projectDir == "" {
		return fmt.Errorf("project directory required")
	}

	stateMu.Lock()
	logsDir = filepath.Join(projectDir, ".flexicli", "logs")
	debugMode = envTruthy(os.Getenv("FLEXICLI_DEBUG"))
	logLevel = parseLevel(os.Getenv("FLEXICLI_LOG_LEVEL"))
	stateMu.Unlock()

	if !isDebugMode() {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== flexicli logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %d", logLevel)
	return nil
}

func envTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func parseLevel(v string) int {
	switch strings.ToLower(strings.TrimSpace(v)) {
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

func isDebugMode() bool {
	stateMu.RLock()
	defer stateMu.RUnlock()
	return debugMode
}

func currentLevel() int {
	stateMu.RLock()
	defer stateMu.RUnlock()
	return logLevel
}

// Get returns (or creates) the logger for a category.
// Returns a no-op logger when debug mode is off or the file cannot be opened.
func Get(category Category) *Logger {
	if !isDebugMode() {
		return &Logger{category: category}
	}

	stateMu.RLock()
	dir := logsDir
	stateMu.RUnlock()
	if dir == "" {
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

	// Date prefix keeps rotation a matter of deleting old files.
	filename := fmt.Sprintf("%s_%s.log", time.Now().Format("2006-01-02"), category)
	path := filepath.Join(dir, filename)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open %s: %v\n", path, err)
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

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || currentLevel() > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || currentLevel() > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || currentLevel() > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error. Always written when the logger exists.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files. Call at shutdown.
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
// CONVENIENCE FUNCTIONS - quick logging without fetching a logger first
// =============================================================================

// Session logs to the session category.
func Session(format string, args ...interface{}) {
	Get(CategorySession).Info(format, args...)
}

// SessionDebug logs debug to the session category.
func SessionDebug(format string, args ...interface{}) {
	Get(CategorySession).Debug(format, args...)
}

// Orchestrator logs to the orchestrator category.
func Orchestrator(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Info(format, args...)
}

// Agents logs to the agents category.
func Agents(format string, args ...interface{}) {
	Get(CategoryAgents).Info(format, args...)
}

// AgentsDebug logs debug to the agents category.
func AgentsDebug(format string, args ...interface{}) {
	Get(CategoryAgents).Debug(format, args...)
}

// Model logs to the model category.
func Model(format string, args ...interface{}) {
	Get(CategoryModel).Info(format, args...)
}

// ModelDebug logs debug to the model category.
func ModelDebug(format string, args ...interface{}) {
	Get(CategoryModel).Debug(format, args...)
}

// Tools logs to the tools category.
func Tools(format string, args ...interface{}) {
	Get(CategoryTools).Info(format, args...)
}

// ToolsError logs an error to the tools category.
func ToolsError(format string, args ...interface{}) {
	Get(CategoryTools).Error(format, args...)
}

// Store logs to the store category.
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreError logs an error to the store category.
func StoreError(format string, args ...interface{}) {
	Get(CategoryStore).Error(format, args...)
}

// Memory logs to the memory category.
func Memory(format string, args ...interface{}) {
	Get(CategoryMemory).Info(format, args...)
}

// Approval logs to the approval category.
func Approval(format string, args ...interface{}) {
	Get(CategoryApproval).Info(format, args...)
}

// Index logs to the index category.
func Index(format string, args ...interface{}) {
	Get(CategoryIndex).Info(format, args...)
}

// =============================================================================
// TIMERS - duration logging for slow operations
// =============================================================================

// Timer measures an operation's duration for performance logging.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	Get(t.category).Debug("%s took %v", t.operation, d)
	return d
}

// StopWithThreshold logs at warn level when elapsed exceeds the threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	d := time.Since(t.start)
	if d > threshold {
		Get(t.category).Warn("%s took %v (threshold %v)", t.operation, d, threshold)
	} else {
		Get(t.category).Debug("%s took %v", t.operation, d)
	}
	return d
}
