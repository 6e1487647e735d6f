// Package logging provides categorized file-based logging for goalforge.
// Logs are written to <workspace>/.goalforge/logs/ with one file per category.
// When debug mode is off the whole package is a silent no-op.
package logging

import (
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
	CategoryBoot         Category = "boot"         // Startup and wiring
	CategoryOrchestrator Category = "orchestrator" // Goal pipeline decisions
	CategoryRecovery     Category = "recovery"     // Error-recovery state machine
	CategoryPathway      Category = "pathway"      // Pathway cache hits/invalidation
	CategoryLearner      Category = "learner"      // Decomposition patterns
	CategoryLifecycle    Category = "lifecycle"    // Tool lifecycle reconciliation
	CategoryImprove      Category = "improve"      // Improvement engine
	CategoryMonitor      Category = "monitor"      // Deployment monitoring
	CategoryLoop         Category = "loop"         // Autonomous loop cycles
	CategoryStore        Category = "store"        // SQLite store operations
	CategoryEmbedding    Category = "embedding"    // Embedding engine
	CategoryLLM          Category = "llm"          // LLM API calls
	CategoryTools        Category = "tools"        // Tool loading and execution
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger wraps a standard logger bound to a category file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex

	logsDir  string
	enabled  bool
	logLevel = LevelDebug
	stateMu  sync.RWMutex
)

// Initialize sets up the logging directory. Should be called once at startup.
// When debug is false the package stays disabled and writes nothing.
func Initialize(workspace string, debug bool) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	dir := filepath.Join(workspace, ".goalforge", "logs")
	if debug {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create logs directory: %w", err)
		}
	}

	stateMu.Lock()
	enabled = debug
	if debug {
		logsDir = dir
	}
	stateMu.Unlock()

	if !debug {
		return nil
	}

	// stateMu must be released here: Get reads it to decide whether the
	// category file opens.
	boot := Get(CategoryBoot)
	boot.Info("=== goalforge logging initialized ===")
	boot.Info("Logs directory: %s", dir)
	return nil
}

// SetLevel sets the minimum level that gets written.
func SetLevel(level int) {
	stateMu.Lock()
	defer stateMu.Unlock()
	logLevel = level
}

// Get returns the logger for a category, creating it lazily.
func Get(category Category) *Logger {
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

	l := &Logger{category: category}

	stateMu.RLock()
	active := enabled && logsDir != ""
	dir := logsDir
	stateMu.RUnlock()

	if active {
		path := filepath.Join(dir, string(category)+".log")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			l.file = f
			l.logger = log.New(f, "", 0)
		}
	}

	loggers[category] = l
	return l
}

// Close flushes and closes all open log files.
func Close() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

func (l *Logger) write(level int, tag, format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	stateMu.RLock()
	min := logLevel
	stateMu.RUnlock()
	if level < min {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	l.logger.Printf("%s [%s] %s", ts, tag, fmt.Sprintf(format, args...))
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR", format, args...)
}

// Timer measures the duration of an operation and logs it on Stop.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation for performance logging.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time for the operation.
func (t *Timer) Stop() {
	Get(t.category).Debug("%s took %v", t.operation, time.Since(t.start))
}

// Convenience helpers, one pair per hot category.

func Orchestrator(format string, args ...interface{}) { Get(CategoryOrchestrator).Info(format, args...) }
func OrchestratorDebug(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Debug(format, args...)
}
func Recovery(format string, args ...interface{})       { Get(CategoryRecovery).Info(format, args...) }
func RecoveryDebug(format string, args ...interface{})  { Get(CategoryRecovery).Debug(format, args...) }
func Pathway(format string, args ...interface{})        { Get(CategoryPathway).Info(format, args...) }
func PathwayDebug(format string, args ...interface{})   { Get(CategoryPathway).Debug(format, args...) }
func Learner(format string, args ...interface{})        { Get(CategoryLearner).Info(format, args...) }
func Lifecycle(format string, args ...interface{})      { Get(CategoryLifecycle).Info(format, args...) }
func LifecycleDebug(format string, args ...interface{}) { Get(CategoryLifecycle).Debug(format, args...) }
func Improve(format string, args ...interface{})        { Get(CategoryImprove).Info(format, args...) }
func ImproveDebug(format string, args ...interface{})   { Get(CategoryImprove).Debug(format, args...) }
func Monitor(format string, args ...interface{})        { Get(CategoryMonitor).Info(format, args...) }
func Loop(format string, args ...interface{})           { Get(CategoryLoop).Info(format, args...) }
func Store(format string, args ...interface{})          { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{})     { Get(CategoryStore).Debug(format, args...) }
func Embedding(format string, args ...interface{})      { Get(CategoryEmbedding).Info(format, args...) }
func EmbeddingDebug(format string, args ...interface{}) { Get(CategoryEmbedding).Debug(format, args...) }
func LLM(format string, args ...interface{})            { Get(CategoryLLM).Info(format, args...) }
func LLMDebug(format string, args ...interface{})       { Get(CategoryLLM).Debug(format, args...) }
func Tools(format string, args ...interface{})          { Get(CategoryTools).Info(format, args...) }
func ToolsDebug(format string, args ...interface{})     { Get(CategoryTools).Debug(format, args...) }
