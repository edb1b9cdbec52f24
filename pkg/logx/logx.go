// Package logx provides leveled, run-scoped logging with env-controlled debug output.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logger writes log lines scoped to one run (a trajectory, an evaluation
// instance, or "system" for process-level messages).
type Logger struct {
	runID string
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled     bool
	FileLogging bool
	LogDir      string
	Domains     map[string]bool // Which domains to enable debug for (nil = all)
}

var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	// logWriter is swappable so tests can capture output; nil means stderr.
	logWriter     io.Writer
	logWriterLock sync.Mutex
)

type ctxKey string

const runIDKey ctxKey = "run_id"

// ContextWithRunID attaches a run id to the context for domain debug logging.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

func runIDFromContext(ctx context.Context) string {
	if ctx != nil {
		if id, ok := ctx.Value(runIDKey).(string); ok && id != "" {
			return id
		}
	}
	return "unknown"
}

func init() { //nolint:gochecknoinits // Required for env var initialization
	initDebugFromEnv()
}

// initDebugFromEnv initializes debug configuration from environment variables.
func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debugConfig.LogDir == "" {
		debugConfig.LogDir = filepath.Join(".", "logs")
	}

	// DEBUG=1 or DEBUG=true enables debug output for all domains.
	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}

	// DEBUG_FILE=1 additionally mirrors debug output into LogDir.
	if debugFile := os.Getenv("DEBUG_FILE"); debugFile == "1" || strings.EqualFold(debugFile, "true") {
		debugConfig.FileLogging = true
	}

	if debugLogDir := os.Getenv("DEBUG_LOG_DIR"); debugLogDir != "" {
		debugConfig.LogDir = debugLogDir
	}

	// DEBUG_DOMAINS=flow,trajectory,benchmark filters debug output by domain.
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			debugConfig.Domains[strings.TrimSpace(domain)] = true
		}
	}
}

func NewLogger(runID string) *Logger {
	return &Logger{runID: runID}
}

// SetDebugConfig configures global debug logging settings.
func SetDebugConfig(enabled, fileLogging bool, logDir string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugConfig.Enabled = enabled
	debugConfig.FileLogging = fileLogging
	if logDir != "" {
		debugConfig.LogDir = logDir
	}

	if fileLogging && debugConfig.LogDir != "" {
		if err := os.MkdirAll(debugConfig.LogDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to create log directory %s: %v\n", debugConfig.LogDir, err)
		}
	}
}

// SetDebugDomains configures which domains should have debug logging enabled.
func SetDebugDomains(domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if len(domains) == 0 {
		debugConfig.Domains = nil // Enable all domains
		return
	}
	debugConfig.Domains = make(map[string]bool)
	for _, domain := range domains {
		debugConfig.Domains[strings.TrimSpace(domain)] = true
	}
}

// IsDebugEnabled returns whether debug logging is enabled.
func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugConfig.Enabled
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a specific domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

func writeLine(line string) {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	w := logWriter
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintln(w, line)
}

func (l *Logger) log(level Level, format string, args ...any) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf(format, args...)
	writeLine(fmt.Sprintf("[%s] [%s] %s: %s", timestamp, l.runID, level, message))
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// Debug logs a debug message with context and domain filtering.
//
// Usage examples:
//
//	logx.Debug(ctx, "flow", "step %d: %s", id, name)
//	logx.Debug(ctx, "trajectory", "saved state %d", id)
//	logx.Debug(ctx, "benchmark", "instance %s queued", instanceID)
//
// Environment variable control:
//
//	DEBUG=1                              # Enable debug for all domains
//	DEBUG=1 DEBUG_DOMAINS=flow           # Enable debug only for the flow domain
//	DEBUG=1 DEBUG_DOMAINS=flow,workspace # Enable debug for multiple domains
//	DEBUG=1 DEBUG_FILE=1                 # Mirror debug output into DEBUG_LOG_DIR
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}

	runID := runIDFromContext(ctx)
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf("[%s] %s", domain, fmt.Sprintf(format, args...))
	writeLine(fmt.Sprintf("[%s] [%s] %s: %s", timestamp, runID, LevelDebug, message))
}

// DebugToFile writes a debug dump (prompts, raw completions) to a named file
// under the configured log directory, in addition to console debug output.
func (l *Logger) DebugToFile(filename, format string, args ...any) {
	debugMutex.RLock()
	enabled := debugConfig.Enabled
	fileLogging := debugConfig.FileLogging
	logDir := debugConfig.LogDir
	debugMutex.RUnlock()

	if !enabled {
		return
	}

	l.Debug(format, args...)

	if !fileLogging {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf(format, args...)
	debugMsg := fmt.Sprintf("[%s] [%s] DEBUG: %s\n", timestamp, l.runID, message)

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return
	}
	filePath := filepath.Join(logDir, filename)
	if err := os.WriteFile(filePath, []byte(debugMsg), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to write debug log to %s: %v\n", filePath, err)
	}
}

// DebugState logs a state transition (common pattern in the flow driver).
func (l *Logger) DebugState(action, state string, extra ...string) {
	extraInfo := ""
	if len(extra) > 0 {
		extraInfo = fmt.Sprintf(" - %s", extra[0])
	}
	l.Debug("State %s: %s%s", action, state, extraInfo)
}

func (l *Logger) GetRunID() string {
	return l.runID
}

func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{runID: runID}
}

// Global logging functions for convenience.
var defaultLogger = NewLogger("system")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
// Use this when you need both logging and error returning:
//
//	err := logx.Errorf("setup failed: %w", err).
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
// Use this when you need both logging and error wrapping:
//
//	if err != nil { return logx.Wrap(err, "persist trajectory") }.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
