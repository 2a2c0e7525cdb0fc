package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/xaviercallens/amcp-v1.5-opensource-sub002/core"
)

// Logger is a structured console logger implementing core.Logger and
// core.ComponentLogger. Configuration priority mirrors the teacher
// framework's: explicit constructor args, then AMCP_LOG_LEVEL /
// AMCP_LOG_FORMAT environment variables, then defaults. JSON output is
// auto-selected under Kubernetes (KUBERNETES_SERVICE_HOST set) for log
// aggregation; text output otherwise.
type Logger struct {
	level     string
	debug     bool
	component string
	format    string
	output    io.Writer
	mu        sync.RWMutex
}

// NewLogger builds a Logger for the named component.
func NewLogger(component string) *Logger {
	level := os.Getenv("AMCP_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}
	debug := os.Getenv("AMCP_DEBUG") == "true" || strings.ToUpper(level) == "DEBUG"

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("AMCP_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &Logger{
		level:     strings.ToUpper(level),
		debug:     debug,
		component: component,
		format:    format,
		output:    os.Stdout,
	}
}

func (l *Logger) Info(msg string, fields map[string]interface{})  { l.log("INFO", msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]interface{})  { l.log("WARN", msg, fields) }
func (l *Logger) Error(msg string, fields map[string]interface{}) { l.log("ERROR", msg, fields) }

func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, fields)
}
func (l *Logger) WarnContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, fields)
}
func (l *Logger) ErrorContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, fields)
}
func (l *Logger) DebugContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, fields)
}

// WithComponent returns a copy of the logger tagged with a different
// component name, implementing core.ComponentLogger.
func (l *Logger) WithComponent(component string) core.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		level:     l.level,
		debug:     l.debug,
		component: component,
		format:    l.format,
		output:    l.output,
	}
}

func (l *Logger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *Logger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"component": l.component,
		"message":   msg,
	}
	for k, v := range fields {
		if k != "timestamp" && k != "level" && k != "component" && k != "message" {
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *Logger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", timestamp, level, l.component, msg, b.String())
}

func (l *Logger) shouldLog(level string) bool {
	levels := map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}
	current, ok1 := levels[l.level]
	msgLevel, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return msgLevel >= current
}

// SetOutput redirects the logger's writer, primarily for tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}
