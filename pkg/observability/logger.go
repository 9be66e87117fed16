package observability

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"
)

var levelRank = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
	LogLevelFatal: 4,
}

// StandardLogger is a logger implementation that uses the standard log package
type StandardLogger struct {
	prefix string
	level  LogLevel
	base   map[string]interface{}
}

// NewLogger creates a new StandardLogger with the given prefix at INFO level
func NewLogger(prefix string) Logger {
	return &StandardLogger{
		prefix: prefix,
		level:  LogLevelInfo,
	}
}

// NewLoggerWithLevel creates a new StandardLogger with an explicit minimum level
func NewLoggerWithLevel(prefix string, level LogLevel) Logger {
	if _, ok := levelRank[level]; !ok {
		level = LogLevelInfo
	}
	return &StandardLogger{
		prefix: prefix,
		level:  level,
	}
}

func (l *StandardLogger) levelEnabled(level LogLevel) bool {
	return levelRank[level] >= levelRank[l.level]
}

// Debug logs a debug message
func (l *StandardLogger) Debug(msg string, fields map[string]interface{}) {
	if l.levelEnabled(LogLevelDebug) {
		l.log(LogLevelDebug, msg, fields)
	}
}

// Info logs an info message
func (l *StandardLogger) Info(msg string, fields map[string]interface{}) {
	if l.levelEnabled(LogLevelInfo) {
		l.log(LogLevelInfo, msg, fields)
	}
}

// Warn logs a warning message
func (l *StandardLogger) Warn(msg string, fields map[string]interface{}) {
	if l.levelEnabled(LogLevelWarn) {
		l.log(LogLevelWarn, msg, fields)
	}
}

// Error logs an error message
func (l *StandardLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogLevelError, msg, fields)
}

// Fatal logs a fatal message and exits
func (l *StandardLogger) Fatal(msg string, fields map[string]interface{}) {
	l.log(LogLevelFatal, msg, fields)
	os.Exit(1)
}

// Debugf logs a formatted debug message
func (l *StandardLogger) Debugf(format string, args ...interface{}) {
	if l.levelEnabled(LogLevelDebug) {
		l.log(LogLevelDebug, fmt.Sprintf(format, args...), nil)
	}
}

// Infof logs a formatted info message
func (l *StandardLogger) Infof(format string, args ...interface{}) {
	if l.levelEnabled(LogLevelInfo) {
		l.log(LogLevelInfo, fmt.Sprintf(format, args...), nil)
	}
}

// Warnf logs a formatted warning message
func (l *StandardLogger) Warnf(format string, args ...interface{}) {
	if l.levelEnabled(LogLevelWarn) {
		l.log(LogLevelWarn, fmt.Sprintf(format, args...), nil)
	}
}

// Errorf logs a formatted error message
func (l *StandardLogger) Errorf(format string, args ...interface{}) {
	l.log(LogLevelError, fmt.Sprintf(format, args...), nil)
}

// Fatalf logs a formatted fatal message and exits
func (l *StandardLogger) Fatalf(format string, args ...interface{}) {
	l.log(LogLevelFatal, fmt.Sprintf(format, args...), nil)
	os.Exit(1)
}

// WithPrefix returns a new logger with the given prefix
func (l *StandardLogger) WithPrefix(prefix string) Logger {
	return &StandardLogger{
		prefix: prefix,
		level:  l.level,
		base:   l.base,
	}
}

// With returns a new logger that attaches fields to every message
func (l *StandardLogger) With(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &StandardLogger{
		prefix: l.prefix,
		level:  l.level,
		base:   merged,
	}
}

func (l *StandardLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	timestamp := time.Now().Format("2006-01-02T15:04:05.000Z07:00")

	merged := fields
	if len(l.base) > 0 {
		merged = make(map[string]interface{}, len(l.base)+len(fields))
		for k, v := range l.base {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
	}

	log.Printf("%s [%s] [%s] %s%s", timestamp, level, l.prefix, msg, formatFields(merged))
}

// formatFields renders fields as sorted key=value pairs for stable output
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

// NoopLogger is a logger that does nothing
type NoopLogger struct{}

// NewNoopLogger creates a new NoopLogger
func NewNoopLogger() Logger { return &NoopLogger{} }

func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Info(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Warn(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Fatal(msg string, fields map[string]interface{}) {}

func (l *NoopLogger) Debugf(format string, args ...interface{}) {}
func (l *NoopLogger) Infof(format string, args ...interface{})  {}
func (l *NoopLogger) Warnf(format string, args ...interface{})  {}
func (l *NoopLogger) Errorf(format string, args ...interface{}) {}
func (l *NoopLogger) Fatalf(format string, args ...interface{}) {}

func (l *NoopLogger) WithPrefix(prefix string) Logger { return l }

func (l *NoopLogger) With(fields map[string]interface{}) Logger { return l }
