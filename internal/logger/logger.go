// Package logger is a minimal leveled logger shared by every component of
// the proxy core. It adds an optional client ID to each line so that log
// output for a single connection can be grepped out of an otherwise busy
// server log.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// TRACE level for the most detailed troubleshooting information
	TRACE LogLevel = iota
	// DEBUG level for detailed troubleshooting information
	DEBUG
	// INFO level for general operational information
	INFO
	// WARN level for non-critical issues
	WARN
	// ERROR level for error conditions
	ERROR
	// FATAL level for critical errors that prevent operation
	FATAL
)

var (
	// currentLevel is the current logging level
	currentLevel LogLevel = INFO
	// stdLogger is the standard logger instance
	stdLogger = log.New(os.Stdout, "", log.LstdFlags)
)

// SetLevel sets the current logging level
func SetLevel(level LogLevel) {
	currentLevel = level
}

func IsLevelEnabled(level LogLevel) bool {
	return level >= currentLevel
}

// GetLevel returns the current logging level
func GetLevel() LogLevel {
	return currentLevel
}

// GetLevelFromString converts a string level to LogLevel
func GetLevelFromString(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// levelToString converts a LogLevel to its string representation
func levelToString(level LogLevel) string {
	switch level {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// logMessage logs a message at the specified level, tagging it with clientID
// when clientID is non-zero. clientID 0 means "no client context" and is
// used for startup/shutdown/background log lines.
func logMessage(level LogLevel, clientID uint64, format string, v ...any) {
	if level < currentLevel {
		return
	}

	msg := fmt.Sprintf(format, v...)
	if clientID == 0 {
		stdLogger.Printf("[%s] %s", levelToString(level), msg)
		return
	}
	stdLogger.Printf("[%s] [client %d] %s", levelToString(level), clientID, msg)
}

// Trace logs a trace message with no client context.
// Arguments are handled in the manner of [fmt.Printf].
func Trace(format string, v ...any) {
	logMessage(TRACE, 0, format, v...)
}

// Debug logs a debug message with no client context.
// Arguments are handled in the manner of [fmt.Printf].
func Debug(format string, v ...any) {
	logMessage(DEBUG, 0, format, v...)
}

// Info logs an informational message with no client context.
// Arguments are handled in the manner of [fmt.Printf].
func Info(format string, v ...any) {
	logMessage(INFO, 0, format, v...)
}

// Warn logs a warning message with no client context.
// Arguments are handled in the manner of [fmt.Printf].
func Warn(format string, v ...any) {
	logMessage(WARN, 0, format, v...)
}

// Error logs an error message with no client context.
// Arguments are handled in the manner of [fmt.Printf].
func Error(format string, v ...any) {
	logMessage(ERROR, 0, format, v...)
}

// Fatal logs a fatal message with no client context and exits.
// Arguments are handled in the manner of [fmt.Printf].
func Fatal(format string, v ...any) {
	logMessage(FATAL, 0, format, v...)
	os.Exit(1)
}

// Tracef logs a trace message tagged with the given client ID. clientID 0
// behaves like Trace.
func Tracef(clientID uint64, format string, v ...any) { logMessage(TRACE, clientID, format, v...) }

// Debugf logs a debug message tagged with the given client ID. clientID 0
// behaves like Debug.
func Debugf(clientID uint64, format string, v ...any) { logMessage(DEBUG, clientID, format, v...) }

// Infof logs an informational message tagged with the given client ID.
// clientID 0 behaves like Info.
func Infof(clientID uint64, format string, v ...any) { logMessage(INFO, clientID, format, v...) }

// Warnf logs a warning message tagged with the given client ID. clientID 0
// behaves like Warn.
func Warnf(clientID uint64, format string, v ...any) { logMessage(WARN, clientID, format, v...) }

// Errorf logs an error message tagged with the given client ID. clientID 0
// behaves like Error.
func Errorf(clientID uint64, format string, v ...any) { logMessage(ERROR, clientID, format, v...) }

// WithRequestID formats a message in the manner of [fmt.Sprintf] and
// prefixes it with the request ID in brackets, e.g. "[12345] message".
func WithRequestID(requestID string, format string, v ...any) string {
	return fmt.Sprintf("[%s] %s", requestID, fmt.Sprintf(format, v...))
}
