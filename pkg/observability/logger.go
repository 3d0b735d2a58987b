package observability

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// StandardLogger is the default Logger. It writes structured entries through
// logrus and carries a component prefix plus a set of bound fields.
type StandardLogger struct {
	entry  *logrus.Entry
	prefix string
}

// NewLogger creates a logger for the named component at INFO level in JSON format
func NewLogger(prefix string) Logger {
	return NewLoggerWithConfig(prefix, LoggingConfig{Level: string(LogLevelInfo), Format: "json"}, os.Stderr)
}

// NewLoggerWithConfig creates a logger from a LoggingConfig writing to out
func NewLoggerWithConfig(prefix string, cfg LoggingConfig, out io.Writer) Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(parseLevel(cfg.Level))
	if strings.EqualFold(cfg.Format, "text") {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	}

	return &StandardLogger{
		entry:  logrus.NewEntry(base).WithField("component", prefix),
		prefix: prefix,
	}
}

func parseLevel(level string) logrus.Level {
	switch LogLevel(strings.ToUpper(level)) {
	case LogLevelDebug:
		return logrus.DebugLevel
	case LogLevelWarn:
		return logrus.WarnLevel
	case LogLevelError:
		return logrus.ErrorLevel
	case LogLevelFatal:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Debug logs a debug message
func (l *StandardLogger) Debug(msg string, fields map[string]interface{}) {
	l.entry.WithFields(fields).Debug(msg)
}

// Info logs an info message
func (l *StandardLogger) Info(msg string, fields map[string]interface{}) {
	l.entry.WithFields(fields).Info(msg)
}

// Warn logs a warning message
func (l *StandardLogger) Warn(msg string, fields map[string]interface{}) {
	l.entry.WithFields(fields).Warn(msg)
}

// Error logs an error message
func (l *StandardLogger) Error(msg string, fields map[string]interface{}) {
	l.entry.WithFields(fields).Error(msg)
}

// Fatal logs a fatal message and exits
func (l *StandardLogger) Fatal(msg string, fields map[string]interface{}) {
	l.entry.WithFields(fields).Fatal(msg)
}

// Debugf logs a formatted debug message
func (l *StandardLogger) Debugf(format string, args ...interface{}) {
	l.entry.Debug(fmt.Sprintf(format, args...))
}

// Infof logs a formatted info message
func (l *StandardLogger) Infof(format string, args ...interface{}) {
	l.entry.Info(fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warning message
func (l *StandardLogger) Warnf(format string, args ...interface{}) {
	l.entry.Warn(fmt.Sprintf(format, args...))
}

// Errorf logs a formatted error message
func (l *StandardLogger) Errorf(format string, args ...interface{}) {
	l.entry.Error(fmt.Sprintf(format, args...))
}

// WithPrefix returns a new logger for a sub-component
func (l *StandardLogger) WithPrefix(prefix string) Logger {
	name := prefix
	if l.prefix != "" {
		name = l.prefix + "." + prefix
	}
	return &StandardLogger{
		entry:  l.entry.WithField("component", name),
		prefix: name,
	}
}

// With returns a new logger with the fields bound to every entry
func (l *StandardLogger) With(fields map[string]interface{}) Logger {
	return &StandardLogger{
		entry:  l.entry.WithFields(fields),
		prefix: l.prefix,
	}
}

// NoopLogger is a logger that does nothing
type NoopLogger struct{}

// NewNoopLogger creates a new NoopLogger
func NewNoopLogger() Logger {
	return &NoopLogger{}
}

func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Info(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Warn(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Fatal(msg string, fields map[string]interface{}) {}

func (l *NoopLogger) Debugf(format string, args ...interface{}) {}
func (l *NoopLogger) Infof(format string, args ...interface{})  {}
func (l *NoopLogger) Warnf(format string, args ...interface{})  {}
func (l *NoopLogger) Errorf(format string, args ...interface{}) {}

// WithPrefix implements Logger.WithPrefix
func (l *NoopLogger) WithPrefix(prefix string) Logger { return l }

// With implements Logger.With
func (l *NoopLogger) With(fields map[string]interface{}) Logger { return l }
