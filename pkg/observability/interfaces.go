// Package observability provides the logging, metrics, and tracing primitives
// shared by the semantic cache, its storage backends, and the HTTP surface.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig holds the configuration for tracing
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	ServiceName string `mapstructure:"service_name" json:"service_name,omitempty"`
	Environment string `mapstructure:"environment" json:"environment,omitempty"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint,omitempty"`
}

// MetricsConfig holds the configuration for metrics
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" json:"enabled"`
	Namespace string `mapstructure:"namespace" json:"namespace,omitempty"`
	Subsystem string `mapstructure:"subsystem" json:"subsystem,omitempty"`
}

// LoggingConfig holds the configuration for logging
type LoggingConfig struct {
	// Level is the minimum log level to emit
	Level string `mapstructure:"level" json:"level,omitempty"`
	// Format is either "json" or "text"
	Format string `mapstructure:"format" json:"format,omitempty"`
	// LogQueries controls whether raw query text may appear in log fields
	LogQueries bool `mapstructure:"log_queries" json:"log_queries"`
}

// LogLevel defines log message severity
type LogLevel string

// Log levels
const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

// Logger defines the interface for logging
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Fatal(msg string, fields map[string]interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	WithPrefix(prefix string) Logger
	With(fields map[string]interface{}) Logger
}

// MetricsClient defines the interface for metrics collection
type MetricsClient interface {
	RecordCounter(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)

	// RecordCacheOperation records a cache lookup or mutation and whether it hit
	RecordCacheOperation(operation string, hit bool, durationSeconds float64)

	StartTimer(name string, labels map[string]string) func()
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordDuration(name string, duration time.Duration)

	Close() error
}

// Span represents a trace span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	AddEvent(name string, attributes map[string]interface{})
	RecordError(err error)
	SetStatus(code int, description string)
	SpanContext() trace.SpanContext
}

// StartSpanFunc is a function that creates and starts a new span
type StartSpanFunc func(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span)
