package cache

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/developer-mesh/semantic-cache/pkg/observability"
)

// queryFields are log field names that carry raw query text
var queryFields = map[string]bool{
	"query":            true,
	"normalized_query": true,
}

// SafeLogger wraps a logger to redact credentials from messages and fields
// and, unless query logging is enabled, to replace query text with its length
type SafeLogger struct {
	logger     observability.Logger
	redactor   *SensitiveDataRedactor
	logQueries *atomic.Bool
}

// NewSafeLogger creates a new safe logger instance
func NewSafeLogger(logger observability.Logger, logQueries bool) *SafeLogger {
	if logger == nil {
		logger = observability.NewLogger("semantic_cache")
	}
	flag := &atomic.Bool{}
	flag.Store(logQueries)
	return &SafeLogger{
		logger:     logger,
		redactor:   NewSensitiveDataRedactor(),
		logQueries: flag,
	}
}

// SetLogQueries toggles raw query text in log fields
func (s *SafeLogger) SetLogQueries(enabled bool) {
	s.logQueries.Store(enabled)
}

// SensitiveDataRedactor handles redaction of sensitive information
type SensitiveDataRedactor struct {
	patterns []*regexp.Regexp
}

// NewSensitiveDataRedactor creates a new redactor with default patterns
func NewSensitiveDataRedactor() *SensitiveDataRedactor {
	return &SensitiveDataRedactor{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*["']?([^"'\s]+)["']?`),
			regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*["']?([^"'\s]+)["']?`),
			regexp.MustCompile(`(?i)(token|access[_-]?token|refresh[_-]?token)\s*[:=]\s*["']?([^"'\s]+)["']?`),
			regexp.MustCompile(`(?i)(secret|secret[_-]?key)\s*[:=]\s*["']?([^"'\s]+)["']?`),
			regexp.MustCompile(`(?i)Bearer\s+([^\s]+)`),
			regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
		},
	}
}

// Redact removes sensitive data from a string
func (r *SensitiveDataRedactor) Redact(input string) string {
	result := input
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			parts := pattern.FindStringSubmatch(match)
			if len(parts) > 2 {
				// key=value: keep the key
				return strings.Replace(match, parts[2], "[REDACTED]", 1)
			}
			return "[REDACTED]"
		})
	}
	return result
}

var sensitiveKeys = []string{
	"api_key", "apikey", "password", "passwd", "token", "secret",
	"credential", "authorization", "private_key",
}

// RedactMap redacts sensitive keys and string values of a field map
func (r *SensitiveDataRedactor) RedactMap(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	redacted := make(map[string]interface{}, len(data))
	for key, value := range data {
		lowerKey := strings.ToLower(key)
		sensitive := false
		for _, s := range sensitiveKeys {
			if strings.Contains(lowerKey, s) {
				sensitive = true
				break
			}
		}
		switch {
		case sensitive:
			redacted[key] = "[REDACTED]"
		default:
			if str, ok := value.(string); ok {
				redacted[key] = r.Redact(str)
			} else {
				redacted[key] = value
			}
		}
	}
	return redacted
}

func (s *SafeLogger) fields(fields map[string]interface{}) map[string]interface{} {
	out := s.redactor.RedactMap(fields)
	if s.logQueries.Load() {
		return out
	}
	for key, value := range out {
		if queryFields[key] {
			if str, ok := value.(string); ok {
				out[key] = fmt.Sprintf("[%d chars]", len([]rune(str)))
			}
		}
	}
	return out
}

// Debug logs at debug level with sensitive data redaction
func (s *SafeLogger) Debug(msg string, fields map[string]interface{}) {
	s.logger.Debug(s.redactor.Redact(msg), s.fields(fields))
}

// Info logs at info level with sensitive data redaction
func (s *SafeLogger) Info(msg string, fields map[string]interface{}) {
	s.logger.Info(s.redactor.Redact(msg), s.fields(fields))
}

// Warn logs at warn level with sensitive data redaction
func (s *SafeLogger) Warn(msg string, fields map[string]interface{}) {
	s.logger.Warn(s.redactor.Redact(msg), s.fields(fields))
}

// Error logs at error level with sensitive data redaction
func (s *SafeLogger) Error(msg string, fields map[string]interface{}) {
	s.logger.Error(s.redactor.Redact(msg), s.fields(fields))
}

// Fatal logs at fatal level with sensitive data redaction
func (s *SafeLogger) Fatal(msg string, fields map[string]interface{}) {
	s.logger.Fatal(s.redactor.Redact(msg), s.fields(fields))
}

func (s *SafeLogger) Debugf(format string, args ...interface{}) {
	s.logger.Debug(s.redactor.Redact(fmt.Sprintf(format, args...)), nil)
}

func (s *SafeLogger) Infof(format string, args ...interface{}) {
	s.logger.Info(s.redactor.Redact(fmt.Sprintf(format, args...)), nil)
}

func (s *SafeLogger) Warnf(format string, args ...interface{}) {
	s.logger.Warn(s.redactor.Redact(fmt.Sprintf(format, args...)), nil)
}

func (s *SafeLogger) Errorf(format string, args ...interface{}) {
	s.logger.Error(s.redactor.Redact(fmt.Sprintf(format, args...)), nil)
}

// WithPrefix returns a safe logger for a sub-component sharing the query toggle
func (s *SafeLogger) WithPrefix(prefix string) observability.Logger {
	return &SafeLogger{logger: s.logger.WithPrefix(prefix), redactor: s.redactor, logQueries: s.logQueries}
}

// With returns a safe logger with bound fields sharing the query toggle
func (s *SafeLogger) With(fields map[string]interface{}) observability.Logger {
	return &SafeLogger{logger: s.logger.With(s.fields(fields)), redactor: s.redactor, logQueries: s.logQueries}
}
