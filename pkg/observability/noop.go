package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NoopSpan is a no-op implementation of the Span interface
type NoopSpan struct{}

func (s *NoopSpan) End()                                                   {}
func (s *NoopSpan) SetAttribute(key string, value interface{})             {}
func (s *NoopSpan) AddEvent(name string, attributes map[string]interface{}) {}
func (s *NoopSpan) RecordError(err error)                                  {}
func (s *NoopSpan) SetStatus(code int, description string)                 {}

// SpanContext returns an empty, invalid span context
func (s *NoopSpan) SpanContext() trace.SpanContext {
	return trace.SpanContext{}
}

// NoopStartSpan is a no-op implementation of StartSpanFunc
func NoopStartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	return ctx, &NoopSpan{}
}

// noOpMetricsClient is a no-op implementation of MetricsClient for testing
type noOpMetricsClient struct{}

// NewNoOpMetricsClient creates a new no-op metrics client that does nothing
func NewNoOpMetricsClient() MetricsClient {
	return &noOpMetricsClient{}
}

func (n *noOpMetricsClient) RecordCounter(name string, value float64, labels map[string]string)   {}
func (n *noOpMetricsClient) RecordGauge(name string, value float64, labels map[string]string)     {}
func (n *noOpMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}
func (n *noOpMetricsClient) RecordCacheOperation(operation string, hit bool, durationSeconds float64) {
}
func (n *noOpMetricsClient) StartTimer(name string, labels map[string]string) func() { return func() {} }
func (n *noOpMetricsClient) IncrementCounter(name string, value float64)              {}
func (n *noOpMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (n *noOpMetricsClient) RecordDuration(name string, duration time.Duration) {}
func (n *noOpMetricsClient) Close() error                                       { return nil }
