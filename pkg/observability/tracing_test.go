package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func TestInitTracing_Disabled(t *testing.T) {
	cleanup, err := InitTracing(TracingConfig{Enabled: false}, nil)
	require.NoError(t, err)
	require.NotNil(t, cleanup)
	cleanup()
}

func TestStartSpan_RecordsAttributesAndEvents(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := TraceCache(context.Background(), "get")
	require.NotNil(t, ctx)
	span.SetAttribute("cache.tier", 1)
	span.SetAttribute("cache.similarity", 0.97)
	span.AddEvent("promoted", map[string]interface{}{"id": "abc"})
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "semantic_cache.get", ended[0].Name())
	assert.Len(t, ended[0].Events(), 1)

	attrs := map[string]interface{}{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "get", attrs["cache.operation"])
	assert.Equal(t, int64(1), attrs["cache.tier"])
	assert.Equal(t, 0.97, attrs["cache.similarity"])
}

func TestSpan_RecordErrorSetsStatus(t *testing.T) {
	recorder := withRecorder(t)

	_, span := StartSpan(context.Background(), "failing")
	span.RecordError(errors.New("boom"))
	span.RecordError(nil)
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "boom", ended[0].Status().Description)
}

func TestSpan_SetStatus(t *testing.T) {
	recorder := withRecorder(t)

	_, span := StartSpan(context.Background(), "ok")
	span.SetStatus(1, "")
	span.End()

	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, codes.Ok, recorder.Ended()[0].Status().Code)
}

func TestNoopSpan(t *testing.T) {
	ctx, span := NoopStartSpan(context.Background(), "noop")
	assert.NotNil(t, ctx)
	assert.NotPanics(t, func() {
		span.SetAttribute("k", "v")
		span.AddEvent("e", nil)
		span.RecordError(errors.New("ignored"))
		span.SetStatus(2, "ignored")
		span.End()
	})
	assert.False(t, span.SpanContext().IsValid())
}
