package observability

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetricsClient implements MetricsClient on a private Prometheus
// registry. Collectors are created on first use; the label names seen on the
// first observation of a metric fix its label set.
type PrometheusMetricsClient struct {
	registry  *prometheus.Registry
	namespace string
	subsystem string
	enabled   bool

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetricsClient creates a metrics client from a MetricsConfig.
// Go runtime and process collectors are registered alongside cache metrics.
func NewPrometheusMetricsClient(cfg MetricsConfig) *PrometheusMetricsClient {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "semantic_cache"
	}

	return &PrometheusMetricsClient{
		registry:   reg,
		namespace:  sanitizeMetricName(namespace),
		subsystem:  sanitizeMetricName(cfg.Subsystem),
		enabled:    cfg.Enabled,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying registry
func (m *PrometheusMetricsClient) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler serving the registry in exposition format
func (m *PrometheusMetricsClient) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordCounter adds value to a counter
func (m *PrometheusMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	if !m.enabled || value < 0 {
		return
	}
	keys := labelKeys(labels)
	vec := m.counterVec(name, keys)
	if vec == nil {
		return
	}
	vec.With(prometheus.Labels(labels)).Add(value)
}

// RecordGauge sets a gauge
func (m *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	vec := m.gaugeVec(name, labelKeys(labels))
	if vec == nil {
		return
	}
	vec.With(prometheus.Labels(labels)).Set(value)
}

// RecordHistogram observes value on a histogram with default buckets
func (m *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	vec := m.histogramVec(name, labelKeys(labels))
	if vec == nil {
		return
	}
	vec.With(prometheus.Labels(labels)).Observe(value)
}

// RecordCacheOperation records a cache operation count and latency
func (m *PrometheusMetricsClient) RecordCacheOperation(operation string, hit bool, durationSeconds float64) {
	labels := map[string]string{
		"operation": operation,
		"result":    hitLabel(hit),
	}
	m.RecordCounter("operations_total", 1, labels)
	m.RecordHistogram("operation_duration_seconds", durationSeconds, map[string]string{"operation": operation})
}

// StartTimer returns a function that records the elapsed seconds when called
func (m *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		m.RecordHistogram(name, time.Since(start).Seconds(), labels)
	}
}

// IncrementCounter increments an unlabelled counter
func (m *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	m.RecordCounter(name, value, nil)
}

// IncrementCounterWithLabels increments a labelled counter
func (m *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.RecordCounter(name, value, labels)
}

// RecordDuration observes a duration in seconds
func (m *PrometheusMetricsClient) RecordDuration(name string, duration time.Duration) {
	m.RecordHistogram(name, duration.Seconds(), nil)
}

// Close is a no-op; the registry has nothing to release
func (m *PrometheusMetricsClient) Close() error {
	return nil
}

func (m *PrometheusMetricsClient) counterVec(name string, keys []string) *prometheus.CounterVec {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := vecID(name, keys)
	if vec, ok := m.counters[id]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      sanitizeMetricName(name),
		Help:      "Counter " + name,
	}, keys)
	if err := m.registry.Register(vec); err != nil {
		return nil
	}
	m.counters[id] = vec
	return vec
}

func (m *PrometheusMetricsClient) gaugeVec(name string, keys []string) *prometheus.GaugeVec {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := vecID(name, keys)
	if vec, ok := m.gauges[id]; ok {
		return vec
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      sanitizeMetricName(name),
		Help:      "Gauge " + name,
	}, keys)
	if err := m.registry.Register(vec); err != nil {
		return nil
	}
	m.gauges[id] = vec
	return vec
}

func (m *PrometheusMetricsClient) histogramVec(name string, keys []string) *prometheus.HistogramVec {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := vecID(name, keys)
	if vec, ok := m.histograms[id]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      sanitizeMetricName(name),
		Help:      "Histogram " + name,
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, keys)
	if err := m.registry.Register(vec); err != nil {
		return nil
	}
	m.histograms[id] = vec
	return vec
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func vecID(name string, keys []string) string {
	return name + "{" + strings.Join(keys, ",") + "}"
}

// sanitizeMetricName maps dots and dashes to underscores
func sanitizeMetricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}

func hitLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
