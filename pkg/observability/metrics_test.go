package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetricsClient_Counters(t *testing.T) {
	m := NewPrometheusMetricsClient(MetricsConfig{Enabled: true})

	m.IncrementCounter("tier1_hits_total", 1)
	m.IncrementCounter("tier1_hits_total", 2)
	m.IncrementCounterWithLabels("evictions_total", 1, map[string]string{"tier": "1"})

	count, err := testutil.GatherAndCount(m.Registry(), "semantic_cache_tier1_hits_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() == "semantic_cache_tier1_hits_total" {
			total = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 3.0, total)
}

func TestPrometheusMetricsClient_IndependentRegistries(t *testing.T) {
	a := NewPrometheusMetricsClient(MetricsConfig{Enabled: true})
	b := NewPrometheusMetricsClient(MetricsConfig{Enabled: true})

	assert.NotPanics(t, func() {
		a.RecordGauge("tier1_entries", 3, nil)
		b.RecordGauge("tier1_entries", 5, nil)
	})
}

func TestPrometheusMetricsClient_Disabled(t *testing.T) {
	m := NewPrometheusMetricsClient(MetricsConfig{Enabled: false})

	m.RecordCounter("ignored_total", 1, nil)
	m.RecordGauge("ignored", 1, nil)
	m.RecordHistogram("ignored_seconds", 1, nil)
	m.RecordCacheOperation("get", true, 0.01)
	m.RecordDuration("ignored_duration", time.Millisecond)
	m.StartTimer("ignored_timer", nil)()

	count, err := testutil.GatherAndCount(m.Registry(), "semantic_cache_ignored_total")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.NoError(t, m.Close())
}

func TestPrometheusMetricsClient_CacheOperationAndHandler(t *testing.T) {
	m := NewPrometheusMetricsClient(MetricsConfig{Enabled: true, Namespace: "semcache"})

	m.RecordCacheOperation("get", true, 0.002)
	m.RecordCacheOperation("get", false, 0.004)
	stop := m.StartTimer("set_duration_seconds", map[string]string{"tier": "1"})
	stop()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `semcache_operations_total{operation="get",result="hit"} 1`)
	assert.Contains(t, body, `semcache_operations_total{operation="get",result="miss"} 1`)
	assert.Contains(t, body, "semcache_set_duration_seconds_bucket")
}

func TestNoOpMetricsClient(t *testing.T) {
	m := NewNoOpMetricsClient()
	assert.NotPanics(t, func() {
		m.RecordCounter("c", 1, nil)
		m.RecordCacheOperation("get", false, 0)
		m.StartTimer("t", nil)()
	})
	assert.NoError(t, m.Close())
}
