package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Served(SourceCache)
	m.Served(SourceCache)
	m.Served(SourceNetwork)
	m.Fetched("image", OutcomeOK, 512)
	m.JobStarted()
	m.JobStarted()
	m.JobFinished(OutcomeOK)

	out := scrape(t, m)
	assert.Contains(t, out, `stow_interceptor_serve_total{source="cache"} 2`)
	assert.Contains(t, out, `stow_interceptor_serve_total{source="network"} 1`)
	assert.Contains(t, out, `stow_fetch_total{kind="image",outcome="ok"} 1`)
	assert.Contains(t, out, `stow_fetch_bytes_total 512`)
	assert.Contains(t, out, `stow_jobs_in_flight 1`)
	assert.Contains(t, out, `stow_jobs_completed_total{outcome="ok"} 1`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Served(SourceError)
	m.Fetched("document", OutcomeFailed, 10)
	m.JobStarted()
	m.JobFinished(OutcomeCancelled)
	assert.NotNil(t, m.Handler())
}

func TestSeparateRegistries(t *testing.T) {
	// registering twice on fresh registries must not panic
	a := New(nil)
	b := New(nil)
	a.Served(SourceCache)

	assert.Contains(t, scrape(t, a), `stow_interceptor_serve_total{source="cache"} 1`)
	assert.NotContains(t, scrape(t, b), `stow_interceptor_serve_total{source="cache"}`)
}
