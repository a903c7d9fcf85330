package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveIngest("splunk", "accepted")
		m.SetQueue(10, true)
		m.ObserveCorrelated(true)
		m.ObserveClusterClosed("expired")
		m.ObserveTransfer("analysis", "success", time.Second)
		m.ObserveTick(time.Millisecond, 3)
	})
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveIngest("splunk", "accepted")
	m.ObserveIngest("splunk", "accepted")
	m.ObserveIngest("splunk", "duplicate")
	m.SetQueue(7, true)
	m.ObserveCorrelated(true)
	m.ObserveCorrelated(false)
	m.ObserveClusterClosed("saturated")
	m.SetOpenClusters(4)
	m.SetBreakerState("analysis", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsIngested.WithLabelValues("splunk", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsIngested.WithLabelValues("splunk", "duplicate")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.IngestQueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestBackpressure))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsCorrelated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClustersOpened))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ClustersOpen))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("analysis")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewLoggerFormats(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		t.Run(format, func(t *testing.T) {
			logger, err := NewLogger(Config{ServiceName: "incidentforge", LogFormat: format, LogLevel: "debug"})
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNewTelemetry(t *testing.T) {
	tests := []struct {
		name        string
		metrics     bool
		wantMetrics bool
	}{
		{name: "metrics enabled", metrics: true, wantMetrics: true},
		{name: "metrics disabled", metrics: false, wantMetrics: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tel, err := New(Config{ServiceName: "incidentforge", MetricsEnabled: tt.metrics})
			require.NoError(t, err)
			assert.NotNil(t, tel.Logger())
			assert.NotNil(t, tel.Tracer())
			assert.Equal(t, tt.wantMetrics, tel.Metrics() != nil)

			rec := httptest.NewRecorder()
			tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			assert.Equal(t, http.StatusOK, rec.Code)

			assert.NoError(t, tel.Shutdown(context.Background()))
			assert.NoError(t, tel.Shutdown(context.Background()))
		})
	}
}

func TestSampleRuntime(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.sampleRuntime()
	assert.Greater(t, testutil.ToFloat64(m.GoroutineCount), 0.0)
	assert.Greater(t, testutil.ToFloat64(m.MemoryUsage), 0.0)
}
