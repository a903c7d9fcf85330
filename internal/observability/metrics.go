package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "incidentforge"

// Metrics holds Prometheus metrics for IncidentForge.
// All helper methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Ingest metrics
	EventsIngested     *prometheus.CounterVec
	IngestQueueDepth   prometheus.Gauge
	IngestBackpressure prometheus.Gauge

	// Correlation metrics
	EventsCorrelated prometheus.Counter
	ClustersOpened   prometheus.Counter
	ClustersClosed   *prometheus.CounterVec
	ClustersOpen     prometheus.Gauge

	// Incident metrics
	IncidentsCreated    *prometheus.CounterVec
	IncidentsMerged     prometheus.Counter
	IncidentTransitions *prometheus.CounterVec

	// Transfer metrics
	TransfersTotal   *prometheus.CounterVec
	TransferDuration *prometheus.HistogramVec
	RouteDecisions   *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec

	// Loop metrics
	LoopTicks          prometheus.Counter
	TickDuration       prometheus.Histogram
	InflightDispatches prometheus.Gauge

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the metric set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Events offered to the ingest buffer by source and result",
			},
			[]string{"source", "result"},
		),
		IngestQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ingest_queue_depth",
				Help:      "Events waiting in the ingest buffer",
			},
		),
		IngestBackpressure: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ingest_backpressure",
				Help:      "1 while the ingest buffer is above its high-water mark",
			},
		),
		EventsCorrelated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_correlated_total",
				Help:      "Events assigned to a cluster",
			},
		),
		ClustersOpened: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "clusters_opened_total",
				Help:      "Clusters opened by the correlation engine",
			},
		),
		ClustersClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "clusters_closed_total",
				Help:      "Clusters closed by reason",
			},
			[]string{"reason"},
		),
		ClustersOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "clusters_open",
				Help:      "Currently open clusters",
			},
		),
		IncidentsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "incidents_created_total",
				Help:      "Incidents created by origin and severity",
			},
			[]string{"origin", "severity"},
		),
		IncidentsMerged: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "incidents_merged_total",
				Help:      "Clusters merged into an existing incident",
			},
		),
		IncidentTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "incident_transitions_total",
				Help:      "Incident status transitions by target status",
			},
			[]string{"status"},
		),
		TransfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Stage transfers by target stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		TransferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_duration_seconds",
				Help:      "Stage worker round-trip duration",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
			},
			[]string{"stage"},
		),
		RouteDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "route_decisions_total",
				Help:      "Router decisions by kind and reason",
			},
			[]string{"decision", "reason"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit state per stage (0=closed, 1=half_open, 2=open)",
			},
			[]string{"stage"},
		),
		LoopTicks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loop_ticks_total",
				Help:      "Orchestration loop ticks",
			},
		),
		TickDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "loop_tick_duration_seconds",
				Help:      "Orchestration loop tick duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
		),
		InflightDispatches: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_dispatches",
				Help:      "Transfers currently awaiting a stage worker",
			},
		),
		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

// ObserveIngest counts one offered event.
func (m *Metrics) ObserveIngest(source, result string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(source, result).Inc()
}

// SetQueue reports buffer depth and backpressure.
func (m *Metrics) SetQueue(depth int, backpressure bool) {
	if m == nil {
		return
	}
	m.IngestQueueDepth.Set(float64(depth))
	if backpressure {
		m.IngestBackpressure.Set(1)
	} else {
		m.IngestBackpressure.Set(0)
	}
}

// ObserveCorrelated counts an event placed into a cluster.
func (m *Metrics) ObserveCorrelated(opened bool) {
	if m == nil {
		return
	}
	m.EventsCorrelated.Inc()
	if opened {
		m.ClustersOpened.Inc()
	}
}

// SetOpenClusters reports the open cluster count.
func (m *Metrics) SetOpenClusters(n int) {
	if m == nil {
		return
	}
	m.ClustersOpen.Set(float64(n))
}

// ObserveClusterClosed counts a closed cluster.
func (m *Metrics) ObserveClusterClosed(reason string) {
	if m == nil {
		return
	}
	m.ClustersClosed.WithLabelValues(reason).Inc()
}

// ObserveIncidentCreated counts a new incident.
func (m *Metrics) ObserveIncidentCreated(origin, severity string) {
	if m == nil {
		return
	}
	m.IncidentsCreated.WithLabelValues(origin, severity).Inc()
}

// ObserveMerge counts a cluster merged into an existing incident.
func (m *Metrics) ObserveMerge() {
	if m == nil {
		return
	}
	m.IncidentsMerged.Inc()
}

// ObserveTransition counts a status change.
func (m *Metrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.IncidentTransitions.WithLabelValues(status).Inc()
}

// ObserveTransfer records one worker round trip.
func (m *Metrics) ObserveTransfer(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(stage, outcome).Inc()
	if d > 0 {
		m.TransferDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// ObserveDecision counts a router decision.
func (m *Metrics) ObserveDecision(decision, reason string) {
	if m == nil {
		return
	}
	m.RouteDecisions.WithLabelValues(decision, reason).Inc()
}

// SetBreakerState exports a circuit state as 0 closed, 1 half-open, 2 open.
func (m *Metrics) SetBreakerState(stage string, value float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(stage).Set(value)
}

// ObserveTick records one loop tick.
func (m *Metrics) ObserveTick(d time.Duration, inflight int) {
	if m == nil {
		return
	}
	m.LoopTicks.Inc()
	m.TickDuration.Observe(d.Seconds())
	m.InflightDispatches.Set(float64(inflight))
}

// ObserveRequest records one API request.
func (m *Metrics) ObserveRequest(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
