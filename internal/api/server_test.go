package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/api/gateway"
	"github.com/lvonguyen/incidentforge/internal/incident"
	"github.com/lvonguyen/incidentforge/internal/observability"
	"github.com/lvonguyen/incidentforge/internal/orchestrator"
	"github.com/lvonguyen/incidentforge/internal/playbooks"
	"github.com/lvonguyen/incidentforge/internal/resilience"
	"github.com/lvonguyen/incidentforge/internal/routing"
	"github.com/lvonguyen/incidentforge/internal/stages"
	"github.com/lvonguyen/incidentforge/internal/store"
	"github.com/lvonguyen/incidentforge/internal/telemetry/correlation"
	"github.com/lvonguyen/incidentforge/internal/telemetry/ingestion"
	"github.com/lvonguyen/incidentforge/internal/telemetry/normalization"
)

const testToken = "hec-secret-123"

type pingStore struct {
	store.Store
	err error
}

func (s *pingStore) Ping(context.Context) error { return s.err }

type testServer struct {
	handler http.Handler
	deps    Deps
	store   *pingStore
}

func newTestServer(t *testing.T, mutate func(*Deps, *HECConfig)) *testServer {
	t.Helper()
	logger := zap.NewNop()
	s := &pingStore{Store: store.NewMemoryStore()}

	buffer, err := ingestion.NewBuffer(ingestion.DefaultBufferConfig(), logger)
	require.NoError(t, err)
	engine := correlation.NewEngine(correlation.DefaultConfig(), nil, nil, logger)
	t.Cleanup(engine.Stop)
	machine := incident.NewStateMachine(incident.NewRepository(s), time.Hour, logger)
	breakers := resilience.NewRegistry(resilience.DefaultConfig(), logger)
	router := routing.NewRouter(routing.DefaultConfig(), breakers, logger)

	deps := Deps{
		Buffer:     buffer,
		Normalizer: normalization.NewNormalizer(normalization.NormalizerConfig{DefaultSource: "api"}),
		Engine:     engine,
		Machine:    machine,
		Router:     router,
		Breakers:   breakers,
		Store:      s,
		Playbooks:  playbooks.NewPlaybookManager(logger),
	}
	table := stages.NewTable(time.Second)
	table.Register(incident.StageAnalysis, stages.FuncWorker(func(context.Context, incident.WorkflowTransfer) (incident.TransferResult, error) {
		return incident.TransferResult{Success: true}, nil
	}), 0)
	deps.Loop = orchestrator.New(orchestrator.Config{}, orchestrator.Deps{
		Buffer:   buffer,
		Engine:   engine,
		Machine:  machine,
		Router:   router,
		Breakers: breakers,
		Stages:   table,
		Store:    s,
	}, logger)

	hec := HECConfig{Enabled: true, Token: testToken}
	if mutate != nil {
		mutate(&deps, &hec)
	}
	srv := NewServer(deps, hec, "test", logger)
	return &testServer{handler: srv.Routes(), deps: deps, store: s}
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func eventJSON(id, eventType string) string {
	return fmt.Sprintf(`{"id":%q,"timestamp":%q,"source":"edr","host":"db-1","user":"alice","event_type":%q}`,
		id, time.Now().UTC().Format(time.RFC3339), eventType)
}

// =============================================================================
// Health
// =============================================================================

// TestHealthAndReady verifies liveness and the store-backed readiness check.
func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", decode[map[string]string](t, rec)["version"])

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/ready", "").Code)

	ts.store.err = errors.New("connection refused")
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodGet, "/ready", "").Code)
}

// TestMetricsEndpoint verifies request metrics are exported.
func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	ts := newTestServer(t, func(d *Deps, _ *HECConfig) {
		d.Metrics = observability.NewMetrics(reg)
		d.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	})

	ts.do(t, http.MethodGet, "/health", "")
	rec := ts.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

// =============================================================================
// Event intake
// =============================================================================

// TestIngest covers single event intake.
func TestIngest(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/events", eventJSON("e1", "ssh-brute-force"))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "false", rec.Header().Get(backpressureHeader))
	assert.Equal(t, 1, decode[ingestResponse](t, rec).Accepted)
	assert.Equal(t, 1, ts.deps.Buffer.Len())

	rec = ts.do(t, http.MethodPost, "/api/v1/events", `{"id":"e2"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ingestResponse](t, rec)
	assert.Equal(t, 1, resp.Rejected)
	require.Len(t, resp.Errors, 1)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/v1/events", `not json`).Code)
}

// TestIngestBatch verifies partial acceptance is reported per index.
func TestIngestBatch(t *testing.T) {
	ts := newTestServer(t, nil)

	body := "[" + eventJSON("b1", "port-scan") + "," + eventJSON("b2", "ssh-brute-force") + `,{"id":"b3"}]`
	rec := ts.do(t, http.MethodPost, "/api/v1/events/batch", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[ingestResponse](t, rec)
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 1, resp.Rejected)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, 2, resp.Errors[0].Index)

	rec = ts.do(t, http.MethodPost, "/api/v1/events/batch", `[{"id":"x"}]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/events/batch", `{"id":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestIngestBackpressure verifies the signal reaches producers while the
// event is still accepted.
func TestIngestBackpressure(t *testing.T) {
	ts := newTestServer(t, func(d *Deps, _ *HECConfig) {
		cfg := ingestion.DefaultBufferConfig()
		cfg.HighWaterMark = 1
		buffer, err := ingestion.NewBuffer(cfg, zap.NewNop())
		require.NoError(t, err)
		d.Buffer = buffer
	})

	rec := ts.do(t, http.MethodPost, "/api/v1/events", eventJSON("e1", "port-scan"))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(backpressureHeader))
	assert.True(t, decode[ingestResponse](t, rec).Backpressure)
}

// TestIngestRateLimited verifies per-source limiting on intake routes.
func TestIngestRateLimited(t *testing.T) {
	ts := newTestServer(t, func(d *Deps, _ *HECConfig) {
		d.Limiter = gateway.NewRateLimiter(nil, gateway.RateLimitConfig{Enabled: true, DefaultRequestsPerMinute: 1}, zap.NewNop())
	})

	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/v1/events", eventJSON("e1", "port-scan"), sourceHeader, "edr").Code)
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodPost, "/api/v1/events", eventJSON("e2", "port-scan"), sourceHeader, "edr").Code)
	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/v1/events", eventJSON("e3", "port-scan"), sourceHeader, "ids").Code)

	// operator routes are not limited
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/incidents", "", sourceHeader, "edr").Code)
	}
}

// =============================================================================
// Incidents
// =============================================================================

// TestIncidentLifecycle covers create, read, list and close.
func TestIncidentLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/incidents", `{"title":"Ransomware note on fs-1","severity":"critical","resources":["fs-1"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[incident.Incident](t, rec)
	assert.True(t, created.Reviewed)
	assert.InDelta(t, 1.0, created.Confidence, 1e-9)

	rec = ts.do(t, http.MethodGet, "/api/v1/incidents/"+created.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ransomware note on fs-1", decode[incident.Incident](t, rec).Title)

	rec = ts.do(t, http.MethodGet, "/api/v1/incidents?status=open", "")
	assert.Equal(t, 1, decode[incidentList](t, rec).Count)
	rec = ts.do(t, http.MethodGet, "/api/v1/incidents?status=closed", "")
	assert.Equal(t, 0, decode[incidentList](t, rec).Count)

	rec = ts.do(t, http.MethodPost, "/api/v1/incidents/"+created.ID+"/close", `{"reason":"contained manually"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, incident.StatusClosed, decode[incident.Incident](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/api/v1/incidents/"+created.ID+"/false-positive", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// TestIncidentErrors covers the error mapping.
func TestIncidentErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "unknown incident", method: http.MethodGet, path: "/api/v1/incidents/inc-missing", want: http.StatusNotFound},
		{name: "close unknown", method: http.MethodPost, path: "/api/v1/incidents/inc-missing/close", want: http.StatusNotFound},
		{name: "bad status filter", method: http.MethodGet, path: "/api/v1/incidents?status=bogus", want: http.StatusBadRequest},
		{name: "missing title", method: http.MethodPost, path: "/api/v1/incidents", body: `{"severity":"low"}`, want: http.StatusBadRequest},
		{name: "bad severity", method: http.MethodPost, path: "/api/v1/incidents", body: `{"title":"x","severity":"severe"}`, want: http.StatusBadRequest},
		{name: "malformed body", method: http.MethodPost, path: "/api/v1/incidents", body: `{`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ts.do(t, tt.method, tt.path, tt.body).Code)
		})
	}
}

// TestReviewActions covers the review queue, confirm and resume.
func TestReviewActions(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	inc, err := ts.deps.Machine.CreateManual(ctx, incident.ManualRequest{Title: "Odd login", Severity: incident.SeverityMedium})
	require.NoError(t, err)
	_, err = ts.deps.Machine.FlagForReview(ctx, inc.ID, "low confidence")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/api/v1/review-queue", "")
	assert.Equal(t, 1, decode[incidentList](t, rec).Count)

	rec = ts.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/confirm", `{"reason":"verified with owner"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[incident.Incident](t, rec).PendingReview)
	assert.Equal(t, 0, decode[incidentList](t, ts.do(t, http.MethodGet, "/api/v1/review-queue", "")).Count)

	_, err = ts.deps.Machine.MarkManualReview(ctx, inc.ID, "retries exhausted")
	require.NoError(t, err)
	rec = ts.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[incident.Incident](t, rec).RequiresManualReview)
}

// =============================================================================
// Engine state
// =============================================================================

// TestStateEndpoints covers clusters, circuits, playbooks and stats.
func TestStateEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/v1/events", eventJSON("e1", "port-scan")).Code)
	ts.deps.Loop.Tick(context.Background())
	ts.deps.Breakers.RecordFailure("analysis")

	rec := ts.do(t, http.MethodGet, "/api/v1/clusters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	clusters := decode[clustersResponse](t, rec)
	require.Len(t, clusters.Open, 1)
	assert.Equal(t, []string{"db-1"}, clusters.Open[0].Resources)

	rec = ts.do(t, http.MethodGet, "/api/v1/circuits", "")
	circuits := decode[map[string][]resilience.BreakerState](t, rec)["circuits"]
	require.Len(t, circuits, 1)
	assert.Equal(t, "analysis", circuits[0].TargetStage)
	assert.Equal(t, 1, circuits[0].ConsecutiveFailures)

	rec = ts.do(t, http.MethodGet, "/api/v1/playbooks", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pb-generic-001")

	rec = ts.do(t, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		OpenClusters int `json:"open_clusters"`
		LastTick     struct {
			Events int `json:"events"`
		} `json:"last_tick"`
		Workers []string `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.OpenClusters)
	assert.Equal(t, 1, stats.LastTick.Events)
	assert.Equal(t, []string{"analysis"}, stats.Workers)
}
