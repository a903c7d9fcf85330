// Package api exposes the operator HTTP API and the HEC-compatible event
// intake.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/api/gateway"
	"github.com/lvonguyen/incidentforge/internal/incident"
	"github.com/lvonguyen/incidentforge/internal/observability"
	"github.com/lvonguyen/incidentforge/internal/orchestrator"
	"github.com/lvonguyen/incidentforge/internal/playbooks"
	"github.com/lvonguyen/incidentforge/internal/resilience"
	"github.com/lvonguyen/incidentforge/internal/routing"
	"github.com/lvonguyen/incidentforge/internal/store"
	"github.com/lvonguyen/incidentforge/internal/telemetry/correlation"
	"github.com/lvonguyen/incidentforge/internal/telemetry/ingestion"
	"github.com/lvonguyen/incidentforge/internal/telemetry/normalization"
)

// sourceHeader names the event source for rate limiting.
const sourceHeader = "X-Event-Source"

// backpressureHeader tells producers to slow down.
const backpressureHeader = "X-Ingest-Backpressure"

// HECConfig configures the HEC-compatible intake. Token is the resolved
// secret; an empty token rejects every request.
type HECConfig struct {
	Enabled      bool
	Token        string
	MaxBatchSize int
	MaxEventSize int
}

// Deps are the components the API reads and drives. Limiter, Playbooks,
// Metrics and MetricsHandler are optional.
type Deps struct {
	Buffer         *ingestion.Buffer
	Normalizer     *normalization.Normalizer
	Engine         *correlation.Engine
	Machine        *incident.StateMachine
	Router         *routing.Router
	Breakers       *resilience.Registry
	Loop           *orchestrator.Loop
	Store          store.Store
	Playbooks      *playbooks.PlaybookManager
	Limiter        *gateway.RateLimiter
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
}

// Server serves the operator API.
type Server struct {
	deps    Deps
	hec     HECConfig
	version string
	logger  *zap.Logger
}

// NewServer creates an API server.
func NewServer(deps Deps, hec HECConfig, version string, logger *zap.Logger) *Server {
	if hec.MaxBatchSize <= 0 {
		hec.MaxBatchSize = 1000
	}
	if hec.MaxEventSize <= 0 {
		hec.MaxEventSize = 1024 * 1024
	}
	if deps.Normalizer == nil {
		deps.Normalizer = normalization.NewNormalizer(normalization.NormalizerConfig{})
	}
	return &Server{
		deps:    deps,
		hec:     hec,
		version: version,
		logger:  logger.Named("api"),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limit)
			r.Post("/events", s.handleIngest)
			r.Post("/events/batch", s.handleIngestBatch)
		})

		r.Route("/incidents", func(r chi.Router) {
			r.Get("/", s.handleListIncidents)
			r.Post("/", s.handleCreateIncident)
			r.Get("/{id}", s.handleGetIncident)
			r.Post("/{id}/close", s.handleClose)
			r.Post("/{id}/false-positive", s.handleFalsePositive)
			r.Post("/{id}/confirm", s.handleConfirm)
			r.Post("/{id}/resume", s.handleResume)
		})
		r.Get("/review-queue", s.handleReviewQueue)
		r.Get("/clusters", s.handleClusters)
		r.Get("/circuits", s.handleCircuits)
		r.Get("/playbooks", s.handlePlaybooks)
		r.Get("/stats", s.handleStats)
	})

	if s.hec.Enabled {
		r.Route("/services/collector", func(r chi.Router) {
			r.Get("/health", s.handleHECHealth)
			r.Get("/health/1.0", s.handleHECHealth)
			r.Group(func(r chi.Router) {
				r.Use(s.limit)
				r.Post("/", s.handleHECEvent)
				r.Post("/event", s.handleHECEvent)
				r.Post("/event/1.0", s.handleHECEvent)
				r.Post("/raw", s.handleHECRaw)
			})
		})
	}
	return r
}

func (s *Server) limit(next http.Handler) http.Handler {
	if s.deps.Limiter == nil {
		return next
	}
	return s.deps.Limiter.Middleware(func(r *http.Request) string {
		return r.Header.Get(sourceHeader)
	})(next)
}

// instrument records request metrics by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		s.deps.Metrics.ObserveRequest(r.Method, pattern, strconv.Itoa(ww.Status()), time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		s.logger.Warn("Readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
