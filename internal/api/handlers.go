package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/incident"
	"github.com/lvonguyen/incidentforge/internal/telemetry/correlation"
)

const maxBatchBody = 16 << 20

// ingestResponse reports what happened to submitted events.
type ingestResponse struct {
	Accepted     int           `json:"accepted"`
	Rejected     int           `json:"rejected"`
	Errors       []ingestError `json:"errors,omitempty"`
	Backpressure bool          `json:"backpressure"`
}

type ingestError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

func (s *Server) signalBackpressure(w http.ResponseWriter) bool {
	bp := s.deps.Buffer.Backpressure()
	w.Header().Set(backpressureHeader, strconv.FormatBool(bp))
	return bp
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(s.hec.MaxEventSize)+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "error reading body")
		return
	}
	if len(body) > s.hec.MaxEventSize {
		writeError(w, http.StatusRequestEntityTooLarge, "event too large")
		return
	}

	ev, err := s.deps.Normalizer.NormalizeJSON(body)
	if err == nil {
		err = s.deps.Buffer.Ingest(ev)
	}
	bp := s.signalBackpressure(w)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ingestResponse{
			Rejected:     1,
			Errors:       []ingestError{{Index: 0, Error: err.Error()}},
			Backpressure: bp,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{Accepted: 1, Backpressure: bp})
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var raws []map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBatchBody)).Decode(&raws); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON array of events")
		return
	}
	if len(raws) > s.hec.MaxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, "batch exceeds "+strconv.Itoa(s.hec.MaxBatchSize)+" events")
		return
	}

	var resp ingestResponse
	for i, raw := range raws {
		ev, err := s.deps.Normalizer.Normalize(raw)
		if err == nil {
			err = s.deps.Buffer.Ingest(ev)
		}
		if err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, ingestError{Index: i, Error: err.Error()})
			continue
		}
		resp.Accepted++
	}
	resp.Backpressure = s.signalBackpressure(w)

	status := http.StatusAccepted
	if resp.Accepted == 0 && resp.Rejected > 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// Incidents
// =============================================================================

type incidentList struct {
	Incidents []*incident.Incident `json:"incidents"`
	Count     int                  `json:"count"`
}

func listResponse(incs []*incident.Incident) incidentList {
	if incs == nil {
		incs = []*incident.Incident{}
	}
	return incidentList{Incidents: incs, Count: len(incs)}
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	status := incident.Status(r.URL.Query().Get("status"))
	if status != "" && !incident.ValidStatus(status) {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(status)))
		return
	}
	incs, err := s.deps.Machine.List(r.Context(), status)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(incs))
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.deps.Machine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req incident.ManualRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	inc, err := s.deps.Machine.CreateManual(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

// actionRequest carries the operator's reason or note.
type actionRequest struct {
	Reason string `json:"reason"`
}

func decodeAction(r *http.Request) actionRequest {
	var req actionRequest
	// an empty body is allowed
	_ = json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req)
	return req
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req := decodeAction(r)
	if req.Reason == "" {
		req.Reason = "closed by operator"
	}
	inc, err := s.deps.Machine.ForceClose(r.Context(), id, req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.deps.Router.Forget(id)
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleFalsePositive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req := decodeAction(r)
	if req.Reason == "" {
		req.Reason = "dismissed by operator"
	}
	inc, err := s.deps.Machine.MarkFalsePositive(r.Context(), id, req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.deps.Router.Forget(id)
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	inc, err := s.deps.Machine.ConfirmReview(r.Context(), chi.URLParam(r, "id"), decodeAction(r).Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inc, err := s.deps.Machine.Resume(r.Context(), id, decodeAction(r).Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.deps.Router.Forget(id)
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	incs, err := s.deps.Machine.ReviewQueue(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(incs))
}

// fail maps domain errors to status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, incident.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, incident.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case incident.IsInvalidTransition(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// =============================================================================
// Engine state
// =============================================================================

type clustersResponse struct {
	Open           []correlation.Summary `json:"open"`
	PendingHandoff int                   `json:"pending_handoff"`
}

func (s *Server) handleClusters(w http.ResponseWriter, _ *http.Request) {
	snaps := s.deps.Engine.Snapshots()
	resp := clustersResponse{
		Open:           make([]correlation.Summary, 0, len(snaps)),
		PendingHandoff: s.deps.Engine.PendingClosed(),
	}
	for _, snap := range snaps {
		resp.Open = append(resp.Open, snap.Summary())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCircuits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"circuits": s.deps.Breakers.Snapshot()})
}

type playbookInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Steps    int    `json:"steps"`
}

func (s *Server) handlePlaybooks(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Playbooks == nil {
		writeError(w, http.StatusNotFound, "playbooks are not configured")
		return
	}
	list := s.deps.Playbooks.ListPlaybooks()
	out := make([]playbookInfo, 0, len(list))
	for _, pb := range list {
		out = append(out, playbookInfo{ID: pb.ID, Name: pb.Name, Category: pb.Category, Steps: len(pb.Steps)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"playbooks": out, "count": len(out)})
}

type statsResponse struct {
	Buffer          any            `json:"buffer"`
	OpenClusters    int            `json:"open_clusters"`
	PendingClusters int            `json:"pending_clusters"`
	LastTick        any            `json:"last_tick"`
	InFlight        int            `json:"in_flight"`
	Workers         []string       `json:"workers"`
	Batched         map[string]int `json:"batched"`
	Retrying        int            `json:"retrying"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	batched := make(map[string]int)
	for sev, n := range s.deps.Router.BatchStats() {
		batched[string(sev)] = n
	}
	workers := []string{}
	for _, st := range s.deps.Loop.Workers() {
		workers = append(workers, string(st))
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Buffer:          s.deps.Buffer.Stats(),
		OpenClusters:    s.deps.Engine.OpenCount(),
		PendingClusters: s.deps.Engine.PendingClosed(),
		LastTick:        s.deps.Loop.LastTick(),
		InFlight:        len(s.deps.Loop.InFlight()),
		Workers:         workers,
		Batched:         batched,
		Retrying:        len(s.deps.Router.Retrying()),
	})
}
