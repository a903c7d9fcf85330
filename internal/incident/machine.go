package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/observability"
	"github.com/lvonguyen/incidentforge/internal/telemetry"
	"github.com/lvonguyen/incidentforge/internal/telemetry/correlation"
)

// StateMachine is the only writer of incident records.
type StateMachine struct {
	repo    *Repository
	window  time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string

	// serializes the overlap check with creation
	createMu sync.Mutex
}

// Option customizes a StateMachine.
type Option func(*StateMachine)

// WithClock sets the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(sm *StateMachine) { sm.now = now }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(sm *StateMachine) { sm.metrics = m }
}

// WithIDGenerator overrides incident id generation.
func WithIDGenerator(fn func() string) Option {
	return func(sm *StateMachine) { sm.newID = fn }
}

// NewStateMachine creates a state machine. window is the correlation
// window used for cluster overlap checks.
func NewStateMachine(repo *Repository, window time.Duration, logger *zap.Logger, opts ...Option) *StateMachine {
	if window <= 0 {
		window = time.Hour
	}
	sm := &StateMachine{
		repo:   repo,
		window: window,
		logger: logger.Named("incident"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// CreateFromCluster opens an incident for a closed cluster. When an active
// incident overlaps the cluster (shares a resource|actor key within the
// window) the cluster is merged into it, and the merged incident is
// returned together with a *DuplicateClusterError. Handing over the same
// cluster twice returns the incident that already references it.
func (sm *StateMachine) CreateFromCluster(ctx context.Context, snap correlation.Snapshot) (*Incident, error) {
	if len(snap.Events) == 0 {
		return nil, fmt.Errorf("%w: cluster %s has no events", ErrInvalidInput, snap.ID)
	}

	sm.createMu.Lock()
	defer sm.createMu.Unlock()

	existing, err := sm.repo.FindByCluster(ctx, snap.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	candidates, err := sm.repo.ListNonTerminal(ctx, func(inc *Incident) bool { return inc.ClusterRef != nil })
	if err != nil {
		return nil, err
	}

	keys := snap.Keys()
	resources := snap.Resources()
	actors := snap.Actors()

	var related []string
	for _, inc := range candidates {
		if sm.overlaps(inc.ClusterRef, snap, keys) {
			if err := sm.repo.IndexCluster(ctx, snap.ID, inc.ID); err != nil {
				return nil, err
			}
			merged, err := sm.merge(ctx, inc.ID, snap)
			if IsInvalidTransition(err) {
				// closed since listing; try the next candidate
				continue
			}
			if err != nil {
				return nil, err
			}
			return merged, &DuplicateClusterError{ClusterID: snap.ID, IncidentID: merged.ID}
		}
		if intersects(inc.ClusterRef.Resources, resources) || intersects(inc.ClusterRef.Actors, actors) {
			related = append(related, inc.ID)
		}
	}

	now := sm.now()
	severity, ok := ParseSeverity(snap.Severity())
	if !ok {
		severity = SeverityLow
	}
	summary := snap.Summary()
	inc := &Incident{
		ID:           sm.newID(),
		Title:        clusterTitle(snap),
		Severity:     severity,
		Status:       StatusOpen,
		CurrentStage: StageDetection,
		ClusterRef: &ClusterRef{
			ClusterID:   snap.ID,
			Keys:        keys,
			Resources:   resources,
			Actors:      actors,
			WindowStart: snap.WindowStart,
			WindowEnd:   snap.WindowEnd,
			EventCount:  len(snap.Events),
		},
		Cluster:          &summary,
		Confidence:       snap.CombinedConfidence,
		CreatedAt:        now,
		RelatedIncidents: related,
	}
	inc.appendEntry(TimelineEntry{
		Kind:      EntryCreated,
		Stage:     StageDetection,
		Message:   fmt.Sprintf("created from cluster %s (%d events, confidence %.2f)", snap.ID, len(snap.Events), snap.CombinedConfidence),
		Timestamp: now,
	})

	if err := sm.repo.Create(ctx, inc); err != nil {
		return nil, err
	}
	sm.metrics.ObserveIncidentCreated("cluster", string(inc.Severity))
	sm.logger.Info("Created incident from cluster",
		zap.String("incident_id", inc.ID),
		zap.String("cluster_id", snap.ID),
		zap.String("severity", string(inc.Severity)),
		zap.Float64("confidence", inc.Confidence),
	)

	for _, rid := range related {
		sm.link(ctx, rid, inc.ID)
	}
	return inc, nil
}

func (sm *StateMachine) overlaps(ref *ClusterRef, snap correlation.Snapshot, keys []string) bool {
	if !intersects(ref.Keys, keys) {
		return false
	}
	return !snap.WindowStart.After(ref.WindowEnd.Add(sm.window)) &&
		!ref.WindowStart.After(snap.WindowEnd.Add(sm.window))
}

func (sm *StateMachine) merge(ctx context.Context, id string, snap correlation.Snapshot) (*Incident, error) {
	severity, _ := ParseSeverity(snap.Severity())
	inc, err := sm.repo.Update(ctx, id, func(inc *Incident) error {
		if inc.Terminal() {
			return &InvalidTransitionError{IncidentID: inc.ID, Status: inc.Status, Stage: inc.CurrentStage, Reason: "cannot merge into terminal incident"}
		}
		ref := inc.ClusterRef
		ref.Merged = append(ref.Merged, snap.ID)
		ref.Keys = union(ref.Keys, snap.Keys())
		ref.Resources = union(ref.Resources, snap.Resources())
		ref.Actors = union(ref.Actors, snap.Actors())
		ref.EventCount += len(snap.Events)
		if snap.WindowStart.Before(ref.WindowStart) {
			ref.WindowStart = snap.WindowStart
		}
		if snap.WindowEnd.After(ref.WindowEnd) {
			ref.WindowEnd = snap.WindowEnd
		}
		if inc.Cluster != nil {
			mergeSummary(inc.Cluster, snap.Summary())
		}

		inc.Severity = MaxSeverity(inc.Severity, severity)
		if snap.CombinedConfidence > inc.Confidence {
			inc.Confidence = snap.CombinedConfidence
		}
		inc.appendEntry(TimelineEntry{
			Kind:      EntryMerge,
			Stage:     inc.CurrentStage,
			Message:   fmt.Sprintf("merged cluster %s (%d events)", snap.ID, len(snap.Events)),
			Timestamp: sm.now(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sm.metrics.ObserveMerge()
	sm.logger.Info("Merged cluster into incident",
		zap.String("incident_id", inc.ID),
		zap.String("cluster_id", snap.ID),
	)
	return inc, nil
}

// link records a weak back-reference on an existing incident. Failures are
// logged; the link is informational.
func (sm *StateMachine) link(ctx context.Context, id, relatedID string) {
	_, err := sm.repo.Update(ctx, id, func(inc *Incident) error {
		if !inc.addRelated(relatedID) {
			return errNoChange
		}
		inc.appendEntry(TimelineEntry{
			Kind:      EntryRelated,
			Stage:     inc.CurrentStage,
			Message:   "related to incident " + relatedID,
			Timestamp: sm.now(),
		})
		return nil
	})
	if err != nil {
		sm.logger.Warn("Failed to link related incident",
			zap.String("incident_id", id),
			zap.String("related_id", relatedID),
			zap.Error(err),
		)
	}
}

// ManualRequest describes an operator-created incident.
type ManualRequest struct {
	Title      string   `json:"title"`
	Severity   Severity `json:"severity"`
	Confidence float64  `json:"confidence"`
	Resources  []string `json:"resources,omitempty"`
	Actors     []string `json:"actors,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// CreateManual opens an incident without a cluster. Manual incidents count
// as operator-reviewed.
func (sm *StateMachine) CreateManual(ctx context.Context, req ManualRequest) (*Incident, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	severity, ok := ParseSeverity(string(req.Severity))
	if !ok {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, req.Severity)
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence must be in [0,1]", ErrInvalidInput)
	}
	confidence := req.Confidence
	if confidence == 0 {
		confidence = 1
	}

	now := sm.now()
	inc := &Incident{
		ID:           sm.newID(),
		Title:        req.Title,
		Severity:     severity,
		Status:       StatusOpen,
		CurrentStage: StageDetection,
		Confidence:   confidence,
		CreatedAt:    now,
		Reviewed:     true,
	}
	if len(req.Resources) > 0 || len(req.Actors) > 0 {
		inc.Cluster = &correlation.Summary{
			Resources: req.Resources,
			Actors:    req.Actors,
		}
	}
	msg := "created manually"
	if req.Reason != "" {
		msg += ": " + req.Reason
	}
	inc.appendEntry(TimelineEntry{Kind: EntryCreated, Stage: StageDetection, Message: msg, Timestamp: now})

	if err := sm.repo.Create(ctx, inc); err != nil {
		return nil, err
	}
	sm.metrics.ObserveIncidentCreated("manual", string(severity))
	sm.logger.Info("Created manual incident", zap.String("incident_id", inc.ID), zap.String("severity", string(severity)))
	return inc, nil
}

// ApplyTransferOutcome records a finished transfer. The outcome is rejected
// with *InvalidTransitionError when the incident is terminal, the transfer
// does not start at the incident's current stage, or it was already
// applied. On success the incident advances to the transfer's target stage.
func (sm *StateMachine) ApplyTransferOutcome(ctx context.Context, id string, t WorkflowTransfer) (*Incident, error) {
	var before Status
	inc, err := sm.repo.Update(ctx, id, func(inc *Incident) error {
		before = inc.Status
		reject := func(reason string) error {
			return &InvalidTransitionError{IncidentID: inc.ID, Status: inc.Status, Stage: inc.CurrentStage, Reason: reason}
		}
		switch {
		case inc.Terminal():
			return reject("incident is terminal")
		case t.FromStage != inc.CurrentStage:
			return reject(fmt.Sprintf("stale transfer from %s", t.FromStage))
		case t.ToStage != t.FromStage.Next():
			return reject(fmt.Sprintf("%s does not follow %s", t.ToStage, t.FromStage))
		case t.Outcome == "" || t.Outcome == OutcomePending:
			return reject("transfer has no final outcome")
		case inc.hasTransfer(t.ID):
			return reject(fmt.Sprintf("transfer %s already applied", t.ID))
		}

		entry := TimelineEntry{
			Kind:       EntryTransfer,
			FromStage:  t.FromStage,
			Stage:      t.ToStage,
			Outcome:    t.Outcome,
			TransferID: t.ID,
			Attempt:    t.AttemptNumber,
			RetryDelay: t.RetryDelay,
			Message:    t.Error,
			Timestamp:  sm.now(),
		}
		if t.Result != nil {
			entry.Payload = t.Result.Payload
			if entry.Message == "" {
				entry.Message = t.Result.ErrorKind
			}
		}
		inc.appendEntry(entry)

		if t.Outcome != OutcomeSuccess {
			return nil
		}
		inc.CurrentStage = t.ToStage
		if status, ok := StatusAfter(t.ToStage); ok {
			inc.Status = advance(inc.Status, status)
		}
		if t.ToStage == StageAnalysis && t.Result != nil {
			applyHints(inc, t.Result.Payload)
		}
		return nil
	})
	if err != nil {
		return inc, err
	}

	if inc.Status != before {
		sm.metrics.ObserveTransition(string(inc.Status))
	}
	sm.logger.Debug("Applied transfer outcome",
		zap.String("incident_id", inc.ID),
		zap.String("transfer_id", t.ID),
		zap.String("to_stage", string(t.ToStage)),
		zap.String("outcome", string(t.Outcome)),
		zap.String("status", string(inc.Status)),
	)
	return inc, nil
}

// analysisHints are optional refinements an analysis worker may return.
type analysisHints struct {
	Confidence *float64 `json:"confidence"`
	Severity   string   `json:"severity"`
}

func applyHints(inc *Incident, payload json.RawMessage) {
	if len(payload) == 0 {
		return
	}
	var hints analysisHints
	if err := json.Unmarshal(payload, &hints); err != nil {
		return
	}
	if hints.Confidence != nil {
		c := *hints.Confidence
		if c < 0 {
			c = 0
		}
		if c > 1 {
			c = 1
		}
		inc.Confidence = c
	}
	if sev, ok := ParseSeverity(hints.Severity); ok {
		inc.Severity = sev
	}
}

// ForceClose closes an incident regardless of stage. Terminal incidents are
// returned unchanged. Outcomes still in flight are rejected as stale.
func (sm *StateMachine) ForceClose(ctx context.Context, id, reason string) (*Incident, error) {
	changed := false
	inc, err := sm.repo.Update(ctx, id, func(inc *Incident) error {
		if inc.Terminal() {
			return errNoChange
		}
		changed = true
		from := inc.CurrentStage
		inc.Status = StatusClosed
		inc.CurrentStage = StageDone
		inc.PendingReview = false
		inc.appendEntry(TimelineEntry{
			Kind:      EntryOverride,
			FromStage: from,
			Stage:     StageDone,
			Message:   "force close: " + reason,
			Timestamp: sm.now(),
		})
		return nil
	})
	if err != nil || !changed {
		return inc, err
	}
	sm.metrics.ObserveTransition(string(StatusClosed))
	sm.logger.Info("Force closed incident", zap.String("incident_id", id), zap.String("reason", reason))
	return inc, nil
}

// MarkFalsePositive dismisses an open or investigating incident.
func (sm *StateMachine) MarkFalsePositive(ctx context.Context, id, reason string) (*Incident, error) {
	inc, err := sm.repo.Update(ctx, id, func(inc *Incident) error {
		if !CanTransition(inc.Status, StatusFalsePositive) {
			return &InvalidTransitionError{IncidentID: inc.ID, Status: inc.Status, Stage: inc.CurrentStage, Reason: "false positive only from open or investigating"}
		}
		from := inc.CurrentStage
		inc.Status = StatusFalsePositive
		inc.CurrentStage = StageDone
		inc.PendingReview = false
		inc.appendEntry(TimelineEntry{
			Kind:      EntryReview,
			FromStage: from,
			Stage:     StageDone,
			Message:   "false positive: " + reason,
			Timestamp: sm.now(),
		})
		return nil
	})
	if err != nil {
		return inc, err
	}
	sm.metrics.ObserveTransition(string(StatusFalsePositive))
	return inc, nil
}

// FlagForReview places a low-confidence incident in the false positive
// review queue. It is a no-op when already queued.
func (sm *StateMachine) FlagForReview(ctx context.Context, id, reason string) (*Incident, error) {
	return sm.repo.Update(ctx, id, func(inc *Incident) error {
		if inc.Terminal() {
			return &InvalidTransitionError{IncidentID: inc.ID, Status: inc.Status, Stage: inc.CurrentStage, Reason: "incident is terminal"}
		}
		if inc.PendingReview {
			return errNoChange
		}
		inc.PendingReview = true
		inc.appendEntry(TimelineEntry{
			Kind:      EntryReview,
			Stage:     inc.CurrentStage,
			Message:   "queued for false positive review: " + reason,
			Timestamp: sm.now(),
		})
		return nil
	})
}

// ConfirmReview marks an incident as a genuine threat so routing no longer
// sends it to review.
func (sm *StateMachine) ConfirmReview(ctx context.Context, id, note string) (*Incident, error) {
	return sm.repo.Update(ctx, id, func(inc *Incident) error {
		if inc.Terminal() {
			return &InvalidTransitionError{IncidentID: inc.ID, Status: inc.Status, Stage: inc.CurrentStage, Reason: "incident is terminal"}
		}
		if inc.Reviewed && !inc.PendingReview {
			return errNoChange
		}
		inc.Reviewed = true
		inc.PendingReview = false
		msg := "review confirmed"
		if note != "" {
			msg += ": " + note
		}
		inc.appendEntry(TimelineEntry{Kind: EntryReview, Stage: inc.CurrentStage, Message: msg, Timestamp: sm.now()})
		return nil
	})
}

// MarkManualReview parks an incident whose transfers exhausted their
// retries: open or investigating incidents become contained and the
// manual review flag is set.
func (sm *StateMachine) MarkManualReview(ctx context.Context, id, reason string) (*Incident, error) {
	var before Status
	changed := false
	inc, err := sm.repo.Update(ctx, id, func(inc *Incident) error {
		before = inc.Status
		if inc.Terminal() {
			return &InvalidTransitionError{IncidentID: inc.ID, Status: inc.Status, Stage: inc.CurrentStage, Reason: "incident is terminal"}
		}
		if inc.RequiresManualReview {
			return errNoChange
		}
		changed = true
		inc.RequiresManualReview = true
		if inc.Status == StatusOpen || inc.Status == StatusInvestigating {
			inc.Status = StatusContained
		}
		inc.appendEntry(TimelineEntry{
			Kind:      EntryManualReview,
			Stage:     inc.CurrentStage,
			Message:   "requires_manual_review: " + reason,
			Timestamp: sm.now(),
		})
		return nil
	})
	if err != nil || !changed {
		return inc, err
	}
	if inc.Status != before {
		sm.metrics.ObserveTransition(string(inc.Status))
	}
	sm.logger.Warn("Incident requires manual review",
		zap.String("incident_id", id),
		zap.String("stage", string(inc.CurrentStage)),
		zap.String("reason", reason),
	)
	return inc, nil
}

// Resume clears the manual review flag so routing picks the incident up
// again.
func (sm *StateMachine) Resume(ctx context.Context, id, note string) (*Incident, error) {
	return sm.repo.Update(ctx, id, func(inc *Incident) error {
		if inc.Terminal() {
			return &InvalidTransitionError{IncidentID: inc.ID, Status: inc.Status, Stage: inc.CurrentStage, Reason: "incident is terminal"}
		}
		if !inc.RequiresManualReview {
			return errNoChange
		}
		inc.RequiresManualReview = false
		msg := "resumed"
		if note != "" {
			msg += ": " + note
		}
		inc.appendEntry(TimelineEntry{Kind: EntryResume, Stage: inc.CurrentStage, Message: msg, Timestamp: sm.now()})
		return nil
	})
}

// Get loads an incident.
func (sm *StateMachine) Get(ctx context.Context, id string) (*Incident, error) {
	return sm.repo.Get(ctx, id)
}

// ListActive returns incidents the router should consider, oldest first.
func (sm *StateMachine) ListActive(ctx context.Context) ([]*Incident, error) {
	return sm.repo.ListNonTerminal(ctx, (*Incident).Active)
}

// List returns incidents with the given status, or all when status is "".
func (sm *StateMachine) List(ctx context.Context, status Status) ([]*Incident, error) {
	if status == "" {
		return sm.repo.List(ctx, nil)
	}
	return sm.repo.List(ctx, func(inc *Incident) bool { return inc.Status == status })
}

// ReviewQueue returns incidents waiting for false positive review.
func (sm *StateMachine) ReviewQueue(ctx context.Context) ([]*Incident, error) {
	return sm.repo.ListNonTerminal(ctx, func(inc *Incident) bool { return inc.PendingReview })
}

func clusterTitle(snap correlation.Snapshot) string {
	types := snap.EventTypes()
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}
	resources := snap.Resources()
	if len(resources) > 3 {
		resources = append(resources[:3:3], fmt.Sprintf("+%d more", len(snap.Resources())-3))
	}
	return fmt.Sprintf("%s on %s", strings.Join(names, " -> "), strings.Join(resources, ", "))
}

func mergeSummary(dst *correlation.Summary, src correlation.Summary) {
	dst.EventCount += src.EventCount
	dst.Resources = union(dst.Resources, src.Resources)
	dst.Actors = union(dst.Actors, src.Actors)
	sort.Strings(dst.Resources)
	sort.Strings(dst.Actors)
	dst.Tactics = union(dst.Tactics, src.Tactics)
	seen := make(map[telemetry.EventType]bool, len(dst.EventTypes))
	for _, t := range dst.EventTypes {
		seen[t] = true
	}
	for _, t := range src.EventTypes {
		if !seen[t] {
			seen[t] = true
			dst.EventTypes = append(dst.EventTypes, t)
		}
	}
	if src.WindowStart.Before(dst.WindowStart) {
		dst.WindowStart = src.WindowStart
	}
	if src.WindowEnd.After(dst.WindowEnd) {
		dst.WindowEnd = src.WindowEnd
	}
	if src.Confidence > dst.Confidence {
		dst.Confidence = src.Confidence
	}
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func union(a, b []string) []string {
	out := append([]string{}, a...)
	for _, y := range b {
		if !contains(out, y) {
			out = append(out, y)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
