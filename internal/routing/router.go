// Package routing decides the next hop for an incident: immediate
// transfer, batched transfer, false positive review, or nothing yet.
package routing

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/incident"
	"github.com/lvonguyen/incidentforge/internal/observability"
	"github.com/lvonguyen/incidentforge/internal/resilience"
)

// ErrMaxRetriesExceeded is returned by RecordFailure once an incident used
// up its attempts at a stage.
var ErrMaxRetriesExceeded = errors.New("routing: max retries exceeded")

// Config holds routing thresholds and retry policy.
type Config struct {
	LowConfidenceThreshold float64       `yaml:"low_confidence_threshold"`
	EscalationThreshold    float64       `yaml:"escalation_threshold"`
	AutoRemediateThreshold float64       `yaml:"auto_remediate_threshold"`
	BatchWindow            time.Duration `yaml:"batch_window"`
	MaxRetries             int           `yaml:"max_retries"`
	BaseDelay              time.Duration `yaml:"base_delay"`
	MaxDelay               time.Duration `yaml:"max_delay"`
}

// DefaultConfig returns the documented starting points.
func DefaultConfig() Config {
	return Config{
		LowConfidenceThreshold: 0.3,
		EscalationThreshold:    0.8,
		AutoRemediateThreshold: 0.9,
		BatchWindow:            5 * time.Minute,
		MaxRetries:             3,
		BaseDelay:              5 * time.Second,
		MaxDelay:               5 * time.Minute,
	}
}

// Kind is the type of routing decision.
type Kind string

const (
	KindTransfer Kind = "transfer"
	KindReview   Kind = "review"
	KindNoOp     Kind = "noop"
)

// Reason explains a decision.
type Reason string

const (
	ReasonEscalated        Reason = "escalated"
	ReasonBatchReleased    Reason = "batch_released"
	ReasonLocal            Reason = "local"
	ReasonLowConfidence    Reason = "low_confidence"
	ReasonBatched          Reason = "batched"
	ReasonCircuitOpen      Reason = "circuit_open"
	ReasonBackoff          Reason = "backoff"
	ReasonTerminal         Reason = "terminal"
	ReasonManualReview     Reason = "manual_review"
	ReasonPendingReview    Reason = "pending_review"
	ReasonRetriesExhausted Reason = "retries_exhausted"
)

// Decision is the result of Route. Transfer is set only for KindTransfer.
type Decision struct {
	Kind     Kind
	Reason   Reason
	Transfer *incident.WorkflowTransfer
}

// CircuitChecker reports whether a stage is currently rejecting work.
type CircuitChecker interface {
	IsOpen(stage string) bool
}

// PlaybookSelector picks the response playbook and notification plan for
// an incident.
type PlaybookSelector interface {
	Select(inc *incident.Incident) (*incident.PlaybookRef, *incident.NotifyPlan)
}

type retryState struct {
	stage    incident.Stage
	attempts int
	nextAt   time.Time
	// seq of the latest resume or manual review entry accounted for
	resetSeq int
}

// Router implements the routing policy. Retry and batch state is kept per
// incident so one incident's backoff never delays another.
type Router struct {
	config    Config
	breakers  CircuitChecker
	playbooks PlaybookSelector
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	newID     func() string

	mu       sync.Mutex
	retries  map[string]*retryState
	batches  map[incident.Severity]*batch
	queued   map[string]incident.Severity
	released map[string]bool

	wake chan struct{}
}

// Option customizes a Router.
type Option func(*Router)

// WithClock sets the clock used for backoff and batch windows.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithPlaybooks attaches a playbook selector for context payloads.
func WithPlaybooks(p PlaybookSelector) Option {
	return func(r *Router) { r.playbooks = p }
}

// WithIDGenerator overrides transfer id generation.
func WithIDGenerator(fn func() string) Option {
	return func(r *Router) { r.newID = fn }
}

// NewRouter creates a router. breakers may be nil.
func NewRouter(cfg Config, breakers CircuitChecker, logger *zap.Logger, opts ...Option) *Router {
	def := DefaultConfig()
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = def.BatchWindow
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}

	r := &Router{
		config:   cfg,
		breakers: breakers,
		logger:   logger.Named("router"),
		now:      time.Now,
		newID:    uuid.NewString,
		retries:  make(map[string]*retryState),
		batches:  make(map[incident.Severity]*batch),
		queued:   make(map[string]incident.Severity),
		released: make(map[string]bool),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *Router) Config() Config {
	return r.config
}

// Wake is signalled when a batch window or a retry backoff elapses.
func (r *Router) Wake() <-chan struct{} {
	return r.wake
}

func (r *Router) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Route decides what to do with inc now.
func (r *Router) Route(inc *incident.Incident) Decision {
	d := r.route(inc)
	r.metrics.ObserveDecision(string(d.Kind), string(d.Reason))
	return d
}

func (r *Router) route(inc *incident.Incident) Decision {
	switch {
	case !inc.Active():
		r.Forget(inc.ID)
		return noop(ReasonTerminal)
	case inc.RequiresManualReview:
		return noop(ReasonManualReview)
	case inc.PendingReview:
		return noop(ReasonPendingReview)
	}

	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	rs := r.retryStateLocked(inc)
	if rs.attempts >= r.config.MaxRetries {
		return noop(ReasonRetriesExhausted)
	}
	if now.Before(rs.nextAt) {
		return noop(ReasonBackoff)
	}

	if !inc.Reviewed && inc.Confidence < r.config.LowConfidenceThreshold {
		r.dequeueLocked(inc.ID)
		return Decision{Kind: KindReview, Reason: ReasonLowConfidence}
	}

	target := inc.CurrentStage.Next()
	if target == incident.StageDone {
		return r.transferLocked(inc, target, rs, ReasonLocal, now)
	}

	reason := ReasonEscalated
	if !inc.Severity.Urgent() || inc.Confidence < r.config.EscalationThreshold {
		if !r.released[inc.ID] {
			r.enqueueLocked(inc.ID, inc.Severity, now)
			return noop(ReasonBatched)
		}
		reason = ReasonBatchReleased
	}

	if r.breakers != nil && r.breakers.IsOpen(string(target)) {
		return noop(ReasonCircuitOpen)
	}
	r.dequeueLocked(inc.ID)
	return r.transferLocked(inc, target, rs, reason, now)
}

func noop(reason Reason) Decision {
	return Decision{Kind: KindNoOp, Reason: reason}
}

func (r *Router) transferLocked(inc *incident.Incident, target incident.Stage, rs *retryState, reason Reason, now time.Time) Decision {
	t := &incident.WorkflowTransfer{
		ID:            r.newID(),
		IncidentID:    inc.ID,
		FromStage:     inc.CurrentStage,
		ToStage:       target,
		Context:       r.buildContext(inc, target),
		AttemptNumber: rs.attempts + 1,
		CreatedAt:     now,
		Outcome:       incident.OutcomePending,
	}
	return Decision{Kind: KindTransfer, Reason: reason, Transfer: t}
}

func (r *Router) buildContext(inc *incident.Incident, target incident.Stage) incident.ContextPayload {
	payload := incident.ContextPayload{
		Version:    incident.ContextVersion,
		IncidentID: inc.ID,
		Title:      inc.Title,
		Severity:   inc.Severity,
		Confidence: inc.Confidence,
		Stage:      target,
		Cluster:    inc.Cluster,
	}
	if prior := inc.SuccessfulResults(); len(prior) > 0 {
		payload.PriorResults = prior
	}
	if r.playbooks != nil {
		pb, notify := r.playbooks.Select(inc)
		payload.Playbook = pb
		if target == incident.StageCommunication {
			payload.Notify = notify
		}
	}
	if target == incident.StageRemediation {
		if inc.Severity.Urgent() && inc.Confidence >= r.config.AutoRemediateThreshold {
			payload.AutoRemediate = true
		} else {
			payload.RequiresApproval = true
		}
	}
	return payload
}

// retryStateLocked returns the retry state for inc's current stage,
// rebuilding it from the timeline when unknown or when a resume or manual
// review was committed after it was cached; caller holds r.mu.
func (r *Router) retryStateLocked(inc *incident.Incident) *retryState {
	if rs, ok := r.retries[inc.ID]; ok && rs.stage == inc.CurrentStage && rs.resetSeq >= lastResetSeq(inc) {
		return rs
	}
	rs := recoverRetryState(inc)
	r.retries[inc.ID] = rs
	return rs
}

// recoverRetryState counts failed attempts at the current stage since the
// last success, resume or manual review marker.
func recoverRetryState(inc *incident.Incident) *retryState {
	rs := &retryState{stage: inc.CurrentStage}
	for _, e := range inc.Timeline {
		switch e.Kind {
		case incident.EntryResume, incident.EntryManualReview:
			rs.attempts = 0
			rs.nextAt = time.Time{}
			rs.resetSeq = e.Seq
		case incident.EntryTransfer:
			if e.FromStage != inc.CurrentStage {
				continue
			}
			switch e.Outcome {
			case incident.OutcomeSuccess:
				rs.attempts = 0
				rs.nextAt = time.Time{}
			case incident.OutcomeFailed:
				rs.attempts++
				rs.nextAt = e.Timestamp.Add(e.RetryDelay)
			}
		}
	}
	return rs
}

func lastResetSeq(inc *incident.Incident) int {
	for i := len(inc.Timeline) - 1; i >= 0; i-- {
		switch inc.Timeline[i].Kind {
		case incident.EntryResume, incident.EntryManualReview:
			return inc.Timeline[i].Seq
		}
	}
	return 0
}

// RecordFailure books a failed attempt for the incident at stage and
// returns the delay before the next attempt. Once the incident has used
// MaxRetries attempts it returns ErrMaxRetriesExceeded.
func (r *Router) RecordFailure(id string, stage incident.Stage) (time.Duration, error) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.retries[id]
	if !ok || rs.stage != stage {
		// resetSeq stays 0, so the next Route rebuilds from the timeline
		rs = &retryState{stage: stage}
		r.retries[id] = rs
	}
	rs.attempts++
	if rs.attempts >= r.config.MaxRetries {
		delete(r.retries, id)
		delete(r.released, id)
		return 0, fmt.Errorf("%w: %d attempts at %s", ErrMaxRetriesExceeded, rs.attempts, stage)
	}

	delay := resilience.Backoff(r.config.BaseDelay, r.config.MaxDelay, rs.attempts)
	rs.nextAt = now.Add(delay)
	time.AfterFunc(delay, r.signal)
	r.logger.Debug("Scheduled retry",
		zap.String("incident_id", id),
		zap.String("stage", string(stage)),
		zap.Int("attempt", rs.attempts),
		zap.Duration("delay", delay),
	)
	return delay, nil
}

// RecordSuccess clears retry and batch state after a successful hop.
func (r *Router) RecordSuccess(id string) {
	r.mu.Lock()
	delete(r.retries, id)
	delete(r.released, id)
	r.mu.Unlock()
}

// Forget drops all state for an incident.
func (r *Router) Forget(id string) {
	r.mu.Lock()
	delete(r.retries, id)
	delete(r.released, id)
	r.dequeueLocked(id)
	r.mu.Unlock()
}

// Retrying returns the next permitted attempt time for incidents in
// backoff.
func (r *Router) Retrying() map[string]time.Time {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Time)
	for id, rs := range r.retries {
		if rs.nextAt.After(now) {
			out[id] = rs.nextAt
		}
	}
	return out
}
