// Package orchestrator runs the control loop that moves events into
// clusters, clusters into incidents and incidents through the response
// stages.
package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/incident"
	"github.com/lvonguyen/incidentforge/internal/observability"
	"github.com/lvonguyen/incidentforge/internal/resilience"
	"github.com/lvonguyen/incidentforge/internal/routing"
	"github.com/lvonguyen/incidentforge/internal/stages"
	"github.com/lvonguyen/incidentforge/internal/store"
	"github.com/lvonguyen/incidentforge/internal/telemetry/correlation"
	"github.com/lvonguyen/incidentforge/internal/telemetry/ingestion"
)

// Config holds loop scheduling settings.
type Config struct {
	ScanInterval time.Duration `yaml:"scan_interval"`
	Workers      int           `yaml:"workers"`
	DrainBatch   int           `yaml:"drain_batch"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ScanInterval: 5 * time.Second,
		Workers:      16,
		DrainBatch:   5000,
		StoreTimeout: 5 * time.Second,
	}
}

// Deps are the components the loop drives.
type Deps struct {
	Buffer   *ingestion.Buffer
	Engine   *correlation.Engine
	Machine  *incident.StateMachine
	Router   *routing.Router
	Breakers *resilience.Registry
	Stages   *stages.Table
	Store    store.Store
}

// TickStats summarizes one tick.
type TickStats struct {
	Events     int `json:"events"`
	Claimed    int `json:"claimed"`
	Expired    int `json:"expired"`
	HandedOff  int `json:"handed_off"`
	Requeued   int `json:"requeued"`
	Routed     int `json:"routed"`
	Dispatched int `json:"dispatched"`
}

// Loop is the orchestration loop. Work on different incidents runs in
// parallel on a bounded pool; an incident is never dispatched twice at
// once.
type Loop struct {
	config Config
	deps   Deps
	logger *zap.Logger

	metrics *observability.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	slots chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]string // incident id -> transfer id
	last     TickStats
}

// Option customizes a Loop.
type Option func(*Loop)

// WithClock sets the clock passed to cluster expiry and batch flushing.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithTracer sets the tracer for dispatch spans.
func WithTracer(t trace.Tracer) Option {
	return func(l *Loop) { l.tracer = t }
}

// New creates a loop over deps.
func New(cfg Config, deps Deps, logger *zap.Logger, opts ...Option) *Loop {
	def := DefaultConfig()
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = def.DrainBatch
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}

	l := &Loop{
		config:   cfg,
		deps:     deps,
		logger:   logger.Named("orchestrator"),
		tracer:   otel.Tracer("incidentforge/orchestrator"),
		now:      time.Now,
		slots:    make(chan struct{}, cfg.Workers),
		inflight: make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run ticks until ctx is cancelled, then waits for in-flight dispatches.
// Besides the scan interval, a tick is triggered early when a cluster
// closes or a batch window or retry backoff elapses.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.config.ScanInterval)
	defer ticker.Stop()

	l.logger.Info("Orchestration loop started",
		zap.Duration("scan_interval", l.config.ScanInterval),
		zap.Int("workers", l.config.Workers),
	)
	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.Wait()
			l.logger.Info("Orchestration loop stopped")
			return nil
		case <-ticker.C:
		case <-l.deps.Engine.Notify():
		case <-l.deps.Router.Wake():
		}
		l.Tick(ctx)
	}
}

// Wait blocks until every dispatched transfer has finished.
func (l *Loop) Wait() {
	l.wg.Wait()
}

// InFlight returns the incidents with a transfer outstanding.
func (l *Loop) InFlight() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.inflight))
	for id, tid := range l.inflight {
		out[id] = tid
	}
	return out
}

// LastTick returns the stats of the most recent tick.
func (l *Loop) LastTick() TickStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Tick runs one scheduling pass. Dispatches started by the tick continue
// in the background; use Wait to join them.
func (l *Loop) Tick(ctx context.Context) TickStats {
	start := time.Now()
	var stats TickStats

	var claimed []correlation.Snapshot
	stats.Events, claimed = l.correlate(ctx)
	stats.Claimed = len(claimed)
	stats.Expired = l.deps.Engine.ExpireDue(l.now())
	stats.HandedOff, stats.Requeued = l.handOff(ctx, claimed)
	l.deps.Router.FlushDue(l.now())
	stats.Routed, stats.Dispatched = l.schedule(ctx)

	l.mu.Lock()
	l.last = stats
	inflight := len(l.inflight)
	l.mu.Unlock()
	l.metrics.ObserveTick(time.Since(start), inflight)

	if stats.Events > 0 || stats.HandedOff > 0 || stats.Dispatched > 0 {
		l.logger.Debug("Tick complete",
			zap.Int("events", stats.Events),
			zap.Int("handed_off", stats.HandedOff),
			zap.Int("dispatched", stats.Dispatched),
			zap.Duration("duration", time.Since(start)),
		)
	}
	return stats
}

// correlate drains the buffer into the engine and checkpoints the open
// clusters that changed. Changed clusters that already warrant escalation
// are claimed and returned for hand-off instead of waiting for the window.
func (l *Loop) correlate(ctx context.Context) (int, []correlation.Snapshot) {
	events := l.deps.Buffer.Drain(l.config.DrainBatch)
	if len(events) == 0 {
		return 0, nil
	}
	touched := make(map[string]struct{})
	for _, ev := range events {
		a := l.deps.Engine.Process(ctx, ev)
		if !a.Closed {
			touched[a.ClusterID] = struct{}{}
		}
	}

	var claimed []correlation.Snapshot
	for _, snap := range l.deps.Engine.Snapshots() {
		if _, ok := touched[snap.ID]; !ok {
			continue
		}
		if !l.escalates(snap) {
			l.checkpoint(ctx, snap)
			continue
		}
		c, err := l.deps.Engine.Claim(snap.ID)
		if err != nil {
			// closed concurrently; the closed queue has it
			continue
		}
		l.logger.Info("Claimed cluster for early hand-off",
			zap.String("cluster_id", c.ID),
			zap.String("severity", c.Severity()),
			zap.Float64("confidence", c.CombinedConfidence),
		)
		claimed = append(claimed, c)
	}
	return len(events), claimed
}

// escalates reports whether an open cluster is urgent and confident enough
// to be routed for escalation now.
func (l *Loop) escalates(snap correlation.Snapshot) bool {
	if snap.Joins == 0 {
		return false
	}
	sev, ok := incident.ParseSeverity(snap.Severity())
	if !ok || !sev.Urgent() {
		return false
	}
	return snap.CombinedConfidence+1e-9 >= l.deps.Router.Config().EscalationThreshold
}

// handOff gives claimed and closed clusters to the state machine. Clusters
// that hit a storage error go back to the engine queue for the next tick.
func (l *Loop) handOff(ctx context.Context, claimed []correlation.Snapshot) (int, int) {
	closed := append(claimed, l.deps.Engine.TakeClosed()...)
	var retry []correlation.Snapshot
	handed := 0
	for _, snap := range closed {
		l.checkpoint(ctx, snap)

		sctx, cancel := context.WithTimeout(ctx, l.config.StoreTimeout)
		inc, err := l.deps.Machine.CreateFromCluster(sctx, snap)
		cancel()
		switch {
		case err == nil, incident.IsDuplicateCluster(err):
			handed++
			l.deleteCheckpoint(ctx, snap.ID)
			l.logger.Info("Cluster handed off",
				zap.String("cluster_id", snap.ID),
				zap.String("incident_id", inc.ID),
				zap.Bool("merged", err != nil),
			)
		case errors.Is(err, incident.ErrInvalidInput):
			l.deleteCheckpoint(ctx, snap.ID)
			l.logger.Warn("Dropped unusable cluster", zap.String("cluster_id", snap.ID), zap.Error(err))
		default:
			retry = append(retry, snap)
			l.logger.Warn("Cluster hand-off failed, will retry",
				zap.String("cluster_id", snap.ID),
				zap.Error(err),
			)
		}
	}
	l.deps.Engine.Requeue(retry...)
	return handed, len(retry)
}

// schedule routes every active incident that has nothing in flight.
func (l *Loop) schedule(ctx context.Context) (int, int) {
	sctx, cancel := context.WithTimeout(ctx, l.config.StoreTimeout)
	active, err := l.deps.Machine.ListActive(sctx)
	cancel()
	if err != nil {
		l.logger.Warn("Failed to list active incidents", zap.Error(err))
		return 0, 0
	}
	// urgent incidents claim pool slots first
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Severity.Rank() > active[j].Severity.Rank()
	})

	routed, dispatched := 0, 0
	for _, inc := range active {
		if l.isInFlight(inc.ID) {
			continue
		}
		d := l.deps.Router.Route(inc)
		routed++
		switch d.Kind {
		case routing.KindReview:
			l.update(ctx, inc.ID, "flag for review", func(ctx context.Context) error {
				_, err := l.deps.Machine.FlagForReview(ctx, inc.ID, "confidence below review threshold")
				return err
			})
		case routing.KindNoOp:
			if d.Reason == routing.ReasonRetriesExhausted {
				l.update(ctx, inc.ID, "mark manual review", func(ctx context.Context) error {
					_, err := l.deps.Machine.MarkManualReview(ctx, inc.ID, "retries exhausted")
					return err
				})
			}
		case routing.KindTransfer:
			if d.Transfer.ToStage == incident.StageDone {
				l.completeLocally(ctx, *d.Transfer)
				continue
			}
			if l.dispatch(ctx, *d.Transfer) {
				dispatched++
			}
		}
	}
	return routed, dispatched
}

func (l *Loop) update(ctx context.Context, id, action string, fn func(context.Context) error) {
	sctx, cancel := context.WithTimeout(ctx, l.config.StoreTimeout)
	defer cancel()
	if err := fn(sctx); err != nil {
		l.logger.Warn("Incident update failed",
			zap.String("incident_id", id),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (l *Loop) isInFlight(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.inflight[id]
	return ok
}

// completeLocally closes out the final hop, which needs no worker.
func (l *Loop) completeLocally(ctx context.Context, t incident.WorkflowTransfer) {
	t.Outcome = incident.OutcomeSuccess
	t.Result = &incident.TransferResult{Success: true}
	if l.apply(ctx, t) {
		l.deps.Router.RecordSuccess(t.IncidentID)
	}
}

// dispatch hands t to the pool. It reports false when the pool is full;
// the incident is routed again next tick.
func (l *Loop) dispatch(ctx context.Context, t incident.WorkflowTransfer) bool {
	select {
	case l.slots <- struct{}{}:
	default:
		return false
	}

	l.mu.Lock()
	l.inflight[t.IncidentID] = t.ID
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer func() {
			l.mu.Lock()
			delete(l.inflight, t.IncidentID)
			l.mu.Unlock()
			<-l.slots
			l.wg.Done()
		}()
		l.execute(ctx, t)
	}()
	return true
}
