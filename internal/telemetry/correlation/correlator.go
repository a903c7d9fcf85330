// Package correlation groups security events into incident clusters using
// four independent scoring passes (temporal, spatial, causal, actor) and a
// weighted combined confidence. Given the same ordered event sequence and
// configuration, cluster membership and confidence are reproducible.
package correlation

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/enrichment"
	"github.com/lvonguyen/incidentforge/internal/mitre"
	"github.com/lvonguyen/incidentforge/internal/observability"
	"github.com/lvonguyen/incidentforge/internal/telemetry"
)

var (
	// ErrClusterNotFound is returned when no open cluster has the given id
	ErrClusterNotFound = errors.New("correlation: cluster not found")
	// ErrClusterClosed is returned when claiming a cluster that already closed
	ErrClusterClosed = errors.New("correlation: cluster already closed")
)

// joinEpsilon absorbs float rounding in the threshold comparison.
const joinEpsilon = 1e-9

const lockStripes = 256

// Config holds configuration for the correlation engine
type Config struct {
	Window           time.Duration       `yaml:"window"`
	JoinThreshold    float64             `yaml:"join_threshold"`
	MaxRelatedEvents int                 `yaml:"max_related_events"`
	Weights          Scores              `yaml:"weights"`
	ResourceGroups   map[string][]string `yaml:"resource_groups"`
	CausalPairs      []CausalPair        `yaml:"causal_pairs"`
}

// DefaultConfig returns the documented starting points.
func DefaultConfig() Config {
	return Config{
		Window:           time.Hour,
		JoinThreshold:    0.6,
		MaxRelatedEvents: 50,
		Weights:          Scores{Temporal: 0.3, Spatial: 0.2, Causal: 0.3, Actor: 0.2},
		CausalPairs:      DefaultCausalPairs(),
	}
}

// Assignment reports where Process placed an event.
type Assignment struct {
	ClusterID  string
	Opened     bool    // the event founded a new cluster
	Closed     bool    // the cluster saturated with this event
	Confidence float64 // per-join combined score; 0 for a founding event
}

// Engine is the correlation engine.
type Engine struct {
	config   Config
	causal   map[CausalPair]struct{}
	groupsOf map[string][]string // resource -> group names
	aliases  enrichment.AliasResolver
	attack   *mitre.AttackFramework
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	newID    func() string

	stripes [lockStripes]sync.Mutex
	seq     atomic.Uint64

	mu   sync.RWMutex
	open map[string]*Cluster

	closedMu sync.Mutex
	closed   []Snapshot

	notify chan struct{}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock sets the clock used for cluster open/close times.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithIDGenerator overrides cluster id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine creates a correlation engine. aliases and attack may be nil.
func NewEngine(cfg Config, aliases enrichment.AliasResolver, attack *mitre.AttackFramework, logger *zap.Logger, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.JoinThreshold <= 0 {
		cfg.JoinThreshold = def.JoinThreshold
	}
	if cfg.MaxRelatedEvents <= 0 {
		cfg.MaxRelatedEvents = def.MaxRelatedEvents
	}
	if cfg.Weights == (Scores{}) {
		cfg.Weights = def.Weights
	}
	if cfg.CausalPairs == nil {
		cfg.CausalPairs = def.CausalPairs
	}

	e := &Engine{
		config:   cfg,
		causal:   make(map[CausalPair]struct{}, len(cfg.CausalPairs)),
		groupsOf: make(map[string][]string),
		aliases:  aliases,
		attack:   attack,
		logger:   logger.Named("correlation"),
		now:      time.Now,
		newID:    uuid.NewString,
		open:     make(map[string]*Cluster),
		notify:   make(chan struct{}, 1),
	}
	for _, p := range cfg.CausalPairs {
		e.causal[p] = struct{}{}
	}
	for group, resources := range cfg.ResourceGroups {
		for _, r := range resources {
			e.groupsOf[r] = append(e.groupsOf[r], group)
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Notify is signalled (non-blocking) whenever a cluster closes.
func (e *Engine) Notify() <-chan struct{} {
	return e.notify
}

// Process assigns ev to the best open cluster or opens a new one. Events
// with the same (resource, actor) key are serialized in arrival order.
func (e *Engine) Process(ctx context.Context, ev telemetry.Event) Assignment {
	stripe := &e.stripes[xxhash.Sum64String(ev.Key())%lockStripes]
	stripe.Lock()
	defer stripe.Unlock()

	for {
		best, scores, ok := e.bestCandidate(ctx, ev)
		if !ok {
			return e.openCluster(ev)
		}

		best.mu.Lock()
		if best.state != StateOpen || len(best.events) >= e.config.MaxRelatedEvents {
			// closed or filled by another key since scoring; rescore
			best.mu.Unlock()
			continue
		}
		best.append(ev)
		best.sums = best.sums.add(scores)
		best.joins++
		combined := e.config.Weights.Combine(scores)
		saturated := len(best.events) >= e.config.MaxRelatedEvents
		var snap Snapshot
		if saturated {
			snap = e.closeLocked(best, CloseSaturated)
		}
		best.mu.Unlock()

		e.metrics.ObserveCorrelated(false)
		if saturated {
			e.finishClose(snap)
		}
		return Assignment{ClusterID: best.id, Closed: saturated, Confidence: combined}
	}
}

// bestCandidate scores ev against every open cluster and returns the one
// with the highest combined score above the join threshold. Ties go to the
// earliest opened cluster.
func (e *Engine) bestCandidate(ctx context.Context, ev telemetry.Event) (*Cluster, Scores, bool) {
	e.mu.RLock()
	candidates := make([]*Cluster, 0, len(e.open))
	for _, c := range e.open {
		candidates = append(candidates, c)
	}
	e.mu.RUnlock()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })

	var (
		best       *Cluster
		bestScores Scores
		bestValue  = -1.0
	)
	for _, c := range candidates {
		c.mu.Lock()
		if c.state != StateOpen || len(c.events) >= e.config.MaxRelatedEvents {
			c.mu.Unlock()
			continue
		}
		s := e.score(ctx, c, ev)
		c.mu.Unlock()

		v := e.config.Weights.Combine(s)
		if v <= e.config.JoinThreshold+joinEpsilon {
			continue
		}
		if v > bestValue+joinEpsilon {
			best, bestScores, bestValue = c, s, v
		}
	}
	return best, bestScores, best != nil
}

// score computes the four dimension scores of ev against c; caller holds c.mu.
func (e *Engine) score(ctx context.Context, c *Cluster, ev telemetry.Event) Scores {
	return Scores{
		Temporal: e.temporalScore(c, ev),
		Spatial:  e.spatialScore(c, ev),
		Causal:   e.causalScore(c, ev),
		Actor:    e.actorScore(ctx, c, ev),
	}
}

// temporalScore is 1 within the window of the cluster's most recent member
// and decays linearly to 0 at twice the window.
func (e *Engine) temporalScore(c *Cluster, ev telemetry.Event) float64 {
	gap := math.Abs(float64(ev.Timestamp.Sub(c.latest)))
	w := float64(e.config.Window)
	switch {
	case gap <= w:
		return 1
	case gap >= 2*w:
		return 0
	}
	return 1 - (gap-w)/w
}

func (e *Engine) spatialScore(c *Cluster, ev telemetry.Event) float64 {
	if _, ok := c.resources[ev.Resource]; ok {
		return 1
	}
	for _, g := range e.groupsOf[ev.Resource] {
		for r := range c.resources {
			for _, rg := range e.groupsOf[r] {
				if rg == g {
					return 1
				}
			}
		}
	}
	return 0
}

// causalScore is 1 when some member precedes ev within the window and the
// (member type, event type) pair is a known progression.
func (e *Engine) causalScore(c *Cluster, ev telemetry.Event) float64 {
	for _, m := range c.events {
		if _, ok := e.causal[CausalPair{From: m.EventType, To: ev.EventType}]; !ok {
			continue
		}
		d := ev.Timestamp.Sub(m.Timestamp)
		if d >= 0 && d <= e.config.Window {
			return 1
		}
	}
	return 0
}

func (e *Engine) actorScore(ctx context.Context, c *Cluster, ev telemetry.Event) float64 {
	if ev.Actor == "" {
		return 0
	}
	if _, ok := c.actors[ev.Actor]; ok {
		return 1
	}
	if e.aliases == nil {
		return 0
	}
	actors := make([]string, 0, len(c.actors))
	for a := range c.actors {
		actors = append(actors, a)
	}
	sort.Strings(actors)
	for _, a := range actors {
		if e.aliases.Aliased(ctx, a, ev.Actor) {
			return 0.5
		}
	}
	return 0
}

func (e *Engine) openCluster(ev telemetry.Event) Assignment {
	c := newCluster(e.newID(), e.seq.Add(1), e.now(), ev)

	if e.config.MaxRelatedEvents <= 1 {
		c.mu.Lock()
		snap := e.closeLocked(c, CloseSaturated)
		c.mu.Unlock()
		e.metrics.ObserveCorrelated(true)
		e.finishClose(snap)
		return Assignment{ClusterID: c.id, Opened: true, Closed: true}
	}

	c.timer = time.AfterFunc(e.config.Window, func() { e.expire(c.id) })

	e.mu.Lock()
	e.open[c.id] = c
	open := len(e.open)
	e.mu.Unlock()

	e.metrics.ObserveCorrelated(true)
	e.metrics.SetOpenClusters(open)
	e.logger.Debug("Opened cluster",
		zap.String("cluster_id", c.id),
		zap.String("resource", ev.Resource),
		zap.String("actor", ev.Actor),
	)
	return Assignment{ClusterID: c.id, Opened: true}
}

// closeLocked freezes c; caller holds c.mu.
func (e *Engine) closeLocked(c *Cluster, reason CloseReason) Snapshot {
	c.state = StateClosed
	c.reason = reason
	c.closedAt = e.now()
	if c.timer != nil {
		c.timer.Stop()
	}
	snap := c.snapshot(e.config.Weights)
	if e.attack != nil {
		snap.Tactics = e.attack.TacticChain(snap.EventTypes())
	}
	return snap
}

// finishClose removes a closed cluster from the index and, unless claimed,
// queues it for hand-off.
func (e *Engine) finishClose(snap Snapshot) {
	e.mu.Lock()
	delete(e.open, snap.ID)
	open := len(e.open)
	e.mu.Unlock()
	e.metrics.SetOpenClusters(open)

	if snap.CloseReason != CloseClaimed {
		e.closedMu.Lock()
		e.closed = append(e.closed, snap)
		e.closedMu.Unlock()
	}

	e.metrics.ObserveClusterClosed(string(snap.CloseReason))
	e.logger.Debug("Closed cluster",
		zap.String("cluster_id", snap.ID),
		zap.String("reason", string(snap.CloseReason)),
		zap.Int("events", len(snap.Events)),
		zap.Float64("confidence", snap.CombinedConfidence),
	)

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Engine) expire(id string) {
	e.mu.RLock()
	c, ok := e.open[id]
	e.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	snap := e.closeLocked(c, CloseExpired)
	c.mu.Unlock()
	e.finishClose(snap)
}

// ExpireDue closes every open cluster whose window has elapsed at now and
// returns how many were closed. Timers normally do this; the sweep covers
// injected clocks and restored checkpoints.
func (e *Engine) ExpireDue(now time.Time) int {
	e.mu.RLock()
	var due []string
	for id, c := range e.open {
		// openedAt is immutable after construction
		if !c.openedAt.Add(e.config.Window).After(now) {
			due = append(due, id)
		}
	}
	e.mu.RUnlock()

	sort.Strings(due)
	for _, id := range due {
		e.expire(id)
	}
	return len(due)
}

// Claim closes an open cluster on behalf of the state machine and returns
// its snapshot. Claimed clusters are not queued for hand-off.
func (e *Engine) Claim(id string) (Snapshot, error) {
	e.mu.RLock()
	c, ok := e.open[id]
	e.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrClusterNotFound
	}

	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return Snapshot{}, ErrClusterClosed
	}
	snap := e.closeLocked(c, CloseClaimed)
	c.mu.Unlock()
	e.finishClose(snap)
	return snap, nil
}

// TakeClosed removes and returns all clusters awaiting hand-off, oldest
// first.
func (e *Engine) TakeClosed() []Snapshot {
	e.closedMu.Lock()
	defer e.closedMu.Unlock()
	out := e.closed
	e.closed = nil
	return out
}

// Requeue returns snapshots whose hand-off failed to the front of the
// queue.
func (e *Engine) Requeue(snaps ...Snapshot) {
	if len(snaps) == 0 {
		return
	}
	e.closedMu.Lock()
	e.closed = append(append([]Snapshot{}, snaps...), e.closed...)
	e.closedMu.Unlock()
}

// PendingClosed returns the number of clusters awaiting hand-off.
func (e *Engine) PendingClosed() int {
	e.closedMu.Lock()
	defer e.closedMu.Unlock()
	return len(e.closed)
}

// Snapshots returns copies of all open clusters ordered by opening.
func (e *Engine) Snapshots() []Snapshot {
	e.mu.RLock()
	clusters := make([]*Cluster, 0, len(e.open))
	for _, c := range e.open {
		clusters = append(clusters, c)
	}
	e.mu.RUnlock()
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].seq < clusters[j].seq })

	out := make([]Snapshot, 0, len(clusters))
	for _, c := range clusters {
		c.mu.Lock()
		if c.state == StateOpen {
			out = append(out, c.snapshot(e.config.Weights))
		}
		c.mu.Unlock()
	}
	return out
}

// Restore re-opens checkpointed clusters. Clusters whose window already
// elapsed are closed as expired and queued for hand-off.
func (e *Engine) Restore(snaps []Snapshot) int {
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Seq < snaps[j].Seq })

	restored := 0
	for _, s := range snaps {
		if len(s.Events) == 0 {
			continue
		}
		e.mu.RLock()
		_, exists := e.open[s.ID]
		e.mu.RUnlock()
		if exists {
			continue
		}

		c := newCluster(s.ID, e.seq.Add(1), s.OpenedAt, s.Events[0])
		for _, ev := range s.Events[1:] {
			c.append(ev)
		}
		c.joins = s.Joins
		c.sums = s.Scores.scale(float64(s.Joins))

		remaining := s.OpenedAt.Add(e.config.Window).Sub(e.now())
		if remaining <= 0 || len(c.events) >= e.config.MaxRelatedEvents {
			reason := CloseExpired
			if remaining > 0 {
				reason = CloseSaturated
			}
			c.mu.Lock()
			snap := e.closeLocked(c, reason)
			c.mu.Unlock()
			e.finishClose(snap)
			continue
		}

		c.timer = time.AfterFunc(remaining, func() { e.expire(c.id) })
		e.mu.Lock()
		e.open[c.id] = c
		e.mu.Unlock()
		restored++
	}
	e.metrics.SetOpenClusters(e.OpenCount())
	if restored > 0 {
		e.logger.Info("Restored open clusters", zap.Int("count", restored))
	}
	return restored
}

// OpenCount returns the number of open clusters.
func (e *Engine) OpenCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.open)
}

// Stop cancels all expiry timers.
func (e *Engine) Stop() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, c := range e.open {
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		c.mu.Unlock()
	}
}
