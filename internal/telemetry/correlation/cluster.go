package correlation

import (
	"sort"
	"sync"
	"time"

	"github.com/lvonguyen/incidentforge/internal/telemetry"
)

// State is the lifecycle state of a cluster.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// CloseReason records why a cluster stopped accepting events.
type CloseReason string

const (
	CloseExpired   CloseReason = "expired"
	CloseSaturated CloseReason = "saturated"
	CloseClaimed   CloseReason = "claimed"
)

// Scores holds the four correlation dimensions, each in [0,1].
type Scores struct {
	Temporal float64 `json:"temporal" yaml:"temporal"`
	Spatial  float64 `json:"spatial" yaml:"spatial"`
	Causal   float64 `json:"causal" yaml:"causal"`
	Actor    float64 `json:"actor" yaml:"actor"`
}

// Combine returns the weighted mean of s clipped to [0,1].
func (w Scores) Combine(s Scores) float64 {
	total := w.Temporal + w.Spatial + w.Causal + w.Actor
	if total <= 0 {
		return 0
	}
	v := (w.Temporal*s.Temporal + w.Spatial*s.Spatial + w.Causal*s.Causal + w.Actor*s.Actor) / total
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func (s Scores) add(o Scores) Scores {
	return Scores{s.Temporal + o.Temporal, s.Spatial + o.Spatial, s.Causal + o.Causal, s.Actor + o.Actor}
}

func (s Scores) scale(f float64) Scores {
	return Scores{s.Temporal * f, s.Spatial * f, s.Causal * f, s.Actor * f}
}

// Cluster is an open, mutable group of events owned by the Engine.
type Cluster struct {
	mu sync.Mutex

	id       string
	seq      uint64
	openedAt time.Time

	events    []telemetry.Event
	resources map[string]struct{}
	actors    map[string]struct{}
	latest    time.Time
	start     time.Time
	end       time.Time

	// per-join dimension sums; the founding event contributes no join
	sums  Scores
	joins int

	state    State
	reason   CloseReason
	closedAt time.Time
	timer    *time.Timer
}

func newCluster(id string, seq uint64, openedAt time.Time, founder telemetry.Event) *Cluster {
	c := &Cluster{
		id:        id,
		seq:       seq,
		openedAt:  openedAt,
		resources: make(map[string]struct{}),
		actors:    make(map[string]struct{}),
		state:     StateOpen,
	}
	c.append(founder)
	return c
}

// append adds ev; caller holds c.mu.
func (c *Cluster) append(ev telemetry.Event) {
	c.events = append(c.events, ev)
	c.resources[ev.Resource] = struct{}{}
	if ev.Actor != "" {
		c.actors[ev.Actor] = struct{}{}
	}
	if len(c.events) == 1 || ev.Timestamp.After(c.latest) {
		c.latest = ev.Timestamp
	}
	if len(c.events) == 1 || ev.Timestamp.Before(c.start) {
		c.start = ev.Timestamp
	}
	if len(c.events) == 1 || ev.Timestamp.After(c.end) {
		c.end = ev.Timestamp
	}
}

// meanScores returns the mean per-join scores; caller holds c.mu.
func (c *Cluster) meanScores() Scores {
	if c.joins == 0 {
		return Scores{}
	}
	return c.sums.scale(1 / float64(c.joins))
}

// Snapshot is an immutable copy of a cluster.
type Snapshot struct {
	ID                 string            `json:"id"`
	Events             []telemetry.Event `json:"events"`
	Scores             Scores            `json:"scores"`
	Joins              int               `json:"joins"`
	CombinedConfidence float64           `json:"combined_confidence"`
	WindowStart        time.Time         `json:"window_start"`
	WindowEnd          time.Time         `json:"window_end"`
	OpenedAt           time.Time         `json:"opened_at"`
	ClosedAt           time.Time         `json:"closed_at,omitempty"`
	State              State             `json:"state"`
	CloseReason        CloseReason       `json:"close_reason,omitempty"`
	Tactics            []string          `json:"tactics,omitempty"`
	Seq                uint64            `json:"seq"`
}

// snapshot copies c; caller holds c.mu.
func (c *Cluster) snapshot(weights Scores) Snapshot {
	events := make([]telemetry.Event, len(c.events))
	copy(events, c.events)
	scores := c.meanScores()
	return Snapshot{
		ID:                 c.id,
		Events:             events,
		Scores:             scores,
		Joins:              c.joins,
		CombinedConfidence: weights.Combine(scores),
		WindowStart:        c.start,
		WindowEnd:          c.end,
		OpenedAt:           c.openedAt,
		ClosedAt:           c.closedAt,
		State:              c.state,
		CloseReason:        c.reason,
		Seq:                c.seq,
	}
}

// Resources returns the distinct resources in first-seen order.
func (s Snapshot) Resources() []string {
	return distinct(s.Events, func(e telemetry.Event) string { return e.Resource })
}

// Actors returns the distinct non-empty actors in first-seen order.
func (s Snapshot) Actors() []string {
	return distinct(s.Events, func(e telemetry.Event) string { return e.Actor })
}

// Keys returns the distinct "resource|actor" keys in first-seen order.
func (s Snapshot) Keys() []string {
	return distinct(s.Events, telemetry.Event.Key)
}

// EventTypes returns the distinct event types in first-seen order.
func (s Snapshot) EventTypes() []telemetry.EventType {
	seen := make(map[telemetry.EventType]bool)
	var out []telemetry.EventType
	for _, e := range s.Events {
		if !seen[e.EventType] {
			seen[e.EventType] = true
			out = append(out, e.EventType)
		}
	}
	return out
}

// Severity returns the highest severity implied by the member event types
// or by collector-supplied severity attributes.
func (s Snapshot) Severity() string {
	best := 0
	for _, e := range s.Events {
		if r := severityRank[eventSeverity(e.EventType)]; r > best {
			best = r
		}
		if r := severityRank[e.SeverityHint()]; r > best {
			best = r
		}
	}
	for name, r := range severityRank {
		if r == best && best > 0 {
			return name
		}
	}
	return "low"
}

// Summary is the compact cluster description carried in stage transfers.
type Summary struct {
	ClusterID   string                `json:"cluster_id"`
	EventCount  int                   `json:"event_count"`
	Resources   []string              `json:"resources"`
	Actors      []string              `json:"actors"`
	EventTypes  []telemetry.EventType `json:"event_types"`
	Tactics     []string              `json:"tactics"`
	WindowStart time.Time             `json:"window_start"`
	WindowEnd   time.Time             `json:"window_end"`
	Scores      Scores                `json:"scores"`
	Confidence  float64               `json:"confidence"`
}

// Summary condenses the snapshot.
func (s Snapshot) Summary() Summary {
	resources := s.Resources()
	actors := s.Actors()
	sort.Strings(resources)
	sort.Strings(actors)
	return Summary{
		ClusterID:   s.ID,
		EventCount:  len(s.Events),
		Resources:   resources,
		Actors:      actors,
		EventTypes:  s.EventTypes(),
		Tactics:     s.Tactics,
		WindowStart: s.WindowStart,
		WindowEnd:   s.WindowEnd,
		Scores:      s.Scores,
		Confidence:  s.CombinedConfidence,
	}
}

func distinct(events []telemetry.Event, key func(telemetry.Event) string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range events {
		k := key(e)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
