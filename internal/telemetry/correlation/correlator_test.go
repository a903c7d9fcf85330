package correlation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/enrichment"
	"github.com/lvonguyen/incidentforge/internal/mitre"
	"github.com/lvonguyen/incidentforge/internal/telemetry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("c-%03d", n)
	}
}

func newTestEngine(t *testing.T, cfg Config, aliases enrichment.AliasResolver) (*Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: t0}
	e := NewEngine(cfg, aliases, mitre.NewAttackFramework(), zap.NewNop(),
		WithClock(clock.Now),
		WithIDGenerator(sequentialIDs()),
	)
	t.Cleanup(e.Stop)
	return e, clock
}

func ev(id, resource, actor string, et telemetry.EventType, offset time.Duration) telemetry.Event {
	return telemetry.Event{
		ID:        id,
		Timestamp: t0.Add(offset),
		Source:    "edr",
		Actor:     actor,
		Resource:  resource,
		EventType: et,
	}
}

// =============================================================================
// Scoring
// =============================================================================

// TestMergeScenario verifies two causally linked events on the same
// resource and actor five seconds apart form one confident cluster.
func TestMergeScenario(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), nil)
	ctx := context.Background()

	a1 := e.Process(ctx, ev("e1", "db-1", "svc-ci@corp.com", telemetry.EventSSHBruteForce, 0))
	a2 := e.Process(ctx, ev("e2", "db-1", "svc-ci@corp.com", telemetry.EventPrivilegeEscalation, 5*time.Second))

	assert.True(t, a1.Opened)
	assert.False(t, a2.Opened)
	assert.Equal(t, a1.ClusterID, a2.ClusterID)

	snaps := e.Snapshots()
	require.Len(t, snaps, 1)
	assert.Len(t, snaps[0].Events, 2)
	assert.GreaterOrEqual(t, snaps[0].CombinedConfidence, 0.6)
	assert.Equal(t, Scores{Temporal: 1, Spatial: 1, Causal: 1, Actor: 1}, snaps[0].Scores)
	assert.Equal(t, t0, snaps[0].WindowStart)
	assert.Equal(t, t0.Add(5*time.Second), snaps[0].WindowEnd)
}

// TestSingletonConfidence verifies a founding event contributes no join.
func TestSingletonConfidence(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), nil)
	e.Process(context.Background(), ev("e1", "db-1", "alice", telemetry.EventPortScan, 0))

	snaps := e.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, 0.0, snaps[0].CombinedConfidence)
	assert.Equal(t, 0, snaps[0].Joins)
}

// TestJoinThresholdIsStrict verifies temporal plus causal evidence alone
// (exactly 0.6) does not join.
func TestJoinThresholdIsStrict(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), nil)
	ctx := context.Background()

	a1 := e.Process(ctx, ev("e1", "web-1", "alice", telemetry.EventPortScan, 0))
	a2 := e.Process(ctx, ev("e2", "db-9", "bob", telemetry.EventSSHBruteForce, time.Minute))

	assert.NotEqual(t, a1.ClusterID, a2.ClusterID)
	assert.Equal(t, 2, e.OpenCount())
}

// TestTemporalDecay verifies the linear decay between one and two windows.
func TestTemporalDecay(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), nil)
	c := newCluster("c", 1, t0, ev("e1", "db-1", "alice", telemetry.EventPortScan, 0))

	tests := []struct {
		offset time.Duration
		want   float64
	}{
		{30 * time.Minute, 1},
		{time.Hour, 1},
		{90 * time.Minute, 0.5},
		{-90 * time.Minute, 0.5},
		{2 * time.Hour, 0},
		{3 * time.Hour, 0},
	}
	for _, tt := range tests {
		t.Run(tt.offset.String(), func(t *testing.T) {
			got := e.temporalScore(c, ev("x", "db-1", "alice", telemetry.EventPortScan, tt.offset))
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

// TestCausalRequiresOrder verifies a progression only counts when the prior
// member came first and within the window.
func TestCausalRequiresOrder(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), nil)
	c := newCluster("c", 1, t0, ev("e1", "db-1", "alice", telemetry.EventSSHBruteForce, 0))

	assert.Equal(t, 1.0, e.causalScore(c, ev("e2", "db-1", "alice", telemetry.EventPrivilegeEscalation, time.Minute)))
	assert.Equal(t, 0.0, e.causalScore(c, ev("e3", "db-1", "alice", telemetry.EventPrivilegeEscalation, -time.Minute)))
	assert.Equal(t, 0.0, e.causalScore(c, ev("e4", "db-1", "alice", telemetry.EventPrivilegeEscalation, 2*time.Hour)))
	assert.Equal(t, 0.0, e.causalScore(c, ev("e5", "db-1", "alice", telemetry.EventPortScan, time.Minute)))
}

// TestActorAliases verifies aliased actors score half.
func TestActorAliases(t *testing.T) {
	aliases := enrichment.NewStaticAliases([][]string{{"alice@corp.com", "svc-alice"}})
	e, _ := newTestEngine(t, DefaultConfig(), aliases)
	c := newCluster("c", 1, t0, ev("e1", "db-1", "alice@corp.com", telemetry.EventPortScan, 0))

	ctx := context.Background()
	assert.Equal(t, 1.0, e.actorScore(ctx, c, ev("e2", "db-1", "alice@corp.com", telemetry.EventPortScan, 0)))
	assert.Equal(t, 0.5, e.actorScore(ctx, c, ev("e3", "db-1", "svc-alice", telemetry.EventPortScan, 0)))
	assert.Equal(t, 0.0, e.actorScore(ctx, c, ev("e4", "db-1", "mallory", telemetry.EventPortScan, 0)))
	assert.Equal(t, 0.0, e.actorScore(ctx, c, ev("e5", "db-1", "", telemetry.EventPortScan, 0)))
}

// TestResourceGroups verifies resources in a declared group are spatially
// related.
func TestResourceGroups(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResourceGroups = map[string][]string{"payments": {"db-1", "db-2"}}
	e, _ := newTestEngine(t, cfg, nil)
	ctx := context.Background()

	a1 := e.Process(ctx, ev("e1", "db-1", "alice", telemetry.EventAnomalousLogin, 0))
	a2 := e.Process(ctx, ev("e2", "db-2", "alice", telemetry.EventDataStaging, time.Minute))
	a3 := e.Process(ctx, ev("e3", "web-7", "carol", telemetry.EventPolicyViolation, time.Minute))

	assert.Equal(t, a1.ClusterID, a2.ClusterID)
	assert.NotEqual(t, a1.ClusterID, a3.ClusterID)
}

// TestTieGoesToEarliestCluster verifies equal scores prefer the older
// cluster.
func TestTieGoesToEarliestCluster(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResourceGroups = map[string][]string{"edge": {"gw-1", "gw-2", "gw-3"}}
	e, _ := newTestEngine(t, cfg, nil)
	ctx := context.Background()

	// same group and time but no shared actor or progression: 0.5, no join
	a := e.Process(ctx, ev("e1", "gw-1", "alice", telemetry.EventPortScan, 0))
	b := e.Process(ctx, ev("e2", "gw-2", "bob", telemetry.EventPortScan, 0))
	require.NotEqual(t, a.ClusterID, b.ClusterID)

	// scores 0.8 against both clusters
	c := e.Process(ctx, ev("e3", "gw-3", "carol", telemetry.EventSSHBruteForce, time.Minute))
	assert.Equal(t, a.ClusterID, c.ClusterID)
	assert.InDelta(t, 0.8, c.Confidence, 1e-9)
}

// =============================================================================
// Properties
// =============================================================================

func scenario() []telemetry.Event {
	return []telemetry.Event{
		ev("s1", "web-1", "alice", telemetry.EventPhishingClick, 0),
		ev("s2", "web-1", "alice", telemetry.EventMalwareExecution, 2*time.Minute),
		ev("s3", "db-1", "svc-ci", telemetry.EventSSHBruteForce, 3*time.Minute),
		ev("s4", "web-1", "alice", telemetry.EventPersistence, 4*time.Minute),
		ev("s5", "db-1", "svc-ci", telemetry.EventPrivilegeEscalation, 5*time.Minute),
		ev("s6", "db-2", "", telemetry.EventPortScan, 20*time.Minute),
		ev("s7", "db-1", "svc-ci", telemetry.EventDataStaging, 30*time.Minute),
		ev("s8", "db-1", "svc-ci", telemetry.EventDataExfiltration, 31*time.Minute),
	}
}

// TestDeterminism verifies identical inputs give identical membership and
// confidence.
func TestDeterminism(t *testing.T) {
	run := func() []Snapshot {
		e, _ := newTestEngine(t, DefaultConfig(), nil)
		for _, event := range scenario() {
			e.Process(context.Background(), event)
		}
		return e.Snapshots()
	}

	first, second := run(), run()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Events, second[i].Events)
		assert.Equal(t, first[i].CombinedConfidence, second[i].CombinedConfidence)
	}
}

// TestOverflowStartsNewCluster verifies saturation closes a cluster and the
// next event opens a fresh one without losing anything.
func TestOverflowStartsNewCluster(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRelatedEvents = 3
	e, _ := newTestEngine(t, cfg, nil)
	ctx := context.Background()

	var saturated int
	for i := 0; i < 7; i++ {
		a := e.Process(ctx, ev(fmt.Sprintf("e%d", i), "db-1", "alice", telemetry.EventSSHBruteForce, time.Duration(i)*time.Second))
		if a.Closed {
			saturated++
		}
	}
	assert.Equal(t, 2, saturated)

	closed := e.TakeClosed()
	require.Len(t, closed, 2)
	for _, s := range closed {
		assert.Len(t, s.Events, 3)
		assert.Equal(t, CloseSaturated, s.CloseReason)
		assert.Equal(t, StateClosed, s.State)
	}
	open := e.Snapshots()
	require.Len(t, open, 1)
	assert.Len(t, open[0].Events, 1)
}

// TestNoEventLoss verifies concurrent processing places every event in
// exactly one cluster.
func TestNoEventLoss(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRelatedEvents = 5
	e, _ := newTestEngine(t, cfg, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				resource := fmt.Sprintf("host-%d", (w+i)%4)
				actor := fmt.Sprintf("user-%d", w%3)
				e.Process(ctx, ev(fmt.Sprintf("w%d-%d", w, i), resource, actor, telemetry.EventAnomalousLogin, time.Duration(i)*time.Second))
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[string]int)
	for _, s := range append(e.TakeClosed(), e.Snapshots()...) {
		assert.LessOrEqual(t, len(s.Events), 5)
		for _, event := range s.Events {
			seen[event.ID]++
		}
	}
	assert.Len(t, seen, 400)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// TestExpireDue verifies clusters close once their window has elapsed since
// opening.
func TestExpireDue(t *testing.T) {
	e, clock := newTestEngine(t, DefaultConfig(), nil)
	ctx := context.Background()

	e.Process(ctx, ev("e1", "db-1", "alice", telemetry.EventSSHBruteForce, 0))
	clock.Advance(30 * time.Minute)
	e.Process(ctx, ev("e2", "web-9", "bob", telemetry.EventPolicyViolation, 0))

	assert.Equal(t, 0, e.ExpireDue(clock.Now()))
	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, e.ExpireDue(clock.Now()))

	select {
	case <-e.Notify():
	default:
		t.Fatal("expected close notification")
	}

	closed := e.TakeClosed()
	require.Len(t, closed, 1)
	assert.Equal(t, CloseExpired, closed[0].CloseReason)
	assert.Equal(t, "e1", closed[0].Events[0].ID)
	assert.Equal(t, []string{"credential-access"}, closed[0].Tactics)
	assert.Equal(t, 1, e.OpenCount())
}

// TestClaimAndRequeue verifies explicit claims bypass the hand-off queue and
// requeued snapshots come back first.
func TestClaimAndRequeue(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), nil)
	ctx := context.Background()

	a := e.Process(ctx, ev("e1", "db-1", "alice", telemetry.EventSSHBruteForce, 0))
	snap, err := e.Claim(a.ClusterID)
	require.NoError(t, err)
	assert.Equal(t, CloseClaimed, snap.CloseReason)
	assert.Equal(t, 0, e.PendingClosed())

	_, err = e.Claim(a.ClusterID)
	assert.ErrorIs(t, err, ErrClusterNotFound)

	e.Requeue(snap)
	e.Requeue(Snapshot{ID: "older"})
	got := e.TakeClosed()
	require.Len(t, got, 2)
	assert.Equal(t, "older", got[0].ID)
	assert.Empty(t, e.TakeClosed())
}

// TestRestore verifies checkpointed clusters resume with their scores and
// stale ones close as expired.
func TestRestore(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), nil)
	ctx := context.Background()
	e.Process(ctx, ev("e1", "db-1", "svc-ci", telemetry.EventSSHBruteForce, 0))
	e.Process(ctx, ev("e2", "db-1", "svc-ci", telemetry.EventPrivilegeEscalation, 5*time.Second))
	checkpoint := e.Snapshots()
	require.Len(t, checkpoint, 1)

	restarted, clock2 := newTestEngine(t, DefaultConfig(), nil)
	clock2.Advance(10 * time.Minute)
	assert.Equal(t, 1, restarted.Restore(checkpoint))

	snaps := restarted.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, checkpoint[0].ID, snaps[0].ID)
	assert.InDelta(t, checkpoint[0].CombinedConfidence, snaps[0].CombinedConfidence, 1e-9)

	a := restarted.Process(ctx, ev("e3", "db-1", "svc-ci", telemetry.EventPersistence, 6*time.Second))
	assert.Equal(t, checkpoint[0].ID, a.ClusterID)

	late, clock3 := newTestEngine(t, DefaultConfig(), nil)
	clock3.Advance(2 * time.Hour)
	assert.Equal(t, 0, late.Restore(checkpoint))
	closed := late.TakeClosed()
	require.Len(t, closed, 1)
	assert.Equal(t, CloseExpired, closed[0].CloseReason)
}

// TestSnapshotSummary verifies the derived summary fields.
func TestSnapshotSummary(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), nil)
	ctx := context.Background()
	a := e.Process(ctx, ev("e1", "db-1", "svc-ci", telemetry.EventSSHBruteForce, 0))
	e.Process(ctx, ev("e2", "db-1", "svc-ci", telemetry.EventDataExfiltration, time.Minute))

	snap, err := e.Claim(a.ClusterID)
	require.NoError(t, err)

	assert.Equal(t, "critical", snap.Severity())
	assert.Equal(t, []string{"db-1|svc-ci"}, snap.Keys())

	sum := snap.Summary()
	assert.Equal(t, 2, sum.EventCount)
	assert.Equal(t, []string{"db-1"}, sum.Resources)
	assert.Equal(t, []telemetry.EventType{telemetry.EventSSHBruteForce, telemetry.EventDataExfiltration}, sum.EventTypes)
	assert.Equal(t, []string{"credential-access", "exfiltration"}, sum.Tactics)
}

// TestSeverityHints verifies collector severity attributes raise severity.
func TestSeverityHints(t *testing.T) {
	low := ev("e1", "db-1", "a", telemetry.EventPortScan, 0)
	assert.Equal(t, "low", Snapshot{Events: []telemetry.Event{low}}.Severity())

	hinted := low
	hinted.Attributes = map[string]any{"severity": "High"}
	assert.Equal(t, "high", Snapshot{Events: []telemetry.Event{low, hinted}}.Severity())
}
