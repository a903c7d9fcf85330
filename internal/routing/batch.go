package routing

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/incident"
)

// batch groups same-severity incidents waiting for a shared hand-off. The
// window runs from the group's first enqueue.
type batch struct {
	firstAt time.Time
	members []string
	timer   *time.Timer
}

// enqueueLocked adds id to its severity group; caller holds r.mu.
func (r *Router) enqueueLocked(id string, sev incident.Severity, now time.Time) {
	if prev, ok := r.queued[id]; ok {
		if prev == sev {
			return
		}
		r.dequeueLocked(id)
	}

	b, ok := r.batches[sev]
	if !ok {
		b = &batch{firstAt: now}
		b.timer = time.AfterFunc(r.config.BatchWindow, r.signal)
		r.batches[sev] = b
	}
	b.members = append(b.members, id)
	r.queued[id] = sev
}

// dequeueLocked removes id from whatever group holds it; caller holds r.mu.
func (r *Router) dequeueLocked(id string) {
	sev, ok := r.queued[id]
	if !ok {
		return
	}
	delete(r.queued, id)

	b := r.batches[sev]
	for i, m := range b.members {
		if m == id {
			b.members = append(b.members[:i], b.members[i+1:]...)
			break
		}
	}
	if len(b.members) == 0 {
		b.timer.Stop()
		delete(r.batches, sev)
	}
}

// FlushDue releases every severity group whose batch window has elapsed at
// now and returns the released incident ids. Released incidents are routed
// on their next Route call.
func (r *Router) FlushDue(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var severities []incident.Severity
	for sev, b := range r.batches {
		if !now.Before(b.firstAt.Add(r.config.BatchWindow)) {
			severities = append(severities, sev)
		}
	}
	// most severe groups first
	sort.Slice(severities, func(i, j int) bool { return severities[i].Rank() > severities[j].Rank() })

	var out []string
	for _, sev := range severities {
		b := r.batches[sev]
		b.timer.Stop()
		for _, id := range b.members {
			r.released[id] = true
			delete(r.queued, id)
			out = append(out, id)
		}
		delete(r.batches, sev)
		r.logger.Info("Released batch",
			zap.String("severity", string(sev)),
			zap.Int("incidents", len(b.members)),
		)
	}
	return out
}

// BatchStats returns the number of queued incidents per severity.
func (r *Router) BatchStats() map[incident.Severity]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[incident.Severity]int, len(r.batches))
	for sev, b := range r.batches {
		out[sev] = len(b.members)
	}
	return out
}
