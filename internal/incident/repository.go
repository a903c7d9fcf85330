package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/lvonguyen/incidentforge/internal/store"
)

const (
	keyPrefix    = "incident:"
	activePrefix = "incident-active:"
	clusterIndex = "incident-cluster:"
	lockStripes  = 64
	maxCASRounds = 8
)

// errNoChange lets an update func skip the write.
var errNoChange = errors.New("incident: no change")

// Repository persists incidents in a store.Store. Mutations on the same
// incident are serialized in-process by striped locks; CompareAndSwap makes
// them safe across processes.
//
// Two secondary indexes keep hot paths independent of history size: the
// ids of non-terminal incidents, and cluster id -> incident id. Index
// entries are written before the incident, so a crash leaves at most a
// dangling entry that readers skip. Active entries of terminal incidents
// are pruned.
type Repository struct {
	store   store.Store
	stripes [lockStripes]sync.Mutex
}

// NewRepository creates a repository over s.
func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

func key(id string) string {
	return keyPrefix + id
}

func (r *Repository) lock(id string) func() {
	m := &r.stripes[xxhash.Sum64String(id)%lockStripes]
	m.Lock()
	return m.Unlock
}

// Create stores a new incident; the id must be unused.
func (r *Repository) Create(ctx context.Context, inc *Incident) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to encode incident: %w", err)
	}
	if !inc.Terminal() {
		if _, err := r.store.Put(ctx, activePrefix+inc.ID, []byte(inc.ID)); err != nil {
			return fmt.Errorf("failed to index incident %s: %w", inc.ID, err)
		}
	}
	if inc.ClusterRef != nil {
		if err := r.IndexCluster(ctx, inc.ClusterRef.ClusterID, inc.ID); err != nil {
			return err
		}
	}
	version, err := r.store.CompareAndSwap(ctx, key(inc.ID), 0, data)
	if err != nil {
		return fmt.Errorf("failed to create incident %s: %w", inc.ID, err)
	}
	inc.Version = version
	return nil
}

// Get loads an incident.
func (r *Repository) Get(ctx context.Context, id string) (*Incident, error) {
	rec, err := r.store.Get(ctx, key(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load incident %s: %w", id, err)
	}
	return decode(rec)
}

// Update applies fn to the latest stored copy and commits it with
// CompareAndSwap, reloading and re-applying on version conflicts. fn may
// return errNoChange to skip the write; any other error aborts.
func (r *Repository) Update(ctx context.Context, id string, fn func(*Incident) error) (*Incident, error) {
	unlock := r.lock(id)
	defer unlock()

	for round := 0; round < maxCASRounds; round++ {
		inc, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		expected := inc.Version

		if err := fn(inc); err != nil {
			if errors.Is(err, errNoChange) {
				return inc, nil
			}
			return inc, err
		}

		data, err := json.Marshal(inc)
		if err != nil {
			return nil, fmt.Errorf("failed to encode incident: %w", err)
		}
		version, err := r.store.CompareAndSwap(ctx, key(id), expected, data)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to commit incident %s: %w", id, err)
		}
		inc.Version = version
		if inc.Terminal() {
			// a stale entry is skipped and pruned by ListNonTerminal
			_ = r.store.Delete(ctx, activePrefix+id)
		}
		return inc, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTooManyConflicts, id)
}

// IndexCluster records that clusterID was absorbed by incidentID.
func (r *Repository) IndexCluster(ctx context.Context, clusterID, incidentID string) error {
	if _, err := r.store.Put(ctx, clusterIndex+clusterID, []byte(incidentID)); err != nil {
		return fmt.Errorf("failed to index cluster %s: %w", clusterID, err)
	}
	return nil
}

// FindByCluster returns the incident that absorbed clusterID, or
// ErrNotFound.
func (r *Repository) FindByCluster(ctx context.Context, clusterID string) (*Incident, error) {
	rec, err := r.store.Get(ctx, clusterIndex+clusterID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up cluster %s: %w", clusterID, err)
	}
	inc, err := r.Get(ctx, string(rec.Value))
	if err != nil {
		return nil, err
	}
	if !inc.ClusterRef.References(clusterID) {
		return nil, ErrNotFound
	}
	return inc, nil
}

// ListNonTerminal returns non-terminal incidents for which match returns
// true (all when nil), in List order. It reads only the active index.
func (r *Repository) ListNonTerminal(ctx context.Context, match func(*Incident) bool) ([]*Incident, error) {
	recs, err := r.store.Query(ctx, store.Filter{Prefix: activePrefix})
	if err != nil {
		return nil, fmt.Errorf("failed to query active incidents: %w", err)
	}

	out := make([]*Incident, 0, len(recs))
	for _, rec := range recs {
		inc, err := r.Get(ctx, string(rec.Value))
		if errors.Is(err, ErrNotFound) {
			// creation in progress or abandoned
			continue
		}
		if err != nil {
			return nil, err
		}
		if inc.Terminal() {
			_ = r.store.Delete(ctx, rec.Key)
			continue
		}
		if match == nil || match(inc) {
			out = append(out, inc)
		}
	}
	sortIncidents(out)
	return out, nil
}

// List returns incidents for which match returns true (all when nil),
// ordered by creation time then id.
func (r *Repository) List(ctx context.Context, match func(*Incident) bool) ([]*Incident, error) {
	recs, err := r.store.Query(ctx, store.Filter{Prefix: keyPrefix})
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}

	out := make([]*Incident, 0, len(recs))
	for _, rec := range recs {
		inc, err := decode(rec)
		if err != nil {
			return nil, err
		}
		if match == nil || match(inc) {
			out = append(out, inc)
		}
	}
	sortIncidents(out)
	return out, nil
}

func sortIncidents(out []*Incident) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

func decode(rec store.Record) (*Incident, error) {
	var inc Incident
	if err := json.Unmarshal(rec.Value, &inc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", strings.TrimPrefix(rec.Key, keyPrefix), err)
	}
	inc.Version = rec.Version
	return &inc, nil
}
