// Package store provides the durable key-value state store used for
// incidents, cluster checkpoints and circuit breaker states. Every record
// carries a version; CompareAndSwap is the only multi-writer safe mutation.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when a key does not exist
	ErrNotFound = errors.New("store: key not found")
	// ErrVersionConflict is returned when a CompareAndSwap loses a race
	ErrVersionConflict = errors.New("store: version conflict")
)

// Record is a stored value with its version.
type Record struct {
	Key     string
	Value   []byte
	Version int64
}

// Filter selects records in Query.
type Filter struct {
	Prefix string
	// Match, when set, keeps only records for which it returns true.
	Match func(Record) bool
	// Limit caps the number of results; zero means unlimited.
	Limit int
}

// Store is the durable state store contract.
type Store interface {
	// Put writes value unconditionally and returns the new version.
	Put(ctx context.Context, key string, value []byte) (int64, error)
	// Get returns the record for key or ErrNotFound.
	Get(ctx context.Context, key string) (Record, error)
	// CompareAndSwap writes value only if the stored version equals
	// expected (0 means the key must not exist). It returns the new version
	// or ErrVersionConflict.
	CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (int64, error)
	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Query returns records ordered by key.
	Query(ctx context.Context, filter Filter) ([]Record, error)
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// applyFilter sorts candidates by key and applies Match and Limit.
func applyFilter(records []Record, filter Filter) []Record {
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })

	out := records[:0]
	for _, rec := range records {
		if !strings.HasPrefix(rec.Key, filter.Prefix) {
			continue
		}
		if filter.Match != nil && !filter.Match(rec) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}
