package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/store"
)

const keyPrefix = "breaker:"

// StoreObserver persists every state change under breaker:<stage>. Write
// failures are logged; the in-memory state stays authoritative.
func StoreObserver(s store.Store, timeout time.Duration, logger *zap.Logger) Observer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(state BreakerState) {
		data, err := json.Marshal(state)
		if err != nil {
			logger.Error("Failed to encode circuit state", zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := s.Put(ctx, keyPrefix+state.TargetStage, data); err != nil {
			logger.Warn("Failed to persist circuit state",
				zap.String("stage", state.TargetStage),
				zap.Error(err),
			)
		}
	}
}

// LoadStates reads all persisted breaker states.
func LoadStates(ctx context.Context, s store.Store) ([]BreakerState, error) {
	recs, err := s.Query(ctx, store.Filter{Prefix: keyPrefix})
	if err != nil {
		return nil, fmt.Errorf("failed to query circuit states: %w", err)
	}
	out := make([]BreakerState, 0, len(recs))
	for _, rec := range recs {
		var st BreakerState
		if err := json.Unmarshal(rec.Value, &st); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", rec.Key, err)
		}
		out = append(out, st)
	}
	return out, nil
}
