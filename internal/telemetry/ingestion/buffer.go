// Package ingestion accepts raw security events from collectors, validates
// and deduplicates them, and queues them for the correlation engine.
package ingestion

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/observability"
	"github.com/lvonguyen/incidentforge/internal/telemetry"
)

// BufferConfig holds configuration for the ingest buffer
type BufferConfig struct {
	HighWaterMark int           `yaml:"high_water_mark"`
	MaxClockSkew  time.Duration `yaml:"max_clock_skew"`
	DedupSize     int           `yaml:"dedup_size"`
}

// DefaultBufferConfig returns sensible defaults.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		HighWaterMark: 10000,
		MaxClockSkew:  5 * time.Minute,
		DedupSize:     100000,
	}
}

// Stats is a point-in-time view of buffer counters.
type Stats struct {
	Depth        int   `json:"depth"`
	Accepted     int64 `json:"accepted"`
	Duplicates   int64 `json:"duplicates"`
	Rejected     int64 `json:"rejected"`
	Backpressure bool  `json:"backpressure"`
}

// Buffer is an unbounded FIFO of validated events. Crossing the high-water
// mark raises a backpressure signal that clears once the depth falls back to
// half the mark; producers are expected to slow down, never to lose events.
type Buffer struct {
	config  BufferConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu           sync.Mutex
	queue        []telemetry.Event
	seen         *lru.Cache[string, struct{}]
	backpressure bool
	onSignal     []func(active bool)
	accepted     int64
	duplicates   int64
	rejected     int64
}

// BufferOption customizes a Buffer.
type BufferOption func(*Buffer)

// WithClock sets the ingest clock used for the skew check.
func WithClock(now func() time.Time) BufferOption {
	return func(b *Buffer) { b.now = now }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) BufferOption {
	return func(b *Buffer) { b.metrics = m }
}

// NewBuffer creates a new ingest buffer
func NewBuffer(cfg BufferConfig, logger *zap.Logger, opts ...BufferOption) (*Buffer, error) {
	def := DefaultBufferConfig()
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = def.HighWaterMark
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = def.DedupSize
	}

	seen, err := lru.New[string, struct{}](cfg.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}

	b := &Buffer{
		config: cfg,
		logger: logger.Named("ingest"),
		now:    time.Now,
		seen:   seen,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// OnBackpressure registers a callback invoked whenever the signal flips.
// Callbacks run outside the buffer lock.
func (b *Buffer) OnBackpressure(fn func(active bool)) {
	b.mu.Lock()
	b.onSignal = append(b.onSignal, fn)
	b.mu.Unlock()
}

// Ingest validates an event and appends it to the queue. A *ValidationError
// is returned for malformed events. Events whose id was already seen are
// accepted silently and not queued again.
func (b *Buffer) Ingest(ev telemetry.Event) error {
	if err := ev.Validate(b.now(), b.config.MaxClockSkew); err != nil {
		b.mu.Lock()
		b.rejected++
		b.mu.Unlock()
		b.metrics.ObserveIngest(ev.Source, "rejected")
		b.logger.Debug("Rejected event", zap.String("event_id", ev.ID), zap.Error(err))
		return err
	}

	b.mu.Lock()
	if b.seen.Contains(ev.ID) {
		b.duplicates++
		b.mu.Unlock()
		b.metrics.ObserveIngest(ev.Source, "duplicate")
		return nil
	}
	b.seen.Add(ev.ID, struct{}{})
	b.queue = append(b.queue, ev)
	b.accepted++
	depth := len(b.queue)
	var callbacks []func(bool)
	if !b.backpressure && depth >= b.config.HighWaterMark {
		b.backpressure = true
		callbacks = b.onSignal
	}
	active := b.backpressure
	b.mu.Unlock()

	b.metrics.ObserveIngest(ev.Source, "accepted")
	b.metrics.SetQueue(depth, active)
	if callbacks != nil {
		b.logger.Warn("Ingest backpressure raised", zap.Int("depth", depth), zap.Int("high_water_mark", b.config.HighWaterMark))
		notify(callbacks, true)
	}
	return nil
}

// IngestBatch ingests events in order and returns the number accepted
// (including silent duplicates) along with the validation failures.
func (b *Buffer) IngestBatch(events []telemetry.Event) (int, []error) {
	var errs []error
	accepted := 0
	for _, ev := range events {
		if err := b.Ingest(ev); err != nil {
			errs = append(errs, err)
			continue
		}
		accepted++
	}
	return accepted, errs
}

// Drain removes up to max events in arrival order. It never blocks; an
// empty buffer yields an empty slice. max <= 0 drains everything.
func (b *Buffer) Drain(max int) []telemetry.Event {
	b.mu.Lock()
	n := len(b.queue)
	if max > 0 && max < n {
		n = max
	}
	out := make([]telemetry.Event, n)
	copy(out, b.queue[:n])
	rest := len(b.queue) - n
	if rest == 0 {
		b.queue = nil
	} else {
		remaining := make([]telemetry.Event, rest)
		copy(remaining, b.queue[n:])
		b.queue = remaining
	}

	var callbacks []func(bool)
	if b.backpressure && rest <= b.config.HighWaterMark/2 {
		b.backpressure = false
		callbacks = b.onSignal
	}
	active := b.backpressure
	b.mu.Unlock()

	b.metrics.SetQueue(rest, active)
	if callbacks != nil {
		b.logger.Info("Ingest backpressure cleared", zap.Int("depth", rest))
		notify(callbacks, false)
	}
	return out
}

// Backpressure reports whether producers should slow down.
func (b *Buffer) Backpressure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backpressure
}

// Len returns the number of queued events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Stats returns buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Depth:        len(b.queue),
		Accepted:     b.accepted,
		Duplicates:   b.duplicates,
		Rejected:     b.rejected,
		Backpressure: b.backpressure,
	}
}

func notify(callbacks []func(bool), active bool) {
	for _, fn := range callbacks {
		fn(active)
	}
}
