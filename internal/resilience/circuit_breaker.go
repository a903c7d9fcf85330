// Package resilience gates hand-offs to stage workers with one circuit
// breaker per target stage.
package resilience

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned by Allow when a stage is not accepting work.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Value maps the state to the exported gauge value.
func (s State) Value() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// DefaultConfig returns default breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// BreakerState is the persisted state of one stage's breaker.
type BreakerState struct {
	TargetStage         string        `json:"target_stage"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	FailureThreshold    int           `json:"failure_threshold"`
	RecoveryTimeout     time.Duration `json:"recovery_timeout"`
}

type breaker struct {
	mu    sync.Mutex
	state BreakerState
	trial bool // a half-open trial is in flight
}

// Observer is told about every state change. Observers run under the
// stage's lock and must not call back into the Registry.
type Observer func(BreakerState)

// Registry holds one breaker per target stage.
type Registry struct {
	config    Config
	overrides map[string]Config
	observers []Observer
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	breakers map[string]*breaker
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock sets the clock used for recovery timeouts.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithStageConfig overrides thresholds for one stage.
func WithStageConfig(stage string, cfg Config) Option {
	return func(r *Registry) { r.overrides[stage] = cfg }
}

// WithObserver registers a state change observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// NewRegistry creates a breaker registry.
func NewRegistry(cfg Config, logger *zap.Logger, opts ...Option) *Registry {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	r := &Registry{
		config:    cfg,
		overrides: make(map[string]Config),
		logger:    logger.Named("circuit"),
		now:       time.Now,
		breakers:  make(map[string]*breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) get(stage string) *breaker {
	r.mu.RLock()
	b, ok := r.breakers[stage]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[stage]; ok {
		return b
	}
	cfg := r.config
	if o, ok := r.overrides[stage]; ok {
		if o.FailureThreshold > 0 {
			cfg.FailureThreshold = o.FailureThreshold
		}
		if o.RecoveryTimeout > 0 {
			cfg.RecoveryTimeout = o.RecoveryTimeout
		}
	}
	b = &breaker{state: BreakerState{
		TargetStage:      stage,
		State:            StateClosed,
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
	}}
	r.breakers[stage] = b
	return b
}

// changeState transitions b; caller holds b.mu.
func (r *Registry) changeState(b *breaker, to State) {
	from := b.state.State
	b.state.State = to
	switch to {
	case StateOpen:
		b.state.OpenedAt = r.now()
		b.trial = false
	case StateClosed:
		b.state.ConsecutiveFailures = 0
		b.state.OpenedAt = time.Time{}
		b.trial = false
	}

	r.logger.Info("Circuit state changed",
		zap.String("stage", b.state.TargetStage),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("consecutive_failures", b.state.ConsecutiveFailures),
	)
	for _, o := range r.observers {
		o(b.state)
	}
}

// Allow asks permission to attempt a transfer to stage. It returns
// ErrCircuitOpen while the circuit is open, or half-open with its single
// trial already in flight. A nil return obliges the caller to report the
// attempt with RecordSuccess, RecordFailure or Release.
func (r *Registry) Allow(stage string) error {
	b := r.get(stage)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state.State {
	case StateOpen:
		if r.now().Sub(b.state.OpenedAt) < b.state.RecoveryTimeout {
			return ErrCircuitOpen
		}
		r.changeState(b, StateHalfOpen)
		b.trial = true
		return nil
	case StateHalfOpen:
		if b.trial {
			return ErrCircuitOpen
		}
		b.trial = true
		return nil
	}
	return nil
}

// IsOpen reports whether Allow would reject stage right now, without
// consuming a half-open trial.
func (r *Registry) IsOpen(stage string) bool {
	b := r.get(stage)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state.State {
	case StateOpen:
		return r.now().Sub(b.state.OpenedAt) < b.state.RecoveryTimeout
	case StateHalfOpen:
		return b.trial
	}
	return false
}

// Release returns a permission granted by Allow for an attempt that never
// reached the stage. It counts neither as success nor as failure.
func (r *Registry) Release(stage string) {
	b := r.get(stage)
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

// RecordSuccess reports a successful attempt.
func (r *Registry) RecordSuccess(stage string) {
	b := r.get(stage)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state.State {
	case StateHalfOpen:
		r.changeState(b, StateClosed)
	default:
		b.state.ConsecutiveFailures = 0
	}
}

// RecordFailure reports a failed or timed out attempt.
func (r *Registry) RecordFailure(stage string) {
	b := r.get(stage)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.ConsecutiveFailures++
	switch b.state.State {
	case StateClosed:
		if b.state.ConsecutiveFailures >= b.state.FailureThreshold {
			r.changeState(b, StateOpen)
		}
	case StateHalfOpen:
		r.changeState(b, StateOpen)
	}
}

// State returns a copy of stage's breaker state.
func (r *Registry) State(stage string) BreakerState {
	b := r.get(stage)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns all known breaker states ordered by stage.
func (r *Registry) Snapshot() []BreakerState {
	r.mu.RLock()
	stages := make([]*breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		stages = append(stages, b)
	}
	r.mu.RUnlock()

	out := make([]BreakerState, 0, len(stages))
	for _, b := range stages {
		b.mu.Lock()
		out = append(out, b.state)
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetStage < out[j].TargetStage })
	return out
}

// Restore loads persisted states. Thresholds keep their configured values;
// a half-open breaker comes back without a trial in flight.
func (r *Registry) Restore(states []BreakerState) {
	for _, s := range states {
		if s.TargetStage == "" {
			continue
		}
		b := r.get(s.TargetStage)
		b.mu.Lock()
		b.state.State = s.State
		b.state.ConsecutiveFailures = s.ConsecutiveFailures
		b.state.OpenedAt = s.OpenedAt
		b.trial = false
		for _, o := range r.observers {
			o(b.state)
		}
		b.mu.Unlock()
	}
}
