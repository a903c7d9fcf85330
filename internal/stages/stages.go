// Package stages defines the contract between the orchestrator and the
// independently deployed stage workers (analysis, remediation,
// communication) and the transports used to reach them.
package stages

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/incident"
)

// ErrNoWorker is returned when no worker is registered for a stage.
var ErrNoWorker = errors.New("stages: no worker for stage")

// Worker executes one stage for a transfer. A returned error, or a result
// with Success false, is a failed attempt.
type Worker interface {
	Submit(ctx context.Context, t incident.WorkflowTransfer) (incident.TransferResult, error)
}

// FuncWorker adapts a function to the Worker interface.
type FuncWorker func(ctx context.Context, t incident.WorkflowTransfer) (incident.TransferResult, error)

// Submit calls f.
func (f FuncWorker) Submit(ctx context.Context, t incident.WorkflowTransfer) (incident.TransferResult, error) {
	return f(ctx, t)
}

// Endpoint locates a stage worker. URL schemes nats:// and http(s):// are
// supported; for nats the host and path form the request subject.
type Endpoint struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config is the injected stage endpoint table.
type Config struct {
	DefaultTimeout  time.Duration       `yaml:"default_timeout"`
	ValidatePayload bool                `yaml:"validate_payload"`
	Endpoints       map[string]Endpoint `yaml:"endpoints"`
}

// DefaultConfig returns the default stage timeout and no endpoints.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  300 * time.Second,
		ValidatePayload: true,
		Endpoints:       map[string]Endpoint{},
	}
}

type entry struct {
	worker  Worker
	timeout time.Duration
}

// Table maps stages to workers and their per-stage timeouts.
type Table struct {
	defaultTimeout time.Duration
	entries        map[incident.Stage]entry
}

// NewTable creates an empty table.
func NewTable(defaultTimeout time.Duration) *Table {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultConfig().DefaultTimeout
	}
	return &Table{
		defaultTimeout: defaultTimeout,
		entries:        make(map[incident.Stage]entry),
	}
}

// Register installs w for stage. A non-positive timeout uses the default.
func (t *Table) Register(stage incident.Stage, w Worker, timeout time.Duration) {
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}
	t.entries[stage] = entry{worker: w, timeout: timeout}
}

// Lookup returns the worker and timeout for stage.
func (t *Table) Lookup(stage incident.Stage) (Worker, time.Duration, error) {
	e, ok := t.entries[stage]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoWorker, stage)
	}
	return e.worker, e.timeout, nil
}

// Stages returns the registered stages in pipeline order.
func (t *Table) Stages() []incident.Stage {
	var out []incident.Stage
	for _, s := range incident.WorkerStages {
		if _, ok := t.entries[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Build constructs a table from configuration. nc may be nil when no
// endpoint uses NATS.
func Build(cfg Config, nc *nats.Conn, client *http.Client, logger *zap.Logger) (*Table, error) {
	table := NewTable(cfg.DefaultTimeout)

	var validator *Validator
	if cfg.ValidatePayload {
		v, err := NewValidator()
		if err != nil {
			return nil, err
		}
		validator = v
	}

	for name, ep := range cfg.Endpoints {
		stage := incident.Stage(name)
		if !isWorkerStage(stage) {
			return nil, fmt.Errorf("unknown stage %q in endpoint table", name)
		}
		u, err := url.Parse(ep.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint for %s: %w", name, err)
		}

		var w Worker
		switch u.Scheme {
		case "nats":
			if nc == nil {
				return nil, fmt.Errorf("endpoint for %s needs a NATS connection", name)
			}
			w = NewNATSWorker(nc, natsSubject(u))
		case "http", "https":
			w = NewHTTPWorker(ep.URL, client)
		default:
			return nil, fmt.Errorf("unsupported endpoint scheme %q for %s", u.Scheme, name)
		}
		if validator != nil {
			w = validator.Wrap(w)
		}
		table.Register(stage, w, ep.Timeout)
		logger.Info("Registered stage worker",
			zap.String("stage", name),
			zap.String("transport", u.Scheme),
		)
	}
	return table, nil
}

func natsSubject(u *url.URL) string {
	subject := u.Host
	if p := strings.Trim(u.Path, "/"); p != "" {
		if subject != "" {
			subject += "."
		}
		subject += strings.ReplaceAll(p, "/", ".")
	}
	return subject
}

func isWorkerStage(s incident.Stage) bool {
	for _, ws := range incident.WorkerStages {
		if ws == s {
			return true
		}
	}
	return false
}
