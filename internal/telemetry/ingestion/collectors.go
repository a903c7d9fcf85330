package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/telemetry"
	"github.com/lvonguyen/incidentforge/internal/telemetry/normalization"
)

// CollectorConfig holds configuration for a pull-based event source
type CollectorConfig struct {
	Name         string        `yaml:"name"`
	Enabled      bool          `yaml:"enabled"`
	APIURL       string        `yaml:"api_url"`
	TokenEnv     string        `yaml:"token_env"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	Timeout      time.Duration `yaml:"timeout"`
}

// HTTPSource queries a log search API for events:
//
//	GET {api_url}/events?since=<RFC3339>&limit=<n>
//
// The response is a JSON array of raw event objects, normalized on receipt.
type HTTPSource struct {
	name       string
	baseURL    string
	token      string
	client     *http.Client
	normalizer *normalization.Normalizer
	logger     *zap.Logger
}

// NewHTTPSource creates a new HTTP event source
func NewHTTPSource(cfg CollectorConfig, token string, logger *zap.Logger) *HTTPSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		name:       cfg.Name,
		baseURL:    cfg.APIURL,
		token:      token,
		client:     &http.Client{Timeout: timeout},
		normalizer: normalization.NewNormalizer(normalization.NormalizerConfig{DefaultSource: cfg.Name}),
		logger:     logger.Named("source").With(zap.String("source", cfg.Name)),
	}
}

// Name returns the source name
func (s *HTTPSource) Name() string { return s.name }

// FetchEvents returns up to limit events observed at or after since.
// Entries that fail normalization are logged and skipped.
func (s *HTTPSource) FetchEvents(ctx context.Context, since time.Time, limit int) ([]telemetry.Event, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/events?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("query %s returned %d: %s", s.name, resp.StatusCode, string(body))
	}

	var raws []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raws); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", s.name, err)
	}

	events := make([]telemetry.Event, 0, len(raws))
	for _, raw := range raws {
		ev, err := s.normalizer.Normalize(raw)
		if err != nil {
			s.logger.Warn("Skipping malformed event", zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Poller pulls events from an EventSource into a Buffer. The since cursor
// advances to the newest timestamp seen; events at the cursor are fetched
// again on the next poll and absorbed by the buffer's dedup.
type Poller struct {
	source   telemetry.EventSource
	buffer   *Buffer
	interval time.Duration
	limit    int
	logger   *zap.Logger

	mu     sync.Mutex
	cursor time.Time
}

// NewPoller creates a poller starting at the given cursor.
func NewPoller(source telemetry.EventSource, buffer *Buffer, cfg CollectorConfig, since time.Time, logger *zap.Logger) *Poller {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	limit := cfg.BatchSize
	if limit <= 0 {
		limit = 500
	}
	return &Poller{
		source:   source,
		buffer:   buffer,
		interval: interval,
		limit:    limit,
		cursor:   since,
		logger:   logger.Named("poller").With(zap.String("source", source.Name())),
	}
}

// Cursor returns the current since cursor.
func (p *Poller) Cursor() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// PollOnce performs a single fetch and returns the number of events handed
// to the buffer. It does nothing while the buffer signals backpressure.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	if p.buffer.Backpressure() {
		p.logger.Debug("Skipping poll under backpressure")
		return 0, nil
	}

	since := p.Cursor()
	events, err := p.source.FetchEvents(ctx, since, p.limit)
	if err != nil {
		return 0, fmt.Errorf("fetch events: %w", err)
	}

	n := 0
	newest := since
	for _, ev := range events {
		if err := p.buffer.Ingest(ev); err != nil {
			p.logger.Warn("Dropped invalid event", zap.Error(err))
			continue
		}
		n++
		if ev.Timestamp.After(newest) {
			newest = ev.Timestamp
		}
	}

	p.mu.Lock()
	if newest.After(p.cursor) {
		p.cursor = newest
	}
	p.mu.Unlock()
	return n, nil
}

// Run polls until ctx is cancelled. Fetch failures are logged and retried
// on the next interval.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("Poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
