package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/telemetry/normalization"
)

// SubscriberConfig configures the NATS event intake
type SubscriberConfig struct {
	Subject string `yaml:"subject"`
	Queue   string `yaml:"queue"`
}

// ack is sent back when the publisher used request/reply.
type ack struct {
	Accepted     bool   `json:"accepted"`
	Backpressure bool   `json:"backpressure"`
	Error        string `json:"error,omitempty"`
}

// Subscriber consumes JSON events from a NATS subject into a Buffer.
// Instances sharing a queue group split the subject's traffic.
type Subscriber struct {
	nc         *nats.Conn
	config     SubscriberConfig
	normalizer *normalization.Normalizer
	buffer     *Buffer
	logger     *zap.Logger
	sub        *nats.Subscription
}

// NewSubscriber creates a new NATS event subscriber
func NewSubscriber(nc *nats.Conn, cfg SubscriberConfig, normalizer *normalization.Normalizer, buffer *Buffer, logger *zap.Logger) *Subscriber {
	if cfg.Subject == "" {
		cfg.Subject = "incidentforge.events"
	}
	if cfg.Queue == "" {
		cfg.Queue = "incidentforge-ingest"
	}
	return &Subscriber{
		nc:         nc,
		config:     cfg,
		normalizer: normalizer,
		buffer:     buffer,
		logger:     logger.Named("nats-intake"),
	}
}

// Start subscribes to the configured subject.
func (s *Subscriber) Start() error {
	sub, err := s.nc.QueueSubscribe(s.config.Subject, s.config.Queue, s.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.config.Subject, err)
	}
	s.sub = sub
	s.logger.Info("Subscribed to event subject",
		zap.String("subject", s.config.Subject),
		zap.String("queue", s.config.Queue),
	)
	return nil
}

// Stop drains the subscription so in-flight messages are still ingested.
func (s *Subscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

func (s *Subscriber) handle(msg *nats.Msg) {
	reply := ack{Accepted: true}

	ev, err := s.normalizer.NormalizeJSON(msg.Data)
	if err == nil {
		err = s.buffer.Ingest(ev)
	}
	if err != nil {
		reply = ack{Error: err.Error()}
		s.logger.Debug("Rejected NATS event", zap.String("subject", msg.Subject), zap.Error(err))
	}
	reply.Backpressure = s.buffer.Backpressure()

	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(reply)
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("Failed to acknowledge event", zap.Error(err))
	}
}
