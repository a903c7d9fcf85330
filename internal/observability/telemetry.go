// Package observability provides logging, metrics, and tracing capabilities
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// runtimeSampleInterval is how often goroutine and heap gauges refresh.
const runtimeSampleInterval = 15 * time.Second

// Config configures telemetry
type Config struct {
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	LogLevel       string  `yaml:"log_level"`
	LogFormat      string  `yaml:"log_format"` // json, console
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// Telemetry bundles the service logger, tracer and metrics registry.
type Telemetry struct {
	config   Config
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	registry *prometheus.Registry

	shutdownOnce sync.Once
	shutdownFns  []func(context.Context) error
}

// New creates a Telemetry instance. Metrics live on a private registry so
// tests can build several instances in one process. A tracer that cannot
// be set up is logged and replaced by the global no-op tracer.
func New(cfg Config) (*Telemetry, error) {
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	t := &Telemetry{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	if cfg.TracingEnabled {
		tp, err := newTracerProvider(context.Background(), cfg)
		if err != nil {
			logger.Warn("Tracing disabled", zap.String("otlp_endpoint", cfg.OTLPEndpoint), zap.Error(err))
		} else {
			otel.SetTracerProvider(tp)
			otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			))
			t.shutdownFns = append(t.shutdownFns, tp.Shutdown)
		}
	}
	t.tracer = otel.Tracer(cfg.ServiceName)

	if cfg.MetricsEnabled {
		t.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		t.metrics = NewMetrics(t.registry)
	}
	return t, nil
}

// NewLogger builds the service logger: JSON production output with an
// ISO8601 "timestamp" key, or a colored console encoder for development.
// Unknown levels fall back to info.
func NewLogger(cfg Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	zc.InitialFields = map[string]interface{}{
		"service": cfg.ServiceName,
		"version": cfg.ServiceVersion,
	}
	if cfg.Environment != "" {
		zc.InitialFields["environment"] = cfg.Environment
	}
	return zc.Build()
}

// newTracerProvider exports spans over OTLP gRPC. Sampling is parent
// based so a dispatch joins the caller's trace when there is one.
func newTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	rate := cfg.SamplingRate
	if rate <= 0 {
		rate = 1
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	), nil
}

// Logger returns the logger
func (t *Telemetry) Logger() *zap.Logger {
	return t.logger
}

// Tracer returns the tracer
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Metrics returns the metrics, nil when metrics are disabled
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// MetricsHandler serves the private registry.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// StartRuntimeSampler refreshes the goroutine and heap gauges until ctx is
// done. It does nothing when metrics are disabled.
func (t *Telemetry) StartRuntimeSampler(ctx context.Context) {
	if t.metrics == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(runtimeSampleInterval)
		defer ticker.Stop()
		for {
			t.metrics.sampleRuntime()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (m *Metrics) sampleRuntime() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.GoroutineCount.Set(float64(runtime.NumGoroutine()))
	m.MemoryUsage.Set(float64(ms.HeapAlloc))
}

// Shutdown flushes the tracer and the logger. It is safe to call twice.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	t.shutdownOnce.Do(func() {
		for _, fn := range t.shutdownFns {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		_ = t.logger.Sync()
	})
	return errors.Join(errs...)
}
