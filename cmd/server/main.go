// Package main provides the entry point for the IncidentForge server.
// It correlates security events into incidents and drives them through the
// analysis, remediation and communication stages.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/incidentforge/internal/api"
	"github.com/lvonguyen/incidentforge/internal/api/gateway"
	"github.com/lvonguyen/incidentforge/internal/config"
	"github.com/lvonguyen/incidentforge/internal/enrichment"
	"github.com/lvonguyen/incidentforge/internal/incident"
	"github.com/lvonguyen/incidentforge/internal/mitre"
	"github.com/lvonguyen/incidentforge/internal/observability"
	"github.com/lvonguyen/incidentforge/internal/orchestrator"
	"github.com/lvonguyen/incidentforge/internal/playbooks"
	"github.com/lvonguyen/incidentforge/internal/resilience"
	"github.com/lvonguyen/incidentforge/internal/routing"
	"github.com/lvonguyen/incidentforge/internal/stages"
	"github.com/lvonguyen/incidentforge/internal/store"
	"github.com/lvonguyen/incidentforge/internal/telemetry/correlation"
	"github.com/lvonguyen/incidentforge/internal/telemetry/ingestion"
	"github.com/lvonguyen/incidentforge/internal/telemetry/normalization"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("IncidentForge %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "incidentforge: %v\n", err)
		os.Exit(1)
	}

	tel, err := observability.New(cfg.Observability(Version))
	if err != nil {
		fmt.Fprintf(os.Stderr, "incidentforge: failed to initialize telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := tel.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, tel); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		shutdownTelemetry(tel)
		os.Exit(1)
	}
	shutdownTelemetry(tel)
}

func shutdownTelemetry(tel *observability.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tel.Shutdown(ctx)
}

func run(ctx context.Context, cfg *config.Config, tel *observability.Telemetry) error {
	logger := tel.Logger()
	metrics := tel.Metrics()

	logger.Info("Starting IncidentForge",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("store", cfg.Store.Backend),
	)
	tel.StartRuntimeSampler(ctx)

	// Durable state
	st, redisClient, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.NATS.Name),
			nats.Timeout(cfg.NATS.Timeout),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Drain()
		logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	}

	// Event intake
	buffer, err := ingestion.NewBuffer(cfg.Ingest.Buffer, logger, ingestion.WithMetrics(metrics))
	if err != nil {
		return err
	}
	normalizer := normalization.NewNormalizer(cfg.Ingest.Normalizer)

	// Correlation
	aliases := enrichment.ChainResolver{enrichment.NewStaticAliases(cfg.Identity.Aliases)}
	if cfg.Identity.Provider.Enabled {
		token := config.Secret(cfg.Identity.Provider.TokenEnv)
		aliases = append(aliases, enrichment.NewIdentityProvider(cfg.Identity.Provider, token, logger))
	}
	engine := correlation.NewEngine(cfg.Correlation, aliases, mitre.NewAttackFramework(), logger,
		correlation.WithMetrics(metrics),
	)
	defer engine.Stop()

	// Incidents and routing
	machine := incident.NewStateMachine(incident.NewRepository(st), cfg.Correlation.Window, logger,
		incident.WithMetrics(metrics),
	)

	pbm := playbooks.NewPlaybookManager(logger)
	if cfg.Playbooks.Dir != "" && !cfg.Playbooks.Watch {
		if err := pbm.LoadDir(cfg.Playbooks.Dir); err != nil {
			logger.Warn("Playbook load incomplete", zap.String("dir", cfg.Playbooks.Dir), zap.Error(err))
		}
	}

	breakerOpts := []resilience.Option{
		resilience.WithObserver(resilience.StoreObserver(st, cfg.Orchestrator.StoreTimeout, logger)),
		resilience.WithObserver(func(s resilience.BreakerState) {
			metrics.SetBreakerState(s.TargetStage, s.State.Value())
		}),
	}
	for stage, c := range cfg.Breaker.Stages {
		breakerOpts = append(breakerOpts, resilience.WithStageConfig(stage, c))
	}
	breakers := resilience.NewRegistry(cfg.Breaker.Config, logger, breakerOpts...)

	router := routing.NewRouter(cfg.Routing, breakers, logger,
		routing.WithMetrics(metrics),
		routing.WithPlaybooks(pbm),
	)

	table, err := stages.Build(cfg.Stages, nc, &http.Client{}, logger)
	if err != nil {
		return fmt.Errorf("failed to build stage table: %w", err)
	}

	loop := orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Buffer:   buffer,
		Engine:   engine,
		Machine:  machine,
		Router:   router,
		Breakers: breakers,
		Stages:   table,
		Store:    st,
	}, logger, orchestrator.WithMetrics(metrics), orchestrator.WithTracer(tel.Tracer()))

	if err := loop.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}

	// Operator API
	limiter := gateway.NewRateLimiter(redisClient, cfg.RateLimit, logger)
	srv := api.NewServer(api.Deps{
		Buffer:         buffer,
		Normalizer:     normalizer,
		Engine:         engine,
		Machine:        machine,
		Router:         router,
		Breakers:       breakers,
		Loop:           loop,
		Store:          st,
		Playbooks:      pbm,
		Limiter:        limiter,
		Metrics:        metrics,
		MetricsHandler: metricsHandler(cfg, tel),
	}, api.HECConfig{
		Enabled:      cfg.Ingest.HEC.Enabled,
		Token:        config.Secret(cfg.Ingest.HEC.TokenEnv),
		MaxBatchSize: cfg.Ingest.HEC.MaxBatchSize,
		MaxEventSize: cfg.Ingest.HEC.MaxEventSize,
	}, Version, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return loop.Run(gctx) })

	for _, cc := range cfg.Ingest.Collectors {
		if !cc.Enabled {
			continue
		}
		source := ingestion.NewHTTPSource(cc, config.Secret(cc.TokenEnv), logger)
		poller := ingestion.NewPoller(source, buffer, cc, time.Now().Add(-cfg.Ingest.Buffer.MaxClockSkew), logger)
		g.Go(func() error { return poller.Run(gctx) })
	}

	if nc != nil && cfg.NATS.Intake.Subject != "" {
		sub := ingestion.NewSubscriber(nc, cfg.NATS.Intake, normalizer, buffer, logger)
		if err := sub.Start(); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			return sub.Stop()
		})
	}

	if cfg.Playbooks.Dir != "" && cfg.Playbooks.Watch {
		g.Go(func() error {
			if err := pbm.Watch(gctx, cfg.Playbooks.Dir); err != nil {
				// builtin playbooks still apply
				logger.Warn("Playbook watcher stopped", zap.Error(err))
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("Server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("Server stopped", zap.Any("last_tick", loop.LastTick()))
	return err
}

// openStore connects the configured backend. The Redis client is returned
// so the rate limiter can share it.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, *redis.Client, error) {
	if cfg.Store.Backend != "redis" {
		logger.Warn("Using in-memory store; state is lost on restart")
		return store.NewMemoryStore(), nil, nil
	}

	rs := store.NewRedisStore(cfg.Store.Redis, config.Secret(cfg.Store.Redis.PasswordEnv), logger)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		_ = rs.Close()
		return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Store.Redis.Addr, err)
	}
	return rs, rs.Client(), nil
}

func metricsHandler(cfg *config.Config, tel *observability.Telemetry) http.Handler {
	if !cfg.Telemetry.MetricsEnabled {
		return nil
	}
	return tel.MetricsHandler()
}
