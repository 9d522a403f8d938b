package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelglobal "go.opentelemetry.io/otel"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/compliscan/compliscan/internal/app/pipeline"
	"github.com/compliscan/compliscan/internal/app/reconcile"
	"github.com/compliscan/compliscan/internal/app/relay"
	"github.com/compliscan/compliscan/internal/config"
	"github.com/compliscan/compliscan/internal/infra/blob"
	"github.com/compliscan/compliscan/internal/infra/cache"
	"github.com/compliscan/compliscan/internal/infra/classify"
	"github.com/compliscan/compliscan/internal/infra/eventbus/kafka"
	"github.com/compliscan/compliscan/internal/infra/progress"
	"github.com/compliscan/compliscan/internal/infra/render"
	"github.com/compliscan/compliscan/internal/infra/stages/analyze"
	"github.com/compliscan/compliscan/internal/infra/stages/capture"
	"github.com/compliscan/compliscan/internal/infra/stages/crawl"
	"github.com/compliscan/compliscan/internal/infra/stages/discovery"
	"github.com/compliscan/compliscan/internal/infra/stages/identify"
	"github.com/compliscan/compliscan/internal/infra/storage/postgres"
	"github.com/compliscan/compliscan/pkg/common"
	"github.com/compliscan/compliscan/pkg/common/logger"
	"github.com/compliscan/compliscan/pkg/common/otel"
)

const (
	serviceType = "worker"

	// drainTimeout bounds how long shutdown waits for in-flight tasks before
	// tearing their contexts down. Tasks killed by the teardown stay RUNNING
	// in the store; the reconciler orphans them on the next sweep.
	drainTimeout = 30 * time.Second
)

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	var log *logger.Logger

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			// Add any error-specific attributes.
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			// Output the error event with valid JSON details.
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("WORKER-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	// TODO: Adjust the min log level via env var.
	log = logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	// Setup signal handling.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// COMPLISCAN_CONFIG points at an optional YAML file; everything can also
	// arrive via COMPLISCAN_-prefixed environment variables.
	cfg, err := config.Load(os.Getenv("COMPLISCAN_CONFIG"))
	if err != nil {
		log.Error(ctx, "failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize telemetry.
	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      svcName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"service.instance": hostname,
			"app":              serviceType,
		},
		InsecureExporter: true, // TODO: Come back to setup TLS.
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(svcName)

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(cfg.Health.Addr, ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			log.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN())
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 20
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}

	log.Info(ctx, "Migrations applied successfully. Starting worker...")

	mp := otelglobal.GetMeterProvider()
	metricCollector, err := pipeline.NewPipelineMetrics(mp)
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}
	reconcilerMetrics, err := reconcile.NewReconcilerMetrics(mp)
	if err != nil {
		log.Error(ctx, "failed to create reconciler metrics", "error", err)
		os.Exit(1)
	}

	eventBus, err := kafka.ConnectWithRetry(&kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		TaskTopic:      cfg.Kafka.TaskTopic,
		LifecycleTopic: cfg.Kafka.LifecycleTopic,
		ProgressTopic:  cfg.Kafka.ProgressTopic,
		GroupID:        cfg.Kafka.GroupID,
		ClientID:       fmt.Sprintf("%s-%s", cfg.Kafka.ClientID, hostname),
		ServiceType:    serviceType,
	}, log, metricCollector, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect event bus", "error", err)
		os.Exit(1)
	}
	eventPublisher := kafka.NewDomainEventPublisher(eventBus)

	taskStore := postgres.NewTaskStore(pool, tracer)

	resultCache, err := cache.NewResultCache(cache.Config{
		MaxEntries: cfg.Cache.Size,
		TTL:        cfg.Cache.TTL,
	})
	if err != nil {
		log.Error(ctx, "failed to create result cache", "error", err)
		os.Exit(1)
	}

	blobStore, err := blob.NewFSStore(cfg.Blob.Dir)
	if err != nil {
		log.Error(ctx, "failed to open blob store", "error", err)
		os.Exit(1)
	}

	progressBus := progress.NewBus()

	// Outbound calls to the supporting services carry HTTP client spans.
	outboundTransport := otelhttp.NewTransport(http.DefaultTransport)

	var ctSource discovery.CTSource
	if cfg.Discovery.CTLogEndpoint != "" {
		ctSource = discovery.NewCTLogClient(
			&http.Client{Timeout: 30 * time.Second, Transport: outboundTransport},
			cfg.Discovery.CTLogEndpoint,
			tracer,
		)
	}

	var renderer capture.Renderer
	if cfg.Renderer.Endpoint != "" {
		renderer = render.NewClient(
			&http.Client{Timeout: cfg.Renderer.Timeout, Transport: outboundTransport},
			render.Config{BaseURL: cfg.Renderer.Endpoint},
			tracer,
		)
	}

	if cfg.Classify.Endpoint == "" {
		log.Warn(ctx, "No classification endpoint configured; tasks with the analyze stage enabled will fail")
	}
	classifyClient := classify.NewClient(
		&http.Client{Timeout: cfg.Classify.Timeout, Transport: outboundTransport},
		classify.Config{
			BaseURL:           cfg.Classify.Endpoint,
			Token:             cfg.Classify.APIKey,
			RequestsPerSecond: cfg.Classify.RPS,
			Burst:             cfg.Classify.Burst,
		},
		tracer,
	)

	executorSet, err := pipeline.NewExecutorSet(
		discovery.NewExecutor(nil, ctSource, log, tracer),
		crawl.NewExecutor(nil, log, tracer),
		identify.NewExecutor(log, tracer),
		capture.NewExecutor(nil, blobStore, renderer, log, tracer),
		analyze.NewExecutor(classifyClient, blobStore, log, tracer),
	)
	if err != nil {
		log.Error(ctx, "failed to assemble stage executors", "error", err)
		os.Exit(1)
	}

	progressRelay := relay.NewRelay(progressBus, eventPublisher, log, tracer)

	orchestrator := pipeline.NewOrchestrator(
		taskStore,
		resultCache,
		progressBus,
		eventPublisher,
		executorSet,
		log,
		metricCollector,
		tracer,
		pipeline.WithRetryPolicy(pipeline.RetryPolicy{
			InitialInterval:     cfg.Pipeline.Retry.InitialInterval,
			MaxInterval:         cfg.Pipeline.Retry.MaxInterval,
			Multiplier:          cfg.Pipeline.Retry.Multiplier,
			RandomizationFactor: cfg.Pipeline.Retry.RandomizationFactor,
		}),
		pipeline.WithMinReportInterval(cfg.Pipeline.MinReportInterval),
		pipeline.WithCancelGracePeriod(cfg.Pipeline.CancelGracePeriod),
		pipeline.WithExistenceProbeInterval(cfg.Pipeline.ExistenceProbeInterval),
		pipeline.WithStallDetection(cfg.Pipeline.StallThreshold, cfg.Pipeline.StallSweepInterval),
		pipeline.WithProgressFollower(progressRelay),
	)

	reconciler := reconcile.NewReconciler(
		taskStore,
		resultCache,
		orchestrator,
		log,
		reconcilerMetrics,
		tracer,
		reconcile.WithInterval(cfg.Reconcile.Interval),
		reconcile.WithStartupDelay(cfg.Reconcile.StartupDelay),
	)

	intake := pipeline.NewIntake(
		hostname,
		eventBus,
		orchestrator,
		cfg.Pipeline.MaxConcurrentTasks,
		log,
		metricCollector,
		tracer,
	)

	orchestrator.Liveness().Start(ctx)
	reconciler.Start(ctx)

	log.Info(ctx, "Worker initialized")
	ready.Store(true)

	errCh := make(chan error, 1)
	go func() {
		errCh <- intake.Run(ctx)
	}()

	// Wait for either a signal or an intake error.
	select {
	case sig := <-sigCh:
		log.Info(ctx, "Received shutdown signal", "signal", sig)
		ready.Store(false)

		// Stop accepting submissions, then let in-flight tasks drain. The
		// timer tears down task contexts if the drain overruns.
		intake.Stop()
		drainTimer := time.AfterFunc(drainTimeout, func() {
			log.Warn(ctx, "Drain window expired; aborting in-flight tasks")
			cancel()
		})
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			log.Error(ctx, "Intake stopped with error", "error", err)
		}
		drainTimer.Stop()
		cancel()

		progressRelay.Wait()
		reconciler.Stop()
		orchestrator.Liveness().Stop()
		if err := eventBus.Close(); err != nil {
			log.Error(ctx, "Failed to close event bus", "error", err)
		}
		progressBus.Close()

		log.Info(ctx, "Worker shutdown complete")

	case err := <-errCh:
		log.Error(ctx, "Intake error", "error", err)
		os.Exit(1)
	}
}

// TODO: consider moving this to an init container.
// runMigrations uses golang-migrate to apply all up migrations from
// "db/migrations". It acquires a single pgx connection from the pool, runs
// migrations, and then releases the connection back to the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := pgx.WithInstance(db, &pgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("COMPLISCAN_MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
