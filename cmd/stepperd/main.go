// Package main is the entry point for the stepper workflow server.
// It wires all dependencies together and starts the HTTP server.
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

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/stepper/definitions"
	"github.com/pitabwire/stepper/internal/config"
	"github.com/pitabwire/stepper/internal/definition"
	"github.com/pitabwire/stepper/internal/eligibility"
	"github.com/pitabwire/stepper/internal/idempotency"
	"github.com/pitabwire/stepper/internal/observability"
	"github.com/pitabwire/stepper/internal/storage"
	"github.com/pitabwire/stepper/internal/transport"
	"github.com/pitabwire/stepper/internal/workflow"
	"github.com/pitabwire/stepper/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "stepper", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load definitions, validate, build registry.
	evaluator := eligibility.NewEvaluator(
		eligibility.WithTimeout(cfg.Decisions.RuleTimeout),
		eligibility.WithLogger(logger),
	)
	defs, err := loadDefinitions(cfg.Definitions, evaluator, logger)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	registry, err := definition.NewRegistry(defs)
	if err != nil {
		logger.Error("definition registry failed", zap.Error(err))
		return 1
	}
	metrics.SetDefinitionsLoaded(registry.Len())

	// Step 5: Initialize workflow store.
	wfStore, wfStoreCloser, err := buildWorkflowStore(ctx, cfg.Workflow, logger)
	if err != nil {
		logger.Error("workflow store initialization failed", zap.Error(err))
		return 1
	}
	if wfStoreCloser != nil {
		defer wfStoreCloser()
	}

	// Step 6: Open the document bucket.
	docs, err := storage.Open(ctx, cfg.Storage.BucketURL, cfg.Storage.MaxUploadBytes)
	if err != nil {
		logger.Error("document bucket initialization failed", zap.Error(err))
		return 1
	}
	defer func() { _ = docs.Close() }()
	uploader := storage.NewGuarded(docs, storage.NewBreaker(cfg.Storage.BreakerFailures, 1, cfg.Storage.BreakerCooldown))

	// Step 7: Initialize idempotency store (optional).
	idemStore, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	if idemCloser != nil {
		defer idemCloser()
	}

	// Step 8: Build the engine and the expiry sweeper.
	engine := workflow.NewEngine(registry, wfStore,
		workflow.WithDecisionSource(evaluator),
		workflow.WithUploader(uploader),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
		workflow.WithInstanceTTL(cfg.Workflow.InstanceTTL),
	)

	var sweeper *workflow.Sweeper
	if cfg.Workflow.SweepSchedule != "" {
		sweeper, err = workflow.NewSweeper(engine, cfg.Workflow.SweepSchedule, cfg.Workflow.SweepBatch, logger)
		if err != nil {
			logger.Error("sweeper initialization failed", zap.Error(err))
			return 1
		}
	}

	// Step 9: Build HTTP router.
	keyfunc, err := buildKeyfunc(cfg.Identity, logger)
	if err != nil {
		logger.Error("authentication initialization failed", zap.Error(err))
		return 1
	}

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
		WorkflowStore:     wfStore,
		IdempotencyStore:  idemStore,
		DocumentBucket:    docs,
		UploadCircuit:     uploader.Circuit,
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Engine:       engine,
		Registry:     registry,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, keyfunc),
		Idempotency:  idemStore,
		Metrics:      metrics,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	// Step 10: Start background tasks.
	if sweeper != nil {
		sweeper.Start()
	}

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("workflows", registry.Len()),
		zap.String("definitions_checksum", registry.Checksum()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if sweeper != nil {
		sweeper.Stop(shutdownCtx)
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// loadDefinitions reads definitions from the configured directories, or the
// bundled set when none are configured, and validates them. Any validation
// error is fatal.
func loadDefinitions(cfg config.DefinitionsConfig, rules definition.RuleChecker, logger *zap.Logger) ([]model.DomainDefinition, error) {
	loader := definition.NewLoader()
	var (
		defs []model.DomainDefinition
		err  error
	)
	if len(cfg.Directories) > 0 {
		defs, err = loader.LoadAll(cfg.Directories)
	} else {
		logger.Info("no definition directories configured, using bundled definitions")
		defs, err = loader.LoadFS(definitions.FS)
	}
	if err != nil {
		return nil, err
	}

	verrs := definition.NewValidator(rules).Validate(defs)
	for _, ve := range verrs {
		logger.Error("definition validation error",
			zap.String("path", ve.Path),
			zap.String("code", ve.Code),
			zap.String("message", ve.Message),
		)
	}
	if len(verrs) > 0 {
		return nil, fmt.Errorf("%d definition validation error(s)", len(verrs))
	}
	return defs, nil
}

// buildWorkflowStore creates the workflow store based on config.
func buildWorkflowStore(ctx context.Context, cfg config.WorkflowConfig, logger *zap.Logger) (workflow.WorkflowStore, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryWorkflowStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.Store.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.Store.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Store.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.Store.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.Store.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("workflow store: ping: %w", err)
		}

		store := workflow.NewPgWorkflowStore(pool)
		if cfg.Store.Migrate {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("workflow store: migrate: %w", err)
			}
		}
		logger.Info("using postgres workflow store")
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Store.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns a nil store when idempotency is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		store := idempotency.NewRedisStore(client)
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping: %w", err)
		}
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return store, func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

// buildKeyfunc selects JWKS verification when a JWKS URL is configured and
// the shared HMAC secret otherwise.
func buildKeyfunc(cfg config.IdentityConfig, logger *zap.Logger) (jwt.Keyfunc, error) {
	if cfg.JWKSURL != "" {
		return transport.NewJWKSClient(cfg.JWKSURL, cfg.JWKSCacheTTL, logger).Keyfunc, nil
	}
	secret := os.Getenv(cfg.SecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("%s environment variable not set", cfg.SecretEnv)
	}
	return transport.HMACKeyfunc([]byte(secret)), nil
}
