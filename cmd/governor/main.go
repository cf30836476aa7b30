// Package main is the entry point for the change governance daemon.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/quantumlayerhq/ql-cgov/internal/api"
	"github.com/quantumlayerhq/ql-cgov/internal/artifact"
	"github.com/quantumlayerhq/ql-cgov/internal/blastradius"
	"github.com/quantumlayerhq/ql-cgov/internal/cab"
	"github.com/quantumlayerhq/ql-cgov/internal/cmdb"
	"github.com/quantumlayerhq/ql-cgov/internal/evidence"
	"github.com/quantumlayerhq/ql-cgov/internal/exception"
	"github.com/quantumlayerhq/ql-cgov/internal/incident"
	"github.com/quantumlayerhq/ql-cgov/internal/maturity"
	"github.com/quantumlayerhq/ql-cgov/internal/ops"
	"github.com/quantumlayerhq/ql-cgov/internal/riskmodel"
	"github.com/quantumlayerhq/ql-cgov/internal/scheduler"
	"github.com/quantumlayerhq/ql-cgov/internal/security"
	"github.com/quantumlayerhq/ql-cgov/internal/store/postgres"
	"github.com/quantumlayerhq/ql-cgov/pkg/audit"
	"github.com/quantumlayerhq/ql-cgov/pkg/auth"
	"github.com/quantumlayerhq/ql-cgov/pkg/config"
	"github.com/quantumlayerhq/ql-cgov/pkg/database"
	"github.com/quantumlayerhq/ql-cgov/pkg/kafka"
	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/metrics"
	"github.com/quantumlayerhq/ql-cgov/pkg/rbac"
	"github.com/quantumlayerhq/ql-cgov/pkg/telemetry"
)

// Build information (set via ldflags).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat).WithService("governor")
	log.Info("starting governance engine",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"env", cfg.Env,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracing, err := telemetry.NewProvider(ctx, cfg.Telemetry, "ql-cgov", version, cfg.Env)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to flush traces", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Storage
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	st := postgres.New(db)
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	log.Info("connected to database")

	grantsDB, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open grants database: %w", err)
	}
	defer grantsDB.Close()
	roles := rbac.ContextProvider{Fallback: rbac.NewSQLProvider(grantsDB)}

	// Audit trail: the database chain is authoritative, Kafka fans out.
	producer, err := kafka.NewProducer(cfg.Kafka, log)
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	defer producer.Close()
	auditLog := audit.NewPostgresSink(db, log)
	events := audit.NewMultiSink(log,
		auditLog,
		audit.NewKafkaSink(producer, cfg.Kafka.Topics.Events),
	)

	modelRegistry := riskmodel.NewRegistry(st, roles, events, log)
	def := riskmodel.DefaultDefinition()
	if cfg.Governance.RiskModelFile != "" {
		if def, err = riskmodel.LoadDefinition(cfg.Governance.RiskModelFile); err != nil {
			return err
		}
	}
	if err := modelRegistry.Bootstrap(ctx, def); err != nil {
		return err
	}

	// Engine services
	var lookup cmdb.Lookup
	if cfg.CMDB.Enabled() {
		lookup = cmdb.NewBreaker(cmdb.NewClient(cfg.CMDB), cmdb.DefaultBreakerConfig(), log)
		log.Info("CMDB lookups enabled", "instance", cfg.CMDB.InstanceURL)
	}
	classifier := blastradius.NewClassifier(cfg.Governance.Classifier, lookup, m, log)

	builder, err := evidence.NewBuilder(st, classifier, events, m, log)
	if err != nil {
		return err
	}

	blobs, err := artifact.New(ctx, cfg.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}
	gate := security.NewGate(blobs, artifact.NewSBOMStore(blobs), events, m, log)

	cabSvc := cab.NewService(st, roles, events, m, log)
	exceptions := exception.NewService(st, roles, events, m, log)
	incidents := incident.NewService(st, events, m, log)
	engine := maturity.NewEngine(st, roles, events, m, log)
	verifier := auth.NewVerifier(cfg.Auth.JWKSURL, cfg.Auth.Issuer)

	// Incident intake
	consumer, err := kafka.NewConsumer(cfg.Kafka, log)
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	defer consumer.Close()

	go func() {
		topics := []string{cfg.Kafka.Topics.Incidents}
		log.Info("starting incident consumer", "topics", topics)
		err := consumer.Subscribe(ctx, topics, incident.Handler(incidents, verifier, log))
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Error("incident consumer stopped")
		}
	}()

	// Scheduled jobs, one replica at a time.
	var (
		locker     scheduler.Locker = scheduler.NewLocalLocker()
		redisCheck ops.Checker
	)
	if cfg.Redis.Addr != "" {
		redisClient, err := scheduler.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		locker = scheduler.NewRedisLocker(redisClient)
		redisCheck = ops.CheckFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	} else {
		log.Warn("redis not configured, job leases are local to this replica")
	}

	jobs := scheduler.New(ctx, locker, cfg.Governance.SweepLockTTL, m, log)
	if err := scheduler.RegisterGovernanceJobs(jobs, cfg.Governance, exceptions, engine); err != nil {
		return fmt.Errorf("failed to schedule jobs: %w", err)
	}
	jobs.Start()
	go func() {
		if _, err := jobs.RunNow(ctx, scheduler.JobExceptionSweep); err != nil {
			log.Error("initial sweep failed", "error", err)
		}
	}()

	// Listeners
	apiServer := &http.Server{
		Addr: cfg.API.Address(),
		Handler: api.New(api.Config{
			Evidence:       builder,
			Gate:           gate,
			CAB:            cabSvc,
			Exceptions:     exceptions,
			Incidents:      incidents,
			Maturity:       engine,
			RiskModels:     modelRegistry,
			Audit:          auditLog,
			Roles:          roles,
			Authenticator:  verifier,
			Logger:         log,
			MaturityWindow: cfg.Governance.MaturityWindow,
			AllowedOrigins: cfg.API.AllowedOrigins,
		}),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	opsServer := ops.NewServer(cfg.Ops.Address(), ops.NewHandler([]ops.Dependency{
		{Name: "database", Check: st},
		{Name: "redis", Check: redisCheck, Optional: true},
		{Name: "kafka", Check: ops.CheckFunc(func(context.Context) error { return kafka.Ping(cfg.Kafka.Brokers) }), Optional: true},
	}, registry, version, log), cfg.Ops.ShutdownTimeout, log)
	opsErrors := opsServer.Start()

	apiErrors := make(chan error, 1)
	go func() {
		log.Info("API listener started", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			apiErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-apiErrors:
		runErr = fmt.Errorf("API listener error: %w", err)
	case err, ok := <-opsErrors:
		if ok {
			runErr = fmt.Errorf("ops listener error: %w", err)
		}
	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		_ = apiServer.Close()
	}
	jobs.Stop()
	cancel()
	if err := opsServer.Shutdown(context.Background()); err != nil {
		log.Error("ops shutdown failed", "error", err)
	}

	log.Info("governance engine shutdown complete")
	return runErr
}
