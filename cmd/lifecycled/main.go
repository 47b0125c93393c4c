package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/agent-lifecycle/internal/console/handler"
	"github.com/xela07ax/agent-lifecycle/internal/console/server"
	"github.com/xela07ax/agent-lifecycle/internal/console/service"
	"github.com/xela07ax/agent-lifecycle/internal/domain"
	"github.com/xela07ax/agent-lifecycle/internal/drift"
	"github.com/xela07ax/agent-lifecycle/internal/events"
	"github.com/xela07ax/agent-lifecycle/internal/health"
	"github.com/xela07ax/agent-lifecycle/internal/infra"
	"github.com/xela07ax/agent-lifecycle/internal/infra/auth"
	"github.com/xela07ax/agent-lifecycle/internal/lifecycle"
	"github.com/xela07ax/agent-lifecycle/internal/metrics"
	"github.com/xela07ax/agent-lifecycle/internal/provisioning"
	"github.com/xela07ax/agent-lifecycle/internal/registry"
	"github.com/xela07ax/agent-lifecycle/internal/remediation"
	"github.com/xela07ax/agent-lifecycle/internal/repository/postgres"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// lifecycled hash-password <pw>: хэш для таблицы users
	if len(os.Args) == 3 && os.Args[1] == "hash-password" {
		hash, err := bcrypt.GenerateFromPassword([]byte(os.Args[2]), cfg.Auth.BcryptCost)
		if err != nil {
			log.Fatalf("hash: %v", err)
		}
		fmt.Println(string(hash))
		return
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("lifecycled failed", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст процесса: SIGINT/SIGTERM запускают graceful shutdown
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	// 2. Инфраструктура: Postgres (опционально) и Redis
	var db *sql.DB
	store := registry.Store(registry.NopStore{})
	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.Open(appCtx, cfg.Database.URL, int(cfg.Database.MaxConns), int(cfg.Database.MinConns))
		if err != nil {
			return err
		}
		defer db.Close()
		if err := postgres.EnsureSchema(appCtx, db); err != nil {
			return err
		}
		store = postgres.NewStore(db)
	} else {
		logger.Warn("database.url is empty, registry runs without persistence")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	redisUp := pingRedis(appCtx, rdb) == nil
	needRedis := cfg.Lifecycle.Scheduler == "redis" || cfg.Health.Source == "redis"
	if !redisUp {
		if needRedis {
			return fmt.Errorf("redis %s is unreachable", cfg.Redis.Addr)
		}
		logger.Warn("redis is unreachable, events stay local", zap.String("addr", cfg.Redis.Addr))
	}

	// 3. Провижинер: gRPC за лимитером, CB и ретраями, либо mock
	var prov provisioning.Provisioner
	switch cfg.Provisioner.Mode {
	case "grpc":
		conn, err := provisioning.Dial(cfg.Provisioner.Addr)
		if err != nil {
			return fmt.Errorf("provisioner: %w", err)
		}
		defer conn.Close()
		prov = provisioning.NewReliabilityWrapper(
			provisioning.NewGRPCAdapter(conn, cfg.Provisioner.CallTimeout),
			provisioning.ReliabilityConfig{
				Rate:          cfg.Provisioner.Rate,
				Burst:         cfg.Provisioner.Burst,
				Attempts:      cfg.Provisioner.Attempts,
				CallTimeout:   cfg.Provisioner.CallTimeout,
				CBMaxRequests: cfg.Provisioner.CBMaxRequests,
				CBInterval:    cfg.Provisioner.CBInterval,
				CBTimeout:     cfg.Provisioner.CBTimeout,
			},
			m, logger,
		)
	default:
		logger.Warn("provisioner runs in mock mode")
		prov = provisioning.NewMockProvisioner()
	}

	// 4. События: Redis pub/sub + аудит в Postgres; алерты через вебхук
	var publishers events.Fanout
	if redisUp {
		publishers = append(publishers, events.NewRedisPublisher(rdb, cfg.Events.Channel))
	}
	var auditor *events.Auditor
	if db != nil {
		auditor = events.NewAuditor(postgres.NewEventRepo(db), cfg.Events.AuditBufferSize, cfg.Events.AuditFlushInterval, m, logger)
		auditor.Start()
		defer auditor.Stop()
		publishers = append(publishers, auditor)
	}

	var alerter events.Alerter = events.NopAlerter{}
	if cfg.Alerts.WebhookURL != "" {
		minSev, err := domain.ParseSeverity(cfg.Alerts.MinSeverity)
		if err != nil {
			return fmt.Errorf("alerts.min_severity: %w", err)
		}
		alerter = events.NewWebhookAlerter(cfg.Alerts.WebhookURL, minSev, cfg.Alerts.Timeout, logger)
	}

	// 5. Ядро контура
	registryCore := registry.New(store, logger)
	if err := registryCore.Load(appCtx); err != nil {
		return err
	}

	var samples health.SampleStore = health.NewMemoryStore()
	if cfg.Health.Source == "redis" {
		samples = health.NewRedisStore(rdb, cfg.Health.MaxSampleAge)
	}
	monitor := health.NewMonitor(samples, registryCore, health.Config{
		Weights: health.Weights{
			Availability: cfg.Health.AvailabilityWeight,
			ErrorRate:    cfg.Health.ErrorRateWeight,
			Latency:      cfg.Health.LatencyWeight,
		},
		HealthyThreshold:  cfg.Health.HealthyThreshold,
		CriticalThreshold: cfg.Health.CriticalThreshold,
		LatencyCeiling:    cfg.Health.LatencyCeiling,
		MaxSampleAge:      cfg.Health.MaxSampleAge,
	}, logger)

	driftStrategy, err := domain.ParseStrategy(cfg.Lifecycle.DriftStrategy)
	if err != nil {
		return fmt.Errorf("lifecycle.drift_strategy: %w", err)
	}
	queue := remediation.NewQueue(cfg.Lifecycle.QueueCapacity)
	prints := drift.NewFingerprintStore()
	detector := drift.NewDetector(prints, queue, drift.Thresholds{
		Medium:   cfg.Drift.MediumThreshold,
		High:     cfg.Drift.HighThreshold,
		Critical: cfg.Drift.CriticalThreshold,
	}, driftStrategy, logger)

	var scheduler lifecycle.Scheduler
	switch cfg.Lifecycle.Scheduler {
	case "redis":
		scheduler = lifecycle.NewRedisScheduler(rdb, infra.RedisChanLifecycleTicks, cfg.Lifecycle.TickLockTTL, logger)
	case "external":
		scheduler = lifecycle.ExternalScheduler{}
	default:
		scheduler = lifecycle.IntervalScheduler{Interval: cfg.Lifecycle.TickInterval}
	}

	manager := lifecycle.NewManager(lifecycle.Deps{
		Registry:    registryCore,
		Health:      monitor,
		Drift:       detector,
		Queue:       queue,
		Provisioner: prov,
		Scheduler:   scheduler,
		Publisher:   publishers,
		Alerter:     alerter,
		Metrics:     m,
	}, lifecycle.Config{
		BatchSize:              cfg.Lifecycle.BatchSize,
		Concurrency:            cfg.Lifecycle.Concurrency,
		EvaluationTimeout:      cfg.Lifecycle.EvaluationTimeout,
		MaxAgentsPerCapability: cfg.Lifecycle.MaxAgentsPerCapability,
		Capabilities:           cfg.Lifecycle.Capabilities,
	}, logger)
	manager.OnRetired(prints.Forget)

	if err := manager.Start(appCtx); err != nil {
		return err
	}

	// 6. Консоль
	validator, authSvc, err := buildAuth(cfg, db)
	if err != nil {
		return err
	}
	lc := service.NewLifecycleService(manager, samples, prints, logger)
	if db != nil {
		lc.WithHistory(postgres.NewEventRepo(db))
	}
	var authH *handler.AuthHandler
	if authSvc != nil {
		authH = handler.NewAuthHandler(authSvc)
	}
	console := server.NewConsoleServer(cfg.Server.BasePath, logger, validator,
		authH,
		handler.NewLifecycleHandler(lc),
		handler.NewDriftHandler(lc),
		handler.NewAgentHandler(lc),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	metricsSrv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	errCh := make(chan error, 2)
	for _, s := range []*http.Server{srv, metricsSrv} {
		go func() {
			logger.Info("http listener started", zap.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", s.Addr, err)
			}
		}()
	}

	var runErr error
	select {
	case <-appCtx.Done():
		logger.Info("lifecycled stopping")
	case runErr = <-errCh:
	}

	// Даем 10 секунд на завершение запросов и текущего тика
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Error("manager stop failed", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("lifecycled exited properly")
	return runErr
}

func pingRedis(ctx context.Context, rdb *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}

// buildAuth: без публичного ключа консоль не поднимается; без приватного ключа
// или базы пользователей выдача токенов отключена.
func buildAuth(cfg *infra.Config, db *sql.DB) (auth.TokenValidator, *service.AuthService, error) {
	pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: %w", err)
	}
	validator := auth.NewBaseValidator(pub)
	if db == nil || len(cfg.Auth.PrivateKey) == 0 {
		return validator, nil, nil
	}
	priv, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: %w", err)
	}
	svc := service.NewAuthService(postgres.NewUserRepo(db), priv, validator, cfg.Auth.TokenTTL)
	return svc, svc, nil
}
