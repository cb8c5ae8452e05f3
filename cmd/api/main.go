package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/gbassaragh/APEX-sub002/internal/ai"
	"github.com/gbassaragh/APEX-sub002/internal/config"
	"github.com/gbassaragh/APEX-sub002/internal/domain"
	httpserver "github.com/gbassaragh/APEX-sub002/internal/http"
	"github.com/gbassaragh/APEX-sub002/internal/http/handlers"
	"github.com/gbassaragh/APEX-sub002/internal/logging"
	"github.com/gbassaragh/APEX-sub002/internal/queue"
	"github.com/gbassaragh/APEX-sub002/internal/repository"
	"github.com/gbassaragh/APEX-sub002/internal/service"
	"github.com/gbassaragh/APEX-sub002/internal/worker"
)

func main() {
	bootLogger := logging.New("info", "text")
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		bootLogger.WithField("error", err.Error()).Warn("failed loading .env files")
	}
	cfg, err := config.Load()
	if err != nil {
		bootLogger.WithField("error", err.Error()).Fatal("invalid configuration")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := setupStores(ctx, cfg, logger)
	if err != nil {
		logger.WithField("error", err.Error()).Fatal("failed to initialize stores")
	}
	defer stores.close()

	producer, consumer, queueCloser := setupQueue(ctx, cfg, logger)
	defer queueCloser()

	recorder := service.NewAuditRecorder(stores.audit, logger)
	manager := service.NewJobManager(stores.jobs, recorder, logger)
	coordinator := service.NewEstimateCoordinator(stores.estimates, recorder, logger)

	dispatcher, err := worker.NewDispatcher(worker.DispatcherConfig{Mode: worker.Mode(cfg.DispatchMode)}, manager, recorder, producer, logger)
	if err != nil {
		logger.WithField("error", err.Error()).Fatal("failed to build dispatcher")
	}
	validator, narrator := setupLanguageModel(cfg, logger)
	documentValidation := &worker.DocumentValidation{
		Documents: worker.NewMemoryDocumentStore(),
		Parser:    worker.TextParser{},
		Validator: validator,
	}
	estimateGeneration := &worker.EstimateGeneration{
		Sessions:    stores.sessions,
		Coordinator: coordinator,
		Planner:     worker.PayloadPlanner{CostCodes: stores.costCodes},
		Risk:        worker.TriangularRiskAnalyzer{},
		Narrator:    narrator,
	}
	dispatcher.Register(domain.JobTypeDocumentValidation, documentValidation.Run)
	dispatcher.Register(domain.JobTypeEstimateGeneration, estimateGeneration.Run)

	api := handlers.NewAPI(handlers.Dependencies{
		Jobs:           service.NewJobsService(manager, dispatcher, logger),
		Manager:        manager,
		Estimates:      coordinator,
		Logger:         logger,
		StaleThreshold: cfg.StaleThreshold,
		Ready:          stores.ready,
	})
	handler := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	processorDone := make(chan struct{})
	if cfg.DispatchMode == config.DispatchQueued && cfg.WorkerEnabled {
		processor := worker.NewProcessor(consumer, dispatcher, logger)
		go func() {
			defer close(processorDone)
			processor.Start(ctx)
		}()
		logger.Info("queue worker started")
	} else {
		close(processorDone)
		logger.WithField("dispatch_mode", cfg.DispatchMode).Info("queue worker not started")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Port).Info("api listening")
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithField("error", err.Error()).Error("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithField("error", err.Error()).Error("graceful shutdown failed")
	}
	stop()
	<-processorDone

	// background routines run detached from requests; give them the same
	// window to reach a terminal state
	drained := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("background jobs still running at exit; reconcile them with jobsctl")
	}
}

type storeSet struct {
	jobs      repository.JobsRepository
	audit     repository.AuditRepository
	estimates repository.EstimatesReader
	sessions  repository.SessionFactory
	costCodes repository.CostCodeRepository
	ready     func(r *http.Request) error
	close     func()
}

func setupStores(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*storeSet, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not configured, using in-memory stores")
		estimates := repository.NewMemoryEstimateStore()
		return &storeSet{
			jobs:      repository.NewMemoryJobsRepository(),
			audit:     repository.NewMemoryAuditRepository(),
			estimates: estimates,
			sessions:  estimates,
			costCodes: repository.NewMemoryCostCodeRepository(),
			close:     func() {},
		}, nil
	}

	pool, err := repository.OpenPool(ctx, repository.PoolConfig{
		DSN:         cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		DialTimeout: cfg.DialTimeout(),
	}, logger)
	if err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart {
		if err := repository.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &storeSet{
		jobs:      repository.NewPostgresJobsRepository(pool),
		audit:     repository.NewPostgresAuditRepository(pool),
		estimates: repository.NewPostgresEstimatesRepository(pool),
		sessions:  repository.NewPostgresSessionFactory(pool),
		costCodes: repository.NewPostgresCostCodeRepository(pool),
		ready:     pingPool(pool),
		close:     pool.Close,
	}, nil
}

func pingPool(pool *pgxpool.Pool) func(r *http.Request) error {
	return func(r *http.Request) error {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		return pool.Ping(ctx)
	}
}

func setupLanguageModel(cfg config.Config, logger logrus.FieldLogger) (worker.ContentValidator, worker.Narrator) {
	if cfg.LLMAPIKey == "" {
		logger.Warn("LLM_API_KEY not configured, using keyword validation and template narratives")
		return worker.KeywordValidator{}, worker.TemplateNarrator{}
	}
	client := ai.NewChatClient(ai.ClientConfig{
		APIKey:     cfg.LLMAPIKey,
		BaseURL:    cfg.LLMBaseURL,
		Timeout:    cfg.LLMTimeout,
		MaxRetries: cfg.LLMMaxRetries,
		AppName:    "apex-estimator",
	})
	logger.WithField("model", cfg.LLMModel).Info("language model client initialized")
	return worker.LLMValidator{Generator: client, Model: cfg.LLMModel},
		worker.LLMNarrator{Generator: client, Model: cfg.LLMModel, Fallback: worker.TemplateNarrator{}}
}

func setupQueue(
	ctx context.Context,
	cfg config.Config,
	logger logrus.FieldLogger,
) (queue.Producer, queue.Consumer, func()) {
	if cfg.DispatchMode != config.DispatchQueued {
		return nil, nil, func() {}
	}

	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not configured, using local queue")
		local := queue.NewLocalQueue(512, 3, logger)
		return local, local, func() {}
	}

	streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		Stream:       cfg.RedisStream,
		DLQStream:    cfg.RedisDLQ,
		Group:        cfg.RedisGroup,
		Consumer:     cfg.RedisConsumer,
		MaxAttempts:  3,
		ClaimMinIdle: cfg.RedisClaimMinIdle,
	}, logger)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("redis streams unavailable, falling back to local queue")
		local := queue.NewLocalQueue(512, 3, logger)
		return local, local, func() {}
	}
	logger.Info("redis streams queue initialized")
	return streams, streams, func() {
		if err := streams.Close(); err != nil {
			logger.WithField("error", err.Error()).Warn("close redis client")
		}
	}
}
