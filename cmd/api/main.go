package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/iago/health-records-back/internal/backend"
	"github.com/iago/health-records-back/internal/chat"
	"github.com/iago/health-records-back/internal/config"
	"github.com/iago/health-records-back/internal/dashboard"
	httpserver "github.com/iago/health-records-back/internal/http"
	"github.com/iago/health-records-back/internal/http/handlers"
	"github.com/iago/health-records-back/internal/logs"
	"github.com/iago/health-records-back/internal/metrics"
	"github.com/iago/health-records-back/internal/queue"
	"github.com/iago/health-records-back/internal/repository"
	"github.com/iago/health-records-back/internal/service"
	"github.com/iago/health-records-back/internal/worker"
	"github.com/iago/health-records-back/internal/workflow"
	"github.com/redis/go-redis/v9"
)

func main() {
	dotenvErr := config.LoadDotEnv(".env", ".env.local")
	cfg := config.Load()
	logger := logs.New(cfg)
	slog.SetDefault(logger)
	if dotenvErr != nil {
		logger.Warn("failed loading .env files", slog.String("error", dotenvErr.Error()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := metrics.New()

	repo, repoCloser := setupRepository(ctx, cfg, logger)
	defer repoCloser()

	producer, consumer, redisClient, queueCloser := setupQueue(ctx, cfg, logger)
	defer queueCloser()

	client := backend.NewClient(backend.ClientConfig{
		BaseURL:  cfg.BackendURL,
		Timeout:  time.Duration(cfg.BackendTimeoutMS) * time.Millisecond,
		Logger:   logger.With(slog.String("component", "backend")),
		Recorder: recorder,
	})

	dashboardConfig := dashboard.Config{
		LockTTL:  time.Duration(cfg.DashboardLockTTLMS) * time.Millisecond,
		Recorder: recorder,
		Logger:   logger.With(slog.String("component", "dashboard")),
	}
	if cfg.DashboardLockEnabled && redisClient != nil {
		dashboardConfig.Locker = dashboard.NewRedisLocker(redisClient)
		logger.Info("dashboard creation lock enabled")
	}

	uploads := service.NewUploadsService(
		repo,
		producer,
		func(cookie string) workflow.Gateway { return client.Session(cookie) },
		service.UploadsConfig{
			Workflow: workflow.Config{
				PollInterval:    time.Duration(cfg.PollIntervalMS) * time.Millisecond,
				MaxPollAttempts: cfg.MaxPollAttempts,
				CallTimeout:     time.Duration(cfg.BackendTimeoutMS) * time.Millisecond,
			},
			Retention: time.Duration(cfg.UploadRetentionMinutes) * time.Minute,
			Recorder:  recorder,
			Logger:    logger.With(slog.String("component", "uploads")),
		},
	)
	go uploads.RunJanitor(ctx)

	api := handlers.NewAPI(handlers.Dependencies{
		Backend:     client,
		Dashboards:  dashboard.NewService(client, dashboardConfig),
		Chats:       chat.NewService(client),
		Uploads:     uploads,
		PhoneRegion: cfg.PhoneDefaultRegion,
		Logger:      logger,
	})

	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		Recorder:       recorder,
		Metrics:        recorder.Handler(),
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	if cfg.WorkerEnabled {
		processor := worker.NewProcessor(consumer, repo, recorder, logger.With(slog.String("component", "worker")))
		go processor.Start(ctx)
		logger.Info("worker enabled and started")
	} else {
		logger.Info("worker disabled by configuration")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.BackendTimeoutMS)*time.Millisecond + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("api listening", slog.String("addr", server.Addr), slog.String("backend", cfg.BackendURL))
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.String("error", err.Error()))
	}
	uploads.Close()
}

func setupRepository(
	ctx context.Context,
	cfg config.Config,
	logger *slog.Logger,
) (repository.JobsRepository, func()) {
	if cfg.DatabaseURL == "" {
		logger.Info("DATABASE_URL not configured, using in-memory repository")
		return repository.NewMemoryJobsRepository(), func() {}
	}

	pgRepo, err := repository.NewPostgresJobsRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Warn("failed to initialize postgres repository, fallback to memory", slog.String("error", err.Error()))
		return repository.NewMemoryJobsRepository(), func() {}
	}
	logger.Info("postgres repository initialized")
	return pgRepo, func() {
		pgRepo.Close()
	}
}

// setupQueue also returns the Redis client when streams are in use so the
// dashboard lock can share the connection.
func setupQueue(
	ctx context.Context,
	cfg config.Config,
	logger *slog.Logger,
) (queue.Producer, queue.Consumer, *redis.Client, func()) {
	var (
		baseProducer queue.Producer
		consumer     queue.Consumer
		redisClient  *redis.Client
		baseCloser   = func() {}
	)

	queueLogger := logger.With(slog.String("component", "queue"))
	if cfg.RedisAddr == "" {
		logger.Info("REDIS_ADDR not configured, using local queue fallback")
		local := queue.NewLocalQueue(512, 3, queueLogger)
		baseProducer = local
		consumer = local
	} else {
		streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			Stream:      cfg.RedisStream,
			DLQStream:   cfg.RedisDLQ,
			Group:       cfg.RedisGroup,
			Consumer:    cfg.RedisConsumer,
			MaxAttempts: 3,
			MaxLen:      int64(cfg.RedisMaxLen),
		})
		if err != nil {
			logger.Warn("failed to initialize redis streams queue, fallback to local", slog.String("error", err.Error()))
			local := queue.NewLocalQueue(512, 3, queueLogger)
			baseProducer = local
			consumer = local
		} else {
			logger.Info("redis streams queue initialized", slog.String("stream", cfg.RedisStream))
			baseProducer = streams
			consumer = streams
			redisClient = streams.Client()
			baseCloser = func() {
				_ = streams.Close()
			}
		}
	}

	producer := baseProducer
	batchingCloser := func() {}
	if cfg.QueueBatchingEnabled {
		batching := queue.NewBatchingProducer(ctx, baseProducer, queue.BatchingConfig{
			MaxBatchSize:       cfg.QueueBatchSize,
			FlushInterval:      time.Duration(cfg.QueueBatchFlushMS) * time.Millisecond,
			FlushTimeout:       time.Duration(cfg.QueueBatchFlushTimeoutMS) * time.Millisecond,
			QueueCapacity:      cfg.QueueBatchQueueCapacity,
			MaxInFlightBatches: cfg.QueueBatchMaxInFlight,
		})
		producer = batching
		batchingCloser = batching.Close
		logger.Info("queue batching enabled",
			slog.Int("size", cfg.QueueBatchSize),
			slog.Int("flush_ms", cfg.QueueBatchFlushMS),
			slog.Int("queue_capacity", cfg.QueueBatchQueueCapacity),
			slog.Int("max_in_flight", cfg.QueueBatchMaxInFlight),
		)
	}

	return producer, consumer, redisClient, func() {
		batchingCloser()
		baseCloser()
	}
}
