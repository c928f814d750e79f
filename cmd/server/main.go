package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlog "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/makeasinger/melodygen/internal/client"
	"github.com/makeasinger/melodygen/internal/config"
	"github.com/makeasinger/melodygen/internal/generation"
	"github.com/makeasinger/melodygen/internal/handler"
	"github.com/makeasinger/melodygen/internal/logging"
	"github.com/makeasinger/melodygen/internal/metrics"
	"github.com/makeasinger/melodygen/internal/middleware"
	"github.com/makeasinger/melodygen/internal/service"
	"github.com/makeasinger/melodygen/internal/store"
	ws "github.com/makeasinger/melodygen/internal/websocket"
	"github.com/makeasinger/melodygen/internal/worker"
	"github.com/makeasinger/melodygen/pkg/response"
)

const (
	bodyLimit    = 110 * 1024 * 1024
	drainTimeout = 30 * time.Second
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Server.IsDevelopment())
	metrics.MustRegister()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis backs the job store, the rate limiter and the asynq executor
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis not available")
	}

	st, storeCheck, err := openStore(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open job store")
	}

	storage, err := openStorage(ctx, cfg)
	if err != nil {
		logger.Warn().Err(err).Str("provider", cfg.Storage.Provider).Msg("object storage disabled")
		storage = nil
	}

	// Generation backends
	backendLog := logging.Component(logger, "generation")
	docker, err := client.NewDockerClient(cfg.Generation.DockerHost)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create docker client")
	}
	primary := generation.NewContainerBackend(docker, cfg.Generation.MelodyContainer, cfg.Generation.VocalContainer, backendLog)

	checks := []worker.HealthCheck{
		{Name: "set1_melody", Check: func(ctx context.Context) error { return primary.Ping(ctx, generation.StageMelody) }},
		{Name: "set1_vocals", Check: func(ctx context.Context) error { return primary.Ping(ctx, generation.StageVocals) }},
	}

	var (
		alternate generation.Backend
		probe     generation.Probe
	)
	inference := client.NewInferenceClient(&cfg.Inference)
	if inference.IsConfigured() {
		library := generation.NewLibraryBackend(inference, cfg.Inference.CheckpointPath, cfg.Inference.ConfigPath, backendLog)
		alternate = library
		probe = generation.NewAlternateProbe(library, cfg.Inference.SDKPath, cfg.Inference.CheckpointPath, cfg.Inference.ConfigPath)
		checks = append(checks, worker.HealthCheck{
			Name:  "set2",
			Check: func(ctx context.Context) error { return library.Ping(ctx, generation.StageMelody) },
		})
	}
	if storage != nil {
		checks = append(checks, worker.HealthCheck{Name: "storage", Check: storage.HealthCheck})
	}

	waiter := generation.Waiter{
		Attempts:  cfg.Generation.ArtifactWaitAttempts,
		Backoff:   cfg.Generation.ArtifactWaitBackoff,
		OnAttempt: metrics.IncArtifactCheck,
	}
	invoker := generation.NewInvoker(primary, waiter, cfg.Generation.MaxConcurrentInvocations, backendLog)
	selector := generation.NewSelector(primary, alternate, probe)
	layout := generation.Layout{SharedDir: cfg.Generation.SharedDir}

	// WebSocket hub
	hub := ws.NewHub(st.Get, logging.Component(logger, "websocket"))
	go hub.Run(ctx)

	// Services
	jobService := service.NewJobService(st, layout, logging.Component(logger, "jobs"))
	uploadService := service.NewUploadService(storage, logging.Component(logger, "upload")).
		WithSignedURLs(cfg.Storage.SignedURLTTL)

	// Workers
	workerLog := logging.Component(logger, "worker")
	collector := worker.NewCollector(st, uploadService, workerLog).WithNotifier(hub)
	runner := worker.NewRunner(st, selector, invoker, collector, layout, cfg.Generation.Checkpoint, workerLog).WithNotifier(hub)

	executor, drain := startExecutor(cfg, runner, logger)
	dispatcher := worker.NewDispatcher(st, executor, cfg.Worker.PollInterval, logging.Component(logger, "dispatcher")).
		WithHealthChecks(checks...).
		WithNotifier(hub)
	go dispatcher.Run(ctx)

	// Initialize validator
	validate := validator.New()

	// Initialize handlers
	jobHandler := handler.NewJobHandler(jobService, validate)
	healthHandler := handler.NewHealthHandler(storeCheck, checks...)

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    bodyLimit,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(fiberlog.New(fiberlog.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", healthHandler.Check)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())
	api.Post("/jobs", rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour), jobHandler.Submit)
	api.Get("/jobs", jobHandler.List)
	api.Get("/jobs/:jobId", jobHandler.Status)
	api.Get("/jobs/:jobId/result", jobHandler.Result)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", authMiddleware.Authenticate(), websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("jobId"))
	}))

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	logger.Info().
		Str("addr", addr).
		Str("store", cfg.Store.Driver).
		Str("executor", cfg.Worker.Executor).
		Bool("alternate_backend", alternate != nil).
		Msg("server starting")
	if err := app.Listen(addr); err != nil {
		logger.Error().Err(err).Msg("server error")
	}
	stop()
	drain()
}

// openStore returns the configured job store and a reachability check for
// the health endpoint.
func openStore(cfg *config.Config, redisClient *redis.Client) (store.Store, func(context.Context) error, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), nil, nil
	case "redis":
		return store.NewRedis(redisClient), func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}, nil
	case "postgres":
		pg, err := store.OpenPostgres(cfg.Postgres.DSN())
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Ping, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// openStorage returns the object storage client for uploads, or nil when
// uploads are disabled.
func openStorage(ctx context.Context, cfg *config.Config) (client.StorageClient, error) {
	switch cfg.Storage.Provider {
	case "r2":
		return client.NewR2Client(&cfg.R2)
	case "minio":
		return client.NewMinioClient(ctx, &cfg.Minio)
	default:
		return nil, nil
	}
}

// startExecutor starts the configured executor. The returned func waits a
// bounded time for in-flight jobs after shutdown.
func startExecutor(cfg *config.Config, runner *worker.Runner, logger *zerolog.Logger) (worker.Executor, func()) {
	if cfg.Worker.Executor != "asynq" {
		pool := worker.NewPool(cfg.Worker.Concurrency, runner.Run)
		return pool, func() {
			done := make(chan struct{})
			go func() {
				pool.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(drainTimeout):
				logger.Warn().Msg("jobs still running at shutdown")
			}
		}
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     cfg.Worker.Concurrency,
		Queues:          map[string]int{cfg.Worker.Queue: 1},
		ShutdownTimeout: drainTimeout,
	})

	mux := asynq.NewServeMux()
	mux.Handle(worker.TaskTypeGenerate, worker.NewGenerateHandler(runner.Run))
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("failed to start asynq worker")
	}

	return worker.NewAsynqExecutor(asynqClient, cfg.Worker.Queue, cfg.Worker.TaskTimeout), func() {
		srv.Shutdown()
		if err := asynqClient.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close asynq client")
		}
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
