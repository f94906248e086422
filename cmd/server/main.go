package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/loglens/api/internal/auth"
	"github.com/loglens/api/internal/client"
	"github.com/loglens/api/internal/config"
	"github.com/loglens/api/internal/handler"
	"github.com/loglens/api/internal/middleware"
	"github.com/loglens/api/internal/pipeline"
	"github.com/loglens/api/internal/scheduler"
	"github.com/loglens/api/internal/service"
	"github.com/loglens/api/internal/store"
	"github.com/loglens/api/internal/worker"
	ws "github.com/loglens/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	redisAvailable := true
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available, falling back to in-memory store: %v", err)
		redisAvailable = false
	}

	// Job store: Redis-backed when available, in-memory otherwise
	var jobStore store.Store
	if redisAvailable {
		jobStore = store.NewRedisStore(redisClient)
	} else {
		jobStore = store.NewMemoryStore()
	}

	// Object storage: R2 when configured, in-memory otherwise
	var storage client.StorageClient
	if cfg.R2.AccountID != "" && cfg.R2.AccessKeyID != "" {
		r2, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Fatalf("Failed to initialize R2 client: %v", err)
		}
		storage = r2
	} else {
		log.Println("Info: R2 not configured, using in-memory object storage")
		storage = client.NewMemoryStorage()
	}

	// Model provider clients. Unconfigured clients make the pipeline
	// fall back to local embeddings and template narratives.
	llmClient := client.NewLLMClient(&cfg.LLM)
	embeddingClient := client.NewEmbeddingClient(&cfg.Embedding)

	// Initialize validator
	validate := validator.New()

	// Pipeline executor
	executor := pipeline.NewExecutor(jobStore, storage, embeddingClient, llmClient, pipeline.Config{
		ChunkLines:   cfg.Pipeline.ChunkLines,
		ChunkOverlap: cfg.Pipeline.ChunkOverlap,
		EmbedBatch:   cfg.Pipeline.EmbedBatch,
		MaxAttempts:  cfg.Pipeline.MaxAttempts,
		RetryBackoff: time.Duration(cfg.Pipeline.RetryBackoffSeconds) * time.Second,
		StageTimeout: time.Duration(cfg.Pipeline.StageTimeoutSeconds) * time.Second,
	})

	// Worker scheduler polls the store for pending jobs
	sched := scheduler.New(
		jobStore,
		executor,
		time.Duration(cfg.Scheduler.PollIntervalSeconds)*time.Second,
		cfg.Scheduler.Workers,
		scheduler.RealClock(),
	)
	go sched.Run(ctx)

	// WebSocket hub streams job events to subscribers
	hub := ws.NewHub(jobStore, time.Duration(cfg.Stream.HeartbeatSeconds)*time.Second)

	// Initialize services
	submitService := service.NewSubmitService(jobStore, storage)
	analysisService := service.NewAnalysisService(jobStore)

	// Initialize handlers
	analysisHandler := handler.NewAnalysisHandler(submitService, analysisService, validate)

	// Auth: gateway headers, OIDC JWKS with legacy fallback, or legacy JWT
	var authHandler fiber.Handler
	var verifier auth.TokenVerifier
	if cfg.OIDC.Issuer != "" {
		v, err := auth.NewJWKSVerifier(&cfg.OIDC)
		if err != nil {
			log.Fatalf("Failed to initialize JWKS verifier: %v", err)
		}
		verifier = v
	}
	switch {
	case cfg.Gateway.Enabled:
		log.Println("Info: gateway auth mode, trusting X-User-* headers")
		authHandler = middleware.GatewayAuthMiddleware()
	case verifier != nil:
		authHandler = middleware.NewAuthMiddlewareWithFallback(verifier, cfg.JWT.Secret).Authenticate()
	default:
		authHandler = middleware.NewLegacyAuthMiddleware(cfg.JWT.Secret).Authenticate()
	}
	verifyHandler := handler.NewAuthHandler(verifier, cfg.JWT.Secret)

	// Rate limiting backed by Redis, disabled when unavailable
	var rateLimiter *middleware.RateLimiter
	if redisAvailable {
		rateLimiter = middleware.NewRateLimiter(redisClient)
	} else {
		rateLimiter = middleware.NewRateLimiter(nil)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // 50MB
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		status := fiber.Map{
			"status": "ok",
			"store":  "memory",
		}
		if redisAvailable {
			status["store"] = "redis"
			if err := redisClient.Ping(c.Context()).Err(); err != nil {
				status["status"] = "degraded"
				status["redis"] = err.Error()
			}
		}
		return c.JSON(status)
	})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"service": "loglens-api"})
	})

	// ForwardAuth endpoint for reverse proxies
	app.Get("/auth/verify", verifyHandler.Verify)

	// API routes
	api := app.Group("/api", authHandler)

	analyses := api.Group("/analyses")
	analyses.Post("/", rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour), analysisHandler.Submit)
	analyses.Post("/:jobId/files", rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour), analysisHandler.Attach)
	analyses.Get("/:jobId", rateLimiter.QueryLimit(cfg.RateLimit.QueryPerMin), analysisHandler.Get)
	analyses.Get("/:jobId/events", rateLimiter.QueryLimit(cfg.RateLimit.QueryPerMin), analysisHandler.Events)
	analyses.Post("/:jobId/cancel", rateLimiter.QueryLimit(cfg.RateLimit.QueryPerMin), analysisHandler.Cancel)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/analyses/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		from, _ := strconv.ParseInt(c.Query("from", "0"), 10, 64)
		hub.HandleConnection(c, jobID, from)
	}))

	// Retention sweeping runs through asynq when Redis is available
	if redisAvailable {
		go startRetentionWorker(cfg, jobStore)
		go startRetentionScheduler(cfg)
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		cancel()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startRetentionWorker(cfg *config.Config, jobStore store.Store) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 1,
			Queues: map[string]int{
				"maintenance": 1,
			},
		},
	)

	retentionWorker := worker.NewRetentionWorker(jobStore)

	mux := asynq.NewServeMux()
	mux.HandleFunc(worker.TaskTypeRetentionSweep, retentionWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func startRetentionScheduler(cfg *config.Config) {
	sched := asynq.NewScheduler(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		nil,
	)

	task, err := worker.NewRetentionTask(cfg.Retention.Hours)
	if err != nil {
		log.Printf("Failed to build retention task: %v", err)
		return
	}

	if _, err := sched.Register("@every 1h", task, asynq.Queue("maintenance")); err != nil {
		log.Printf("Failed to register retention task: %v", err)
		return
	}

	if err := sched.Run(); err != nil {
		log.Printf("Asynq scheduler error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
