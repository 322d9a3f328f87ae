package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"blockflow/internal/config"
	"blockflow/internal/crypto"
	"blockflow/internal/database"
	"blockflow/internal/execution"
	"blockflow/internal/handlers"
	"blockflow/internal/health"
	"blockflow/internal/jobs"
	"blockflow/internal/logging"
	"blockflow/internal/middleware"
	"blockflow/internal/scheduler"
	"blockflow/internal/services"
)

func main() {
	// Load .env file (ignore error if file doesn't exist)
	envErr := godotenv.Load()

	logging.Init()
	logrus.Info("🚀 Starting blockflow server...")
	if envErr != nil {
		logrus.Debugf("⚠️  No .env file loaded: %v", envErr)
	}

	cfg := config.Load()
	logrus.Infof("📋 Configuration loaded (Port: %s, Environment: %s)", cfg.Port, cfg.Environment)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// SQL store: workflows, schedules, secrets
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		logrus.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Initialize(ctx); err != nil {
		logrus.Fatalf("❌ Failed to initialize database: %v", err)
	}

	healthService := health.NewService(3, 3*time.Second)
	healthService.Register("sql", health.KindDatabase, true, db.PingContext)

	// Redis (optional): cross-instance in-flight set, scheduler locks, daily quota
	var redisService *services.RedisService
	if cfg.RedisURL != "" {
		redisService, err = services.NewRedisService(cfg.RedisURL)
		if err != nil {
			logrus.Warnf("⚠️ Redis unavailable, falling back to in-process state: %v", err)
			redisService = nil
		} else {
			defer redisService.Close()
			healthService.Register("redis", health.KindCache, false, redisService.Ping)
		}
	} else {
		logrus.Info("⚠️ REDIS_URL not set - in-flight tracking and usage limits are local")
	}

	var inflight execution.InFlightSet = execution.NewMemoryInFlightSet()
	var usage *services.UsageService
	if redisService != nil {
		inflight = execution.NewRedisInFlightSet(redisService.Client(), cfg.InFlightTTL)
		usage = services.NewUsageService(redisService, cfg.DailyRunLimit)
	}

	// MongoDB (optional): execution history
	var mongoDB *database.MongoDB
	if cfg.MongoURI != "" {
		mongoDB, err = database.NewMongoDB(cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			logrus.Warnf("⚠️ Failed to connect to MongoDB: %v (execution history disabled)", err)
			mongoDB = nil
		} else {
			defer mongoDB.Close(context.Background())
			if err := mongoDB.Initialize(ctx); err != nil {
				logrus.Warnf("⚠️ Failed to create MongoDB indexes: %v", err)
			}
			healthService.Register("mongodb", health.KindHistory, false, mongoDB.Ping)
		}
	} else {
		logrus.Info("⚠️ MONGODB_URI not set - execution history is logged only")
	}
	executionService := services.NewExecutionService(mongoDB)

	// Workflow definitions: files first, then the database
	workflowService := services.NewWorkflowService(db, cfg.WorkflowCacheTTL)
	var workflows execution.WorkflowLoader = workflowService
	if redisService != nil {
		bus := services.NewPubSubService(redisService, uuid.New().String())
		bus.Subscribe(func(msg *services.PubSubMessage) {
			workflowService.Invalidate(msg.WorkflowID)
		})
		if err := bus.Start(); err != nil {
			logrus.Warnf("⚠️ Workflow change broadcasts disabled: %v", err)
		} else {
			defer bus.Stop()
			workflowService.SetChangePublisher(bus)
		}
	}
	if cfg.WorkflowsDir != "" {
		fileLoader, err := services.NewFileWorkflowLoader(cfg.WorkflowsDir)
		if err != nil {
			logrus.Fatalf("❌ Failed to load workflows from %s: %v", cfg.WorkflowsDir, err)
		}
		if err := fileLoader.Watch(ctx); err != nil {
			logrus.Warnf("⚠️ Workflow hot-reload disabled: %v", err)
		}
		workflows = services.ChainLoaders(fileLoader, workflowService)
	}

	// Secrets
	masterKey := cfg.EncryptionMasterKey
	if masterKey == "" {
		if cfg.IsProduction() {
			logrus.Fatal("❌ ENCRYPTION_MASTER_KEY is required in production. Generate with: openssl rand -hex 32")
		}
		masterKey, err = crypto.GenerateMasterKey()
		if err != nil {
			logrus.Fatalf("❌ Failed to generate master key: %v", err)
		}
		logrus.Warn("⚠️ ENCRYPTION_MASTER_KEY not set - using an ephemeral key, stored secrets will not survive a restart")
	}
	cipher, err := crypto.NewCipher(masterKey)
	if err != nil {
		logrus.Fatalf("❌ Invalid ENCRYPTION_MASTER_KEY: %v", err)
	}
	secretService := services.NewSecretService(db, cipher)

	// Block handlers
	var agent execution.AgentProvider
	if cfg.OpenAIAPIKey != "" || cfg.OpenAIBaseURL != "" {
		agent = execution.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.DefaultModel)
		logrus.Infof("🤖 Agent blocks enabled (default model: %s)", cfg.DefaultModel)
	} else {
		logrus.Info("⚠️ No model provider configured - agent blocks will fail")
	}
	registry := execution.NewDefaultRegistry(execution.HandlerDeps{
		Agent:           agent,
		Code:            execution.SubprocessRunner{},
		Workflows:       workflows,
		InFlight:        inflight,
		HTTPClient:      &http.Client{Timeout: 60 * time.Second},
		APIRateLimitRPS: cfg.APIRateLimitRPS,
	})

	tracker := execution.NewExecutionTracker()
	var limiterUsage middleware.UsageCounter
	if usage != nil {
		limiterUsage = usage
	}
	executionLimiter := middleware.NewExecutionLimiter(limiterUsage, middleware.DefaultMaxConcurrentExecutions)

	// Scheduler
	scheduleStore := services.NewScheduleStore(db)
	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		deps := scheduler.Deps{
			Store:      scheduleStore,
			Workflows:  workflows,
			Registry:   registry,
			Secrets:    secretService,
			Executions: executionService,
			InFlight:   inflight,
		}
		if usage != nil {
			deps.Usage = usage
		}
		if redisService != nil {
			deps.Locker = redisService
		}
		sched, err = scheduler.New(deps,
			scheduler.WithPollInterval(cfg.SchedulerPollInterval),
			scheduler.WithDispatchRate(cfg.SchedulerDispatchRate, 1),
			scheduler.WithMaxConcurrent(cfg.SchedulerMaxConcurrent),
		)
		if err != nil {
			logrus.Fatalf("❌ Failed to create scheduler: %v", err)
		}
		if err := sched.Start(ctx); err != nil {
			logrus.Fatalf("❌ Failed to start scheduler: %v", err)
		}
	} else {
		logrus.Info("⏸️ Scheduler disabled (SCHEDULER_ENABLED=false)")
	}

	// Maintenance jobs
	jobScheduler := jobs.NewJobScheduler()
	jobScheduler.Register("dependency-health", jobs.NewDependencyHealthJob(healthService, cfg.HealthCheckInterval))
	if mongoDB != nil {
		jobScheduler.Register("execution-retention", jobs.NewExecutionRetentionJob(executionService, cfg.ExecutionRetention, 6*time.Hour))
	}
	jobScheduler.Start()

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "blockflow",
		ReadTimeout:  900 * time.Second, // long synchronous runs
		WriteTimeout: 900 * time.Second,
		IdleTimeout:  900 * time.Second,
		BodyLimit:    10 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	prometheus := fiberprometheus.New("blockflow")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	logrus.Info("📊 Prometheus metrics endpoint enabled at /metrics")

	rateLimitConfig := middleware.LoadRateLimitConfig(cfg.Environment)
	logrus.Infof("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, Execute=%d/min, WS=%d/min",
		rateLimitConfig.GlobalAPIMax, rateLimitConfig.ExecuteMax, rateLimitConfig.WebSocketMax)

	allowedOrigins := "http://localhost:5173,http://localhost:3000"
	if len(cfg.AllowedOrigins) > 0 {
		allowedOrigins = strings.Join(cfg.AllowedOrigins, ",")
	} else {
		logrus.Warn("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept," + middleware.UserHeader,
		AllowCredentials: allowedOrigins != "*",
	}))

	workflowDeps := handlers.WorkflowDeps{
		Workflows:  workflows,
		Store:      workflowService,
		Registry:   registry,
		InFlight:   inflight,
		Executions: executionService,
		Tracker:    tracker,
		Limiter:    executionLimiter,
	}
	workflowHandler := handlers.NewWorkflowHandler(workflowDeps)
	workflowWSHandler := handlers.NewWorkflowWebSocketHandler(workflowDeps)
	executionHandler := handlers.NewExecutionHandler(executionService)
	secretHandler := handlers.NewSecretHandler(secretService)

	var poller handlers.Poller
	var running handlers.RunningLister
	if sched != nil {
		poller, running = sched, sched
	}
	scheduleHandler := handlers.NewScheduleHandler(scheduleStore, workflows, poller)
	healthHandler := handlers.NewHealthHandler(healthService, tracker, running)

	app.Get("/health", healthHandler.Handle)

	identity := middleware.UserIdentity(cfg.IsProduction())
	executeLimiter := middleware.ExecuteRateLimiter(rateLimitConfig)

	api := app.Group("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig), identity)
	{
		api.Get("/workflows/:id", workflowHandler.Get)
		api.Put("/workflows/:id", workflowHandler.Save)
		api.Delete("/workflows/:id", workflowHandler.Delete)
		api.Post("/workflows/:id/execute", executeLimiter, executionLimiter.CheckLimit, workflowHandler.Execute)
		api.Post("/workflows/:id/debug", executeLimiter, executionLimiter.CheckLimit, workflowHandler.Debug)
		api.Post("/executions/continue", executeLimiter, workflowHandler.Continue)

		api.Get("/workflows/:id/executions", executionHandler.ListByWorkflow)
		api.Get("/executions/:id", executionHandler.GetByID)

		api.Post("/workflows/:id/schedules", scheduleHandler.Create)
		api.Get("/workflows/:id/schedules", scheduleHandler.ListByWorkflow)
		api.Post("/schedules/poll", scheduleHandler.Poll)
		api.Get("/schedules/:id", scheduleHandler.Get)
		api.Put("/schedules/:id", scheduleHandler.Update)
		api.Delete("/schedules/:id", scheduleHandler.Delete)

		api.Put("/secrets/:name", secretHandler.Set)
		api.Get("/secrets", secretHandler.List)
		api.Delete("/secrets/:name", secretHandler.Delete)
	}

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/workflows", middleware.WebSocketRateLimiter(rateLimitConfig), identity, executionLimiter.CheckLimit,
		websocket.New(workflowWSHandler.Handle))

	// Graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		logrus.Infof("🛑 Received %s, draining active executions...", sig)

		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if sched != nil {
			if err := sched.Stop(); err != nil {
				logrus.Warnf("⚠️ Scheduler stop: %v", err)
			}
		}
		if !tracker.Drain(drainCtx) {
			logrus.Warnf("⚠️ Shutdown timeout reached with %d execution(s) still running", len(tracker.Active()))
		}
		jobScheduler.Stop()
		stop()

		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logrus.Errorf("❌ Server shutdown error: %v", err)
		}
	}()

	logrus.Infof("✅ Server listening on :%s", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		logrus.Fatalf("❌ Server error: %v", err)
	}
	logrus.Info("👋 Server stopped")
}
