package main

import (
	"context"

	"github.com/huangang/modsentry/internal/config"
	"github.com/huangang/modsentry/internal/handlers"
	"github.com/huangang/modsentry/internal/middleware"
	"github.com/huangang/modsentry/internal/models"
	"github.com/huangang/modsentry/internal/services"
	"github.com/huangang/modsentry/internal/store"
	"github.com/huangang/modsentry/internal/utils"
	"github.com/huangang/modsentry/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// appServices holds all initialized services and handlers needed by the application.
type appServices struct {
	cfg           *config.Config
	limiter       *middleware.RateLimiter
	store         store.Store
	taskQueue     services.TaskQueue
	worker        *services.Worker
	scheduler     *services.MaintenanceScheduler
	notifications *services.NotificationService
	usage         *services.UsageLedger
	events        *services.EventHub

	analysisHandler *handlers.AnalysisHandler
	providerHandler *handlers.ProviderHandler
	usageHandler    *handlers.UsageHandler
	imBotHandler    *handlers.IMBotHandler
	configHandler   *handlers.SystemConfigHandler
	logHandler      *handlers.SystemLogHandler
	healthHandler   *handlers.HealthHandler
	eventsHandler   *handlers.EventsHandler
}

// bootstrap initializes all application dependencies: database, store, services, schedulers.
func bootstrap(cfg *config.Config) *appServices {
	utils.SetJWTSecret(cfg.JWT.Secret)
	if !utils.AuthEnabled() {
		logger.Warn().Msg("JWT secret not set, API authentication is disabled")
	}

	// Initialize database
	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Auto migrate database
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	// Seed default data
	if err := models.SeedDefaultData(cfg); err != nil {
		logger.Warn().Err(err).Msg("Failed to seed default data")
	}

	db := models.GetDB()
	services.InitSystemLogger(db)

	if sqlDB, err := db.DB(); err == nil {
		prometheus.MustRegister(collectors.NewDBStatsCollector(sqlDB, cfg.Database.Driver))
	}

	st := openStore(cfg)

	// Settings and alerting
	settings := services.NewSystemConfigService(db, st, cfg)
	bots := services.NewIMBotService(db)
	notifications := services.NewNotificationService(bots)
	events := services.NewEventHub()
	notifications.SetEventHub(events)

	// Providers
	llmConfigs := services.NewLLMConfigService(db)
	registry := services.NewProviderRegistry(llmConfigs)
	breaker := services.NewCircuitBreaker(st, cfg.Circuit)
	breaker.OnTransition(notifications.OnCircuitTransition)
	health := services.NewHealthProber(registry, st, cfg.Health)
	selector := services.NewProviderSelector(registry, breaker, health, settings.ABTestingEnabled)

	budget := services.NewBudgetTracker(st, db, settings, notifications)
	budget.SetProviderNames(func(ctx context.Context) []string {
		return services.ProviderNames(ctx, registry)
	})

	usage := services.NewUsageLedger(db)
	analysis := services.NewAnalysisService(cfg.Analysis, cfg.Coalescer.LockTTL, services.AnalysisComponents{
		Sanitizer: services.NewContentSanitizer(cfg.Sanitizer),
		Prompts:   services.NewPromptBuilder(cfg.Analysis.PromptVersion, cfg.Analysis.PromptVersionB, cfg.Analysis.MaxReasoningChars),
		Validator: services.NewResponseValidator(cfg.Analysis.MaxReasoningChars),
		Breaker:   breaker,
		Coalescer: services.NewRequestCoalescer(st, cfg.Coalescer),
		Budget:    budget,
		Selector:  selector,
		Cache:     services.NewAnalysisCache(st, cfg.Cache),
		Usage:     usage,
	})

	// Redis-backed asynq when available, in-process goroutines otherwise
	taskQueue := services.NewTaskQueue(cfg, analysis.ProcessTask)
	var worker *services.Worker
	if taskQueue.IsAsync() {
		worker = services.NewWorker(&cfg.Redis, analysis.ProcessTask)
		if err := worker.Start(); err != nil {
			logger.Fatalf("[Worker] %v", err)
		}
	}

	systemLogs := services.NewSystemLogService(db)
	scheduler := services.NewMaintenanceScheduler(cfg.Health, budget, health, usage, systemLogs, settings)
	if err := scheduler.Start(); err != nil {
		logger.Fatalf("Failed to start maintenance scheduler: %v", err)
	}

	return &appServices{
		cfg:           cfg,
		limiter:       middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
		store:         st,
		taskQueue:     taskQueue,
		worker:        worker,
		scheduler:     scheduler,
		notifications: notifications,
		usage:         usage,
		events:        events,

		analysisHandler: handlers.NewAnalysisHandler(analysis, taskQueue),
		providerHandler: handlers.NewProviderHandler(llmConfigs, registry, breaker, health),
		usageHandler:    handlers.NewUsageHandler(usage),
		imBotHandler:    handlers.NewIMBotHandler(bots, notifications),
		configHandler:   handlers.NewSystemConfigHandler(settings),
		logHandler:      handlers.NewSystemLogHandler(systemLogs),
		healthHandler:   handlers.NewHealthHandler(st, db, taskQueue),
		eventsHandler:   handlers.NewEventsHandler(events),
	}
}

// openStore connects to Redis when enabled. Without Redis every instance
// keeps its own state, which is only correct for a single replica.
func openStore(cfg *config.Config) store.Store {
	if !cfg.Redis.Enabled {
		logger.Warn().Msg("[Store] Redis disabled, using in-memory store (single instance only)")
		return store.NewMemoryStore()
	}
	st, err := store.NewRedisStore(&cfg.Redis)
	if err != nil {
		logger.Fatalf("[Store] Failed to connect to Redis at %s: %v", cfg.Redis.Addr, err)
	}
	logger.Infof("[Store] Using Redis at %s", cfg.Redis.Addr)
	return st
}

// shutdown gracefully stops all services.
func (s *appServices) shutdown() {
	s.limiter.Close()
	s.scheduler.Stop()
	logger.Info().Msg("Maintenance scheduler stopped")

	if s.worker != nil {
		s.worker.Stop()
	}
	if s.taskQueue != nil {
		s.taskQueue.Close()
	}
	s.notifications.Wait()
	s.usage.Close()
	if err := s.store.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close store")
	}
}
