package main

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/modsentry/internal/handlers"
	"github.com/huangang/modsentry/internal/middleware"
	"github.com/huangang/modsentry/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	// Middleware
	r.Use(logger.GinCorrelation(), logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS(svc.cfg.Server.AllowedOrigins))

	r.GET("/health", svc.healthHandler.CheckHealth)
	r.GET("/metrics", handlers.Metrics())

	api := r.Group("/api")
	api.Use(middleware.AuthRequired())
	{
		// Analysis (any authenticated service)
		analysis := api.Group("", svc.limiter.Middleware())
		{
			analysis.POST("/analyze", svc.analysisHandler.Analyze)
			analysis.POST("/analyze/async", svc.analysisHandler.AnalyzeAsync)
		}
		api.GET("/budget", svc.analysisHandler.Budget)

		// Admin only routes
		admin := api.Group("")
		admin.Use(middleware.AdminRequired(), middleware.AuditLog())
		{
			admin.DELETE("/cache/:key", svc.analysisHandler.InvalidateCache)

			// Providers
			admin.GET("/providers", svc.providerHandler.List)
			admin.GET("/providers/:id", svc.providerHandler.GetByID)
			admin.POST("/providers", svc.providerHandler.Create)
			admin.PUT("/providers/:id", svc.providerHandler.Update)
			admin.DELETE("/providers/:id", svc.providerHandler.Delete)
			admin.POST("/providers/circuits/:name/reset", svc.providerHandler.ResetCircuit)
			admin.POST("/providers/probe", svc.providerHandler.ProbeHealth)

			// Usage
			admin.GET("/usage/summary", svc.usageHandler.Summary)
			admin.GET("/usage/trend", svc.usageHandler.Trend)
			admin.GET("/usage/breakdown/:dimension", svc.usageHandler.Breakdown)

			// IM Bots
			admin.GET("/im-bots", svc.imBotHandler.List)
			admin.GET("/im-bots/:id", svc.imBotHandler.GetByID)
			admin.POST("/im-bots", svc.imBotHandler.Create)
			admin.PUT("/im-bots/:id", svc.imBotHandler.Update)
			admin.DELETE("/im-bots/:id", svc.imBotHandler.Delete)
			admin.POST("/im-bots/:id/test", svc.imBotHandler.Test)

			// Settings
			admin.GET("/settings", svc.configHandler.GetSettings)
			admin.PUT("/settings", svc.configHandler.UpdateSettings)
			admin.GET("/settings/groups/:group", svc.configHandler.GetByGroup)

			// Live circuit and budget events
			admin.GET("/events", svc.eventsHandler.Stream)

			// System Logs
			admin.GET("/system-logs", svc.logHandler.List)
			admin.GET("/system-logs/facets", svc.logHandler.Facets)
			admin.GET("/system-logs/trace/:correlationId", svc.logHandler.Trace)
		}
	}
}
