package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/modsentry/internal/services"
	"github.com/huangang/modsentry/internal/store"
	"gorm.io/gorm"
)

const healthCheckTimeout = 3 * time.Second

// HealthHandler reports the state of the store and database.
type HealthHandler struct {
	store store.Store
	db    *gorm.DB
	queue services.TaskQueue
}

func NewHealthHandler(st store.Store, db *gorm.DB, queue services.TaskQueue) *HealthHandler {
	return &HealthHandler{store: st, db: db, queue: queue}
}

// CheckHealth returns 200 when the coordination store answers; the database
// only degrades the status since analysis does not depend on it.
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	overall := "healthy"
	code := http.StatusOK

	storeStatus := "ok"
	if err := h.store.Ping(ctx); err != nil {
		storeStatus = "error: " + err.Error()
		overall = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	dbStatus := "disabled"
	if h.db != nil {
		dbStatus = "ok"
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			dbStatus = "error: " + err.Error()
			if overall == "healthy" {
				overall = "degraded"
			}
		}
	}

	queueMode := "none"
	if h.queue != nil {
		queueMode = "in-process"
		if h.queue.IsAsync() {
			queueMode = "redis"
		}
	}

	c.JSON(code, gin.H{
		"status":  overall,
		"service": "modsentry",
		"components": gin.H{
			"store":      storeStatus,
			"database":   dbStatus,
			"queue_mode": queueMode,
		},
	})
}
