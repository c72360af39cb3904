package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/modsentry/internal/services"
	"github.com/huangang/modsentry/pkg/response"
)

// SystemLogHandler exposes the persisted operational events.
type SystemLogHandler struct {
	logs *services.SystemLogService
}

func NewSystemLogHandler(logs *services.SystemLogService) *SystemLogHandler {
	return &SystemLogHandler{logs: logs}
}

func (h *SystemLogHandler) List(c *gin.Context) {
	filter, ok := bindQuery[services.SystemLogFilter](c)
	if !ok {
		return
	}
	page, err := h.logs.List(filter)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, page)
}

// Trace lists what happened under one correlation id, oldest first.
func (h *SystemLogHandler) Trace(c *gin.Context) {
	rows, err := h.logs.Trace(c.Param("correlationId"))
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	if len(rows) == 0 {
		response.NotFound(c, "no events for correlation id")
		return
	}
	response.Success(c, rows)
}

func (h *SystemLogHandler) Facets(c *gin.Context) {
	facets, err := h.logs.Facets()
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"facets": facets})
}
