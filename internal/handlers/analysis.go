package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/modsentry/internal/models"
	"github.com/huangang/modsentry/internal/services"
	"github.com/huangang/modsentry/pkg/logger"
	"github.com/huangang/modsentry/pkg/response"
)

// Analyzer is the orchestrator surface the HTTP layer needs.
type Analyzer interface {
	Analyze(ctx context.Context, req *models.AnalysisRequest) services.Outcome
	BudgetStatus(ctx context.Context) (*services.BudgetState, error)
	InvalidateCache(ctx context.Context, key string) error
}

type AnalysisHandler struct {
	analyzer Analyzer
	queue    services.TaskQueue
}

func NewAnalysisHandler(analyzer Analyzer, queue services.TaskQueue) *AnalysisHandler {
	return &AnalysisHandler{analyzer: analyzer, queue: queue}
}

func bindAnalysisRequest(c *gin.Context) (*models.AnalysisRequest, bool) {
	var req models.AnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return nil, false
	}
	if req.CorrelationID == "" {
		req.CorrelationID = logger.CorrelationID(c)
	}
	return &req, true
}

// Analyze runs the analysis inline: 200 with the result, or 503 with the
// reason the analysis is unavailable.
func (h *AnalysisHandler) Analyze(c *gin.Context) {
	req, ok := bindAnalysisRequest(c)
	if !ok {
		return
	}

	out := h.analyzer.Analyze(c.Request.Context(), req)
	if !out.OK() {
		if out.Unavailable.Reason == services.ReasonInvalidRequest {
			c.JSON(http.StatusBadRequest, response.Response{Code: 400, Message: string(out.Unavailable.Reason), Data: out.Unavailable})
			return
		}
		response.Unavailable(c, string(out.Unavailable.Reason), out.Unavailable)
		return
	}

	c.Header("X-Cache", cacheHeader(out))
	response.Success(c, out.Result)
}

func cacheHeader(out services.Outcome) string {
	switch {
	case out.Cached:
		return "HIT"
	case out.Coalesced:
		return "COALESCED"
	}
	return "MISS"
}

// AnalyzeAsync queues the analysis and returns its correlation id.
func (h *AnalysisHandler) AnalyzeAsync(c *gin.Context) {
	req, ok := bindAnalysisRequest(c)
	if !ok {
		return
	}
	if h.queue == nil {
		response.Error(c, response.NewServiceUnavailable("task queue not configured"))
		return
	}

	task := &services.AnalysisTask{Request: *req, EnqueuedAt: time.Now()}
	err := h.queue.Enqueue(c.Request.Context(), task)
	duplicate := errors.Is(err, services.ErrTaskDuplicate)
	if err != nil && !duplicate {
		response.ServerError(c, "failed to enqueue analysis: "+err.Error())
		return
	}

	response.Accepted(c, gin.H{
		"correlationId": req.CorrelationID,
		"cacheKey":      services.CacheKey(req),
		"async":         h.queue.IsAsync(),
		"duplicate":     duplicate,
	})
}

func (h *AnalysisHandler) Budget(c *gin.Context) {
	state, err := h.analyzer.BudgetStatus(c.Request.Context())
	if err != nil {
		response.ServerError(c, "failed to read budget: "+err.Error())
		return
	}
	response.Success(c, state)
}

func (h *AnalysisHandler) InvalidateCache(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		response.BadRequest(c, "cache key is required")
		return
	}
	if err := h.analyzer.InvalidateCache(c.Request.Context(), key); err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"message": "cache entry invalidated"})
}
