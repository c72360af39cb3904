package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/huangang/modsentry/internal/models"
	"github.com/huangang/modsentry/internal/services"
	"github.com/huangang/modsentry/pkg/response"
)

// ProviderHandler manages provider configs and exposes their runtime state.
type ProviderHandler struct {
	llmConfigService *services.LLMConfigService
	registry         *services.ProviderRegistry
	breaker          *services.CircuitBreaker
	health           *services.HealthProber
}

func NewProviderHandler(configs *services.LLMConfigService, registry *services.ProviderRegistry, breaker *services.CircuitBreaker, health *services.HealthProber) *ProviderHandler {
	return &ProviderHandler{
		llmConfigService: configs,
		registry:         registry,
		breaker:          breaker,
		health:           health,
	}
}

// ProviderView is a config row joined with its circuit and health state.
type ProviderView struct {
	models.LLMConfig
	Circuit services.CircuitRecord  `json:"circuit"`
	Health  services.ProviderHealth `json:"health"`
}

func (h *ProviderHandler) List(c *gin.Context) {
	req, ok := bindQuery[services.LLMConfigListRequest](c)
	if !ok {
		return
	}

	resp, err := h.llmConfigService.List(req)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	views := make([]ProviderView, 0, len(resp.Items))
	for _, cfg := range resp.Items {
		views = append(views, h.view(c, cfg))
	}

	response.Success(c, gin.H{
		"total":     resp.Total,
		"page":      resp.Page,
		"page_size": resp.PageSize,
		"items":     views,
	})
}

func (h *ProviderHandler) view(c *gin.Context, cfg models.LLMConfig) ProviderView {
	v := ProviderView{LLMConfig: cfg}
	ctx := c.Request.Context()
	if rec, err := h.breaker.State(ctx, cfg.Name); err == nil {
		v.Circuit = rec
	}
	v.Health = h.health.Status(ctx, cfg.Name)
	return v
}

func providerError(c *gin.Context, err error) {
	if errors.Is(err, services.ErrProviderNotFound) {
		response.NotFound(c, err.Error())
		return
	}
	response.ServerError(c, err.Error())
}

func (h *ProviderHandler) GetByID(c *gin.Context) {
	id, ok := paramID(c, "provider")
	if !ok {
		return
	}

	cfg, err := h.llmConfigService.GetByID(id)
	if err != nil {
		providerError(c, err)
		return
	}

	response.Success(c, h.view(c, *cfg))
}

func (h *ProviderHandler) Create(c *gin.Context) {
	req, ok := bindJSON[services.CreateLLMConfigRequest](c)
	if !ok {
		return
	}

	cfg, err := h.llmConfigService.Create(req)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	h.registry.Invalidate()

	response.Success(c, cfg)
}

func (h *ProviderHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "provider")
	if !ok {
		return
	}

	req, ok := bindJSON[services.UpdateLLMConfigRequest](c)
	if !ok {
		return
	}

	cfg, err := h.llmConfigService.Update(id, req)
	if err != nil {
		providerError(c, err)
		return
	}
	h.registry.Invalidate()

	response.Success(c, cfg)
}

func (h *ProviderHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "provider")
	if !ok {
		return
	}

	if err := h.llmConfigService.Delete(id); err != nil {
		providerError(c, err)
		return
	}
	h.registry.Invalidate()

	response.Success(c, gin.H{"message": "provider deleted"})
}

// ResetCircuit forces a provider's breaker back to CLOSED.
func (h *ProviderHandler) ResetCircuit(c *gin.Context) {
	name := c.Param("name")
	if err := h.breaker.Reset(c.Request.Context(), name); err != nil {
		response.ServerError(c, err.Error())
		return
	}
	services.LogInfo("circuit", "manual_reset", name+" circuit reset by operator", "", nil)
	response.Success(c, gin.H{"message": "circuit reset", "provider": name})
}

// ProbeHealth runs the health probes now instead of waiting for the schedule.
func (h *ProviderHandler) ProbeHealth(c *gin.Context) {
	if err := h.health.ProbeAll(c.Request.Context()); err != nil {
		response.ServerError(c, err.Error())
		return
	}
	names := services.ProviderNames(c.Request.Context(), h.registry)
	statuses := make([]services.ProviderHealth, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, h.health.Status(c.Request.Context(), name))
	}
	response.Success(c, statuses)
}
