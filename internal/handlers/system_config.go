package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/modsentry/internal/services"
	"github.com/huangang/modsentry/pkg/response"
)

type SystemConfigHandler struct {
	configService *services.SystemConfigService
}

func NewSystemConfigHandler(settings *services.SystemConfigService) *SystemConfigHandler {
	return &SystemConfigHandler{configService: settings}
}

type settingsView struct {
	Budget           services.BudgetSettings `json:"budget"`
	ABTestingEnabled bool                    `json:"ab_testing_enabled"`
	UsageRetention   int                     `json:"usage_retention_days"`
	LogRetention     int                     `json:"log_retention_days"`
}

func (h *SystemConfigHandler) current(c *gin.Context) settingsView {
	ctx := c.Request.Context()
	usageDays, logDays := h.configService.RetentionDays(ctx)
	return settingsView{
		Budget:           h.configService.BudgetSettings(ctx),
		ABTestingEnabled: h.configService.ABTestingEnabled(ctx),
		UsageRetention:   usageDays,
		LogRetention:     logDays,
	}
}

func (h *SystemConfigHandler) GetSettings(c *gin.Context) {
	response.Success(c, h.current(c))
}

func (h *SystemConfigHandler) UpdateSettings(c *gin.Context) {
	req, ok := bindJSON[services.UpdateSettingsRequest](c)
	if !ok {
		return
	}

	if err := h.configService.UpdateSettings(c.Request.Context(), req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	services.LogInfo("settings", "update", "runtime settings updated", "", req)
	response.Success(c, h.current(c))
}

func (h *SystemConfigHandler) GetByGroup(c *gin.Context) {
	configs, err := h.configService.GetByGroup(c.Request.Context(), c.Param("group"))
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, configs)
}
