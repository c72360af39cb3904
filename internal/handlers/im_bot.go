package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/huangang/modsentry/internal/services"
	"github.com/huangang/modsentry/pkg/response"
)

// IMBotHandler manages the chat webhooks that receive budget and circuit alerts.
type IMBotHandler struct {
	bots          *services.IMBotService
	notifications *services.NotificationService
}

func NewIMBotHandler(bots *services.IMBotService, notifications *services.NotificationService) *IMBotHandler {
	return &IMBotHandler{bots: bots, notifications: notifications}
}

func botError(c *gin.Context, err error) {
	if errors.Is(err, services.ErrBotNotFound) {
		response.NotFound(c, err.Error())
		return
	}
	response.ServerError(c, err.Error())
}

func (h *IMBotHandler) List(c *gin.Context) {
	f, ok := bindQuery[services.IMBotFilter](c)
	if !ok {
		return
	}
	bots, err := h.bots.List(f)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, bots)
}

func (h *IMBotHandler) GetByID(c *gin.Context) {
	if id, ok := paramID(c, "bot"); ok {
		bot, err := h.bots.GetByID(id)
		if err != nil {
			botError(c, err)
			return
		}
		response.Success(c, bot)
	}
}

func (h *IMBotHandler) Create(c *gin.Context) {
	req, ok := bindJSON[services.CreateIMBotRequest](c)
	if !ok {
		return
	}
	bot, err := h.bots.Create(req)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, bot)
}

func (h *IMBotHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "bot")
	if !ok {
		return
	}
	req, ok := bindJSON[services.UpdateIMBotRequest](c)
	if !ok {
		return
	}
	bot, err := h.bots.Update(id, req)
	if err != nil {
		botError(c, err)
		return
	}
	response.Success(c, bot)
}

func (h *IMBotHandler) Delete(c *gin.Context) {
	if id, ok := paramID(c, "bot"); ok {
		if err := h.bots.Delete(id); err != nil {
			botError(c, err)
			return
		}
		response.Success(c, gin.H{"message": "bot deleted", "id": id})
	}
}

// Test delivers a sample alert synchronously so a misconfigured webhook
// surfaces as a 502 here rather than a silent miss during an incident.
func (h *IMBotHandler) Test(c *gin.Context) {
	id, ok := paramID(c, "bot")
	if !ok {
		return
	}
	bot, err := h.bots.GetByID(id)
	if err != nil {
		botError(c, err)
		return
	}
	if err := h.notifications.SendTest(c.Request.Context(), bot); err != nil {
		response.Error(c, response.NewBadGateway("test alert failed: "+err.Error()))
		return
	}
	response.Success(c, gin.H{"message": "test alert sent", "bot": bot.Name})
}
