package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/huangang/modsentry/internal/services"
	"github.com/huangang/modsentry/pkg/response"
)

// UsageHandler serves cost and call reports built from provider calls.
type UsageHandler struct {
	ledger *services.UsageLedger
}

func NewUsageHandler(ledger *services.UsageLedger) *UsageHandler {
	return &UsageHandler{ledger: ledger}
}

func (h *UsageHandler) Summary(c *gin.Context) {
	f, ok := bindQuery[services.UsageFilter](c)
	if !ok {
		return
	}
	row, err := h.ledger.Summary(*f)
	if err != nil {
		response.ServerError(c, "usage summary: "+err.Error())
		return
	}
	response.Success(c, row)
}

// Trend returns per-day rows for charting.
func (h *UsageHandler) Trend(c *gin.Context) {
	f, ok := bindQuery[services.UsageFilter](c)
	if !ok {
		return
	}
	rows, err := h.ledger.Trend(*f)
	if err != nil {
		response.ServerError(c, "usage trend: "+err.Error())
		return
	}
	response.Success(c, rows)
}

// Breakdown groups by provider, model, prompt_version or failure_kind.
// Grouping by prompt_version is how the prompt A/B split is compared.
func (h *UsageHandler) Breakdown(c *gin.Context) {
	f, ok := bindQuery[services.UsageFilter](c)
	if !ok {
		return
	}
	rows, err := h.ledger.Breakdown(*f, c.Param("dimension"))
	if errors.Is(err, services.ErrUnknownDimension) {
		response.BadRequest(c, err.Error())
		return
	}
	if err != nil {
		response.ServerError(c, "usage breakdown: "+err.Error())
		return
	}
	response.Success(c, rows)
}
