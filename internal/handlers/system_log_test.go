package handlers

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/huangang/modsentry/internal/models"
	"github.com/huangang/modsentry/internal/services"
)

func TestSystemLogHandler(t *testing.T) {
	db := openTestDB(t, &models.SystemLog{})
	db.Create(&[]models.SystemLog{
		{Level: services.LevelInfo, Module: "providers", Action: "create", CorrelationID: "c-7"},
		{Level: services.LevelError, Module: "circuit", Action: "opened"},
	})

	h := NewSystemLogHandler(services.NewSystemLogService(db))
	r := gin.New()
	r.GET("/api/system-logs", h.List)
	r.GET("/api/system-logs/facets", h.Facets)
	r.GET("/api/system-logs/trace/:correlationId", h.Trace)

	tests := []struct {
		path   string
		status int
	}{
		{"/api/system-logs?level=error", http.StatusOK},
		{"/api/system-logs?level=verbose", http.StatusBadRequest},
		{"/api/system-logs?page_size=500", http.StatusBadRequest},
		{"/api/system-logs/facets", http.StatusOK},
		{"/api/system-logs/trace/c-7", http.StatusOK},
		{"/api/system-logs/trace/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := serve(r, http.MethodGet, tt.path, ""); w.Code != tt.status {
			t.Errorf("GET %s = %d, expected %d", tt.path, w.Code, tt.status)
		}
	}

	w := serve(r, http.MethodGet, "/api/system-logs?module=circuit", "")
	data, _ := decode(t, w).Data.(map[string]interface{})
	if data["total"] != float64(1) {
		t.Errorf("total = %v, expected 1", data["total"])
	}
}
