package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func corsRouter(origins []string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CORS(origins))
	router.POST("/api/analyze", func(c *gin.Context) {
		c.Header("X-Cache", "MISS")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

func preflight(router *gin.Engine, origin, headers string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodOptions, "/api/analyze", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", headers)
	router.ServeHTTP(w, req)
	return w
}

func TestCORS_WildcardAllowsAnyOrigin(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodPost, "/api/analyze", nil)
		req.Header.Set("Origin", "https://anything.example.org")
		corsRouter(origins).ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("origins %v: Allow-Origin = %q, expected *", origins, got)
		}
		if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "" {
			t.Errorf("origins %v: Allow-Credentials = %q, expected unset", origins, got)
		}
	}
}

func TestCORS_ExplicitOrigins(t *testing.T) {
	router := corsRouter([]string{"https://mod.example.com"})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/analyze", nil)
	req.Header.Set("Origin", "https://mod.example.com")
	router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://mod.example.com" {
		t.Errorf("Allow-Origin = %q, expected the dashboard origin", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q, expected true", got)
	}
	if got := w.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(strings.ToLower(got), "x-cache") {
		t.Errorf("Expose-Headers = %q, expected X-Cache", got)
	}

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodPost, "/api/analyze", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign origin status = %d, expected 403", w.Code)
	}
}

func TestCORS_PreflightAllowsCorrelationHeader(t *testing.T) {
	w := preflight(corsRouter(nil), "https://mod.example.com", "Authorization, X-Correlation-ID")

	if w.Code != http.StatusNoContent && w.Code != http.StatusOK {
		t.Fatalf("preflight status = %d, expected 200 or 204", w.Code)
	}
	allowHeaders := strings.ToLower(w.Header().Get("Access-Control-Allow-Headers"))
	if !strings.Contains(allowHeaders, "x-correlation-id") {
		t.Errorf("Allow-Headers = %q, expected it to include X-Correlation-ID", allowHeaders)
	}
}
