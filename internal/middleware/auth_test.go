package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/huangang/modsentry/internal/utils"
)

const testSecret = "test-secret-for-middleware-testing"

func init() {
	gin.SetMode(gin.TestMode)
	utils.SetJWTSecret(testSecret)
}

type caller struct {
	Service string `json:"service"`
	Role    string `json:"role"`
}

func protectedRouter(extra ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(AuthRequired())
	router.Use(extra...)
	router.GET("/protected", func(c *gin.Context) {
		c.JSON(http.StatusOK, caller{Service: GetService(c), Role: GetRole(c)})
	})
	return router
}

func get(router *gin.Engine, authorization string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestAuthRequired_Rejections(t *testing.T) {
	unknownRole, _ := utils.GenerateServiceToken("rule-engine", "superuser", 24)
	expired, _ := utils.GenerateServiceToken("rule-engine", RoleService, -1)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"no scheme", "InvalidToken"},
		{"basic scheme", "Basic token123"},
		{"empty bearer", "Bearer "},
		{"garbage token", "Bearer invalid.jwt.token"},
		{"unknown role", "Bearer " + unknownRole},
		{"expired", "Bearer " + expired},
	}
	router := protectedRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := get(router, tt.header); w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, expected 401", w.Code)
			}
		})
	}
}

func TestAuthRequired_ValidToken(t *testing.T) {
	token, _ := utils.GenerateServiceToken("rule-engine", RoleService, 24)

	w := get(protectedRouter(), "Bearer "+token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, expected 200", w.Code)
	}
	var got caller
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.Service != "rule-engine" || got.Role != RoleService {
		t.Errorf("caller = %+v, expected rule-engine/service", got)
	}
}

func TestAuthRequired_DisabledWithoutSecret(t *testing.T) {
	utils.SetJWTSecret("")
	defer utils.SetJWTSecret(testSecret)

	w := get(protectedRouter(AdminRequired()), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, expected 200", w.Code)
	}
	var got caller
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.Service != anonymousService || got.Role != RoleAdmin {
		t.Errorf("caller = %+v, expected anonymous admin", got)
	}
}

func TestAdminRequired(t *testing.T) {
	serviceToken, _ := utils.GenerateServiceToken("rule-engine", RoleService, 24)
	adminToken, _ := utils.GenerateServiceToken("ops", RoleAdmin, 24)

	tests := []struct {
		name     string
		token    string
		expected int
	}{
		{"service role", serviceToken, http.StatusForbidden},
		{"admin role", adminToken, http.StatusOK},
	}
	router := protectedRouter(AdminRequired())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := get(router, "Bearer "+tt.token); w.Code != tt.expected {
				t.Errorf("status = %d, expected %d", w.Code, tt.expected)
			}
		})
	}
}

func TestValidRole(t *testing.T) {
	for role, expected := range map[string]bool{"service": true, "admin": true, "": false, "root": false} {
		if got := ValidRole(role); got != expected {
			t.Errorf("ValidRole(%q) = %v, expected %v", role, got, expected)
		}
	}
}
