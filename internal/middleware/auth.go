package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/modsentry/internal/utils"
	"github.com/huangang/modsentry/pkg/response"
)

const (
	ContextService = "service"
	ContextRole    = "role"

	// RoleService may call the analysis routes; RoleAdmin may also manage
	// providers, bots and settings.
	RoleService = "service"
	RoleAdmin   = "admin"

	anonymousService = "anonymous"
)

// ValidRole reports whether role is one a token may carry.
func ValidRole(role string) bool {
	return role == RoleService || role == RoleAdmin
}

func bearerToken(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

// AuthRequired checks for a valid service token. With no secret configured
// the API is open and every caller is treated as admin.
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.AuthEnabled() {
			c.Set(ContextService, anonymousService)
			c.Set(ContextRole, RoleAdmin)
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			response.Abort(c, http.StatusUnauthorized, "authorization header required")
			return
		}
		token, ok := bearerToken(header)
		if !ok {
			response.Abort(c, http.StatusUnauthorized, "expected a bearer token")
			return
		}

		claims, err := utils.ParseToken(token)
		if err != nil || claims.Service == "" || !ValidRole(claims.Role) {
			response.Abort(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		c.Set(ContextService, claims.Service)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}

// AdminRequired guards provider, bot and settings management.
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetRole(c) != RoleAdmin {
			response.Abort(c, http.StatusForbidden, "admin access required")
			return
		}
		c.Next()
	}
}

// GetService returns the calling service name, empty before AuthRequired.
func GetService(c *gin.Context) string {
	return c.GetString(ContextService)
}

func GetRole(c *gin.Context) string {
	return c.GetString(ContextRole)
}
