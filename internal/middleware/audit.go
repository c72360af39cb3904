package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/modsentry/internal/services"
	"github.com/huangang/modsentry/pkg/logger"
)

const auditBodyLimit = 4 << 10

// Keys whose values never reach system_logs, compared after lowercasing and
// dropping '_' and '-', so "apiKey" and "api_key" are the same key.
var redactedKeys = map[string]bool{
	"apikey":      true,
	"secret":      true,
	"token":       true,
	"accesstoken": true,
	"webhook":     true,
	"webhookurl":  true,
	"password":    true,
}

// Trailing path segments that name an action instead of a resource.
var routeVerbs = map[string]string{
	"reset": "reset",
	"probe": "probe",
	"test":  "test",
}

// AuditLog records every admin write in system_logs with secrets redacted.
// Mount it on admin routes only; analysis traffic is not audited.
func AuditLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		var body interface{}
		if c.Request.Body != nil {
			raw, _ := io.ReadAll(io.LimitReader(c.Request.Body, auditBodyLimit+1))
			rest, _ := io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(raw), bytes.NewReader(rest)))
			body = auditBody(raw)
		}

		c.Next()

		status := c.Writer.Status()
		module, action := auditTarget(c.FullPath(), c.Request.Method)
		outcome := "ok"
		if status >= http.StatusBadRequest {
			outcome = "failed"
		}
		msg := fmt.Sprintf("%s %s %s -> %d", GetService(c), c.Request.Method, c.Request.URL.Path, status)

		extra := map[string]interface{}{
			"status":  status,
			"outcome": outcome,
			"ip":      c.ClientIP(),
		}
		if body != nil {
			extra["body"] = body
		}
		if status >= http.StatusBadRequest {
			services.LogWarning(module, action, msg, logger.CorrelationID(c), extra)
			return
		}
		services.LogInfo(module, action, msg, logger.CorrelationID(c), extra)
	}
}

// auditTarget turns a route pattern into a module and action, e.g.
// DELETE /api/im-bots/:id is im_bots/delete and
// POST /api/providers/circuits/:name/reset is providers/reset.
func auditTarget(route, method string) (module, action string) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(route, "/api"), "/"), "/")
	module = strings.ReplaceAll(segments[0], "-", "_")
	if module == "" {
		module = "unknown"
	}

	if verb, ok := routeVerbs[segments[len(segments)-1]]; ok && len(segments) > 1 {
		return module, verb
	}
	switch method {
	case http.MethodPost:
		return module, "create"
	case http.MethodPut, http.MethodPatch:
		return module, "update"
	case http.MethodDelete:
		return module, "delete"
	}
	return module, strings.ToLower(method)
}

// auditBody decodes a JSON body and redacts secret fields. Anything that is
// not JSON, or too large, is summarized rather than stored.
func auditBody(raw []byte) interface{} {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if len(raw) > auditBodyLimit {
		return fmt.Sprintf("[%d+ bytes omitted]", auditBodyLimit)
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Sprintf("[%d bytes, not json]", len(raw))
	}
	return redact(v)
}

func redact(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			if isSecretKey(k) {
				if s, ok := val.(string); ok && s == "" {
					continue
				}
				t[k] = "***"
				continue
			}
			t[k] = redact(val)
		}
	case []interface{}:
		for i := range t {
			t[i] = redact(t[i])
		}
	}
	return v
}

func isSecretKey(key string) bool {
	k := strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(key))
	return redactedKeys[k]
}
