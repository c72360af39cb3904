package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/huangang/modsentry/internal/models"
	"github.com/huangang/modsentry/internal/services"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestAuditTarget(t *testing.T) {
	tests := []struct {
		route, method  string
		module, action string
	}{
		{"/api/providers", http.MethodPost, "providers", "create"},
		{"/api/providers/:id", http.MethodPut, "providers", "update"},
		{"/api/im-bots/:id", http.MethodDelete, "im_bots", "delete"},
		{"/api/im-bots/:id/test", http.MethodPost, "im_bots", "test"},
		{"/api/providers/circuits/:name/reset", http.MethodPost, "providers", "reset"},
		{"/api/providers/probe", http.MethodPost, "providers", "probe"},
		{"/api/cache/:key", http.MethodDelete, "cache", "delete"},
		{"", http.MethodPost, "unknown", "create"},
	}
	for _, tt := range tests {
		module, action := auditTarget(tt.route, tt.method)
		if module != tt.module || action != tt.action {
			t.Errorf("auditTarget(%q, %s) = %s/%s, expected %s/%s", tt.route, tt.method, module, action, tt.module, tt.action)
		}
	}
}

func TestAuditBody_Redacts(t *testing.T) {
	raw := `{"name":"primary","api_key":"sk-live","max_tokens":300,"bots":[{"webhookUrl":"https://x","type":"slack"}],"password":""}`
	got, _ := json.Marshal(auditBody([]byte(raw)))
	s := string(got)

	for _, leaked := range []string{"sk-live", "https://x"} {
		if strings.Contains(s, leaked) {
			t.Errorf("audit body %s leaks %q", s, leaked)
		}
	}
	for _, kept := range []string{`"max_tokens":300`, `"name":"primary"`, `"type":"slack"`, `"password":""`} {
		if !strings.Contains(s, kept) {
			t.Errorf("audit body %s dropped %s", s, kept)
		}
	}
}

func TestAuditBody_NonJSON(t *testing.T) {
	tests := []struct {
		raw      string
		expected interface{}
	}{
		{"", nil},
		{"   ", nil},
		{"name=primary", "[12 bytes, not json]"},
		{strings.Repeat("a", auditBodyLimit+1), "[4096+ bytes omitted]"},
	}
	for _, tt := range tests {
		if got := auditBody([]byte(tt.raw)); got != tt.expected {
			t.Errorf("auditBody(%.20q) = %v, expected %v", tt.raw, got, tt.expected)
		}
	}
}

func TestAuditLog_RecordsWrites(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:audit?mode=memory&cache=shared"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.SystemLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	services.InitSystemLogger(db)
	t.Cleanup(func() { services.InitSystemLogger(nil) })

	var seenBody string
	router := gin.New()
	router.Use(func(c *gin.Context) { c.Set(ContextService, "ops"); c.Next() })
	router.Use(AuditLog())
	router.GET("/api/providers", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.POST("/api/providers", func(c *gin.Context) {
		b, _ := io.ReadAll(c.Request.Body)
		seenBody = string(b)
		c.Status(http.StatusOK)
	})
	router.DELETE("/api/im-bots/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	payload := `{"name":"primary","api_key":"sk-live"}`
	for _, r := range []struct{ method, path, body string }{
		{http.MethodGet, "/api/providers", ""},
		{http.MethodPost, "/api/providers", payload},
		{http.MethodDelete, "/api/im-bots/7", ""},
	} {
		req, _ := http.NewRequest(r.method, r.path, strings.NewReader(r.body))
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	if seenBody != payload {
		t.Errorf("handler saw body %q, expected it untouched", seenBody)
	}

	var rows []models.SystemLog
	db.Order("id").Find(&rows)
	if len(rows) != 2 {
		t.Fatalf("recorded %d rows, expected 2 (GET is not audited)", len(rows))
	}
	if rows[0].Module != "providers" || rows[0].Action != "create" || rows[0].Level != services.LevelInfo {
		t.Errorf("first row = %s/%s/%s", rows[0].Module, rows[0].Action, rows[0].Level)
	}
	if strings.Contains(rows[0].Extra, "sk-live") {
		t.Errorf("extra leaks api key: %s", rows[0].Extra)
	}
	if rows[1].Action != "delete" || rows[1].Level != services.LevelWarning {
		t.Errorf("failed delete = %s/%s, expected delete/warning", rows[1].Action, rows[1].Level)
	}
	if !strings.HasPrefix(rows[1].Message, "ops DELETE /api/im-bots/7") {
		t.Errorf("message = %q", rows[1].Message)
	}
}
