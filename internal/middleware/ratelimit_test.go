package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func limitedRouter(rl *RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if s := c.GetHeader("X-Service"); s != "" {
			c.Set(ContextService, s)
		}
		c.Next()
	})
	router.Use(rl.Middleware())
	router.POST("/api/analyze", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func send(router *gin.Engine, service, addr string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/analyze", nil)
	req.RemoteAddr = addr
	if service != "" {
		req.Header.Set("X-Service", service)
	}
	router.ServeHTTP(w, req)
	return w
}

func newTestLimiter(t *testing.T, rps float64, burst int) (*RateLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(rps, burst)
	rl.now = clock.now
	t.Cleanup(rl.Close)
	return rl, clock
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	rl, clock := newTestLimiter(t, 1, 2)
	router := limitedRouter(rl)

	for i := 0; i < 2; i++ {
		if w := send(router, "", "10.0.0.1:1000"); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, expected 200", i, w.Code)
		}
	}
	w := send(router, "", "10.0.0.1:1000")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over burst: status = %d, expected 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, expected 1", got)
	}

	clock.t = clock.t.Add(time.Second)
	if w := send(router, "", "10.0.0.1:1000"); w.Code != http.StatusOK {
		t.Errorf("after refill: status = %d, expected 200", w.Code)
	}
}

func TestRateLimiter_RejectedRequestsDoNotDrainBucket(t *testing.T) {
	rl, clock := newTestLimiter(t, 1, 1)
	router := limitedRouter(rl)

	send(router, "", "10.0.0.1:1000")
	for i := 0; i < 5; i++ {
		send(router, "", "10.0.0.1:1000")
	}
	clock.t = clock.t.Add(time.Second)
	if w := send(router, "", "10.0.0.1:1000"); w.Code != http.StatusOK {
		t.Errorf("status = %d, expected 200 once a token refilled", w.Code)
	}
}

func TestRateLimiter_Keys(t *testing.T) {
	rl, _ := newTestLimiter(t, 1, 1)
	router := limitedRouter(rl)

	if w := send(router, "rule-engine", "10.0.0.1:1000"); w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, expected 200", w.Code)
	}
	// Replicas of one service share a bucket.
	if w := send(router, "rule-engine", "10.0.0.2:1000"); w.Code != http.StatusTooManyRequests {
		t.Errorf("same service, new IP: status = %d, expected 429", w.Code)
	}
	if w := send(router, "dashboard", "10.0.0.1:1000"); w.Code != http.StatusOK {
		t.Errorf("other service: status = %d, expected 200", w.Code)
	}
	// Anonymous callers fall back to their IP.
	if w := send(router, anonymousService, "10.0.0.3:1000"); w.Code != http.StatusOK {
		t.Errorf("anonymous first IP: status = %d, expected 200", w.Code)
	}
	if w := send(router, anonymousService, "10.0.0.4:1000"); w.Code != http.StatusOK {
		t.Errorf("anonymous second IP: status = %d, expected 200", w.Code)
	}
}

func TestRateLimiter_PruneIdleCallers(t *testing.T) {
	rl, clock := newTestLimiter(t, 10, 10)
	router := limitedRouter(rl)

	send(router, "rule-engine", "10.0.0.1:1000")
	clock.t = clock.t.Add(limiterIdleTTL / 2)
	send(router, "dashboard", "10.0.0.1:1000")

	clock.t = clock.t.Add(limiterIdleTTL/2 + time.Second)
	if remaining := rl.Prune(); remaining != 1 {
		t.Errorf("Prune() = %d, expected 1", remaining)
	}
}
