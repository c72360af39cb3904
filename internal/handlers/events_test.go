package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/modsentry/internal/services"
)

// streamFor runs the handler until publish has been called and the client
// hangs up, then returns what was written.
func streamFor(t *testing.T, hub *services.EventHub, h *EventsHandler, path, lastID string, publish func()) *httptest.ResponseRecorder {
	t.Helper()
	r := gin.New()
	r.GET("/api/events", h.Stream)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	w := httptest.NewRecorder()

	before := hub.ClientCount()
	done := make(chan struct{})
	go func() {
		r.ServeHTTP(w, req)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	publish()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not stop after the client disconnected")
	}
	return w
}

func TestEventsStream(t *testing.T) {
	hub := services.NewEventHub()
	w := streamFor(t, hub, NewEventsHandler(hub), "/api/events", "", func() {
		hub.Publish(services.OpsEvent{Kind: "circuit", Provider: "openai", To: "OPEN"})
	})

	body := w.Body.String()
	for _, want := range []string{"id:1\n", "event:circuit\n", `"provider":"openai"`} {
		if !strings.Contains(body, want) {
			t.Errorf("body = %q, expected it to contain %q", body, want)
		}
	}
	if got := w.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/event-stream") {
		t.Errorf("Content-Type = %q, expected text/event-stream", got)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, expected the client to be unsubscribed", hub.ClientCount())
	}
}

func TestEventsStream_KindFilterAndReplay(t *testing.T) {
	hub := services.NewEventHub()
	hub.Publish(services.OpsEvent{Kind: "budget", Threshold: 50})
	hub.Publish(services.OpsEvent{Kind: "circuit", Provider: "missed"})

	w := streamFor(t, hub, NewEventsHandler(hub), "/api/events?kind=circuit", "1", func() {
		hub.Publish(services.OpsEvent{Kind: "budget", Threshold: 75})
	})

	body := w.Body.String()
	if !strings.Contains(body, `"provider":"missed"`) {
		t.Errorf("body = %q, expected the replayed circuit event", body)
	}
	if strings.Contains(body, "event:budget") {
		t.Errorf("body = %q, budget events should be filtered out", body)
	}
}

func TestEventsStream_Heartbeat(t *testing.T) {
	hub := services.NewEventHub()
	h := NewEventsHandler(hub)
	h.heartbeat = 10 * time.Millisecond

	w := streamFor(t, hub, h, "/api/events", "", func() {})
	if !strings.Contains(w.Body.String(), ": ping\n\n") {
		t.Errorf("body = %q, expected a heartbeat comment", w.Body.String())
	}
}
