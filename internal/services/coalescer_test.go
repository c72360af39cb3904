package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/huangang/modsentry/internal/config"
	"github.com/huangang/modsentry/internal/models"
	"github.com/huangang/modsentry/internal/store"
)

func newTestCoalescer(st store.Store) *RequestCoalescer {
	return NewRequestCoalescer(st, config.CoalescerConfig{
		LockTTL:        time.Second,
		InitialBackoff: 2 * time.Millisecond,
		Multiplier:     1.5,
		MaxBackoff:     10 * time.Millisecond,
		MaxWait:        500 * time.Millisecond,
	})
}

func TestRequestCoalescer_LockOwnership(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newTestCoalescer(st)

	owns, err := c.AcquireLock(ctx, "k", "req-1", 0)
	if err != nil || !owns {
		t.Fatalf("first AcquireLock = %v, %v, expected ownership", owns, err)
	}
	if owns, _ := c.AcquireLock(ctx, "k", "req-2", 0); owns {
		t.Fatal("second AcquireLock should not take an owned lock")
	}

	// A non-owner release leaves the lock in place.
	c.ReleaseLock(ctx, "k", "req-2")
	if owns, _ := c.AcquireLock(ctx, "k", "req-3", 0); owns {
		t.Error("lock released by a non-owner")
	}

	c.ReleaseLock(ctx, "k", "req-1")
	if owns, _ := c.AcquireLock(ctx, "k", "req-3", 0); !owns {
		t.Error("lock should be free after the owner released it")
	}
}

func TestRequestCoalescer_AcquireClearsFailureMarker(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newTestCoalescer(st)

	c.PublishFailure(ctx, "k", &Unavailable{Reason: ReasonBudget})
	c.PublishPartial(ctx, "k", &models.AnalysisResult{Provider: "p", MissingQuestionIDs: []string{"q2"}})
	c.AcquireLock(ctx, "k", "req-1", 0)
	if _, err := st.Get(ctx, failureKey("k")); !errors.Is(err, store.ErrNotFound) {
		t.Error("new owner should clear a stale failure marker")
	}
	if _, err := st.Get(ctx, partialKey("k")); !errors.Is(err, store.ErrNotFound) {
		t.Error("new owner should clear a stale partial result")
	}
}

func TestRequestCoalescer_WaitSeesPublishedPartial(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newTestCoalescer(st)
	c.AcquireLock(ctx, "k", "owner", 0)
	c.PublishPartial(ctx, "k", &models.AnalysisResult{Provider: "p", MissingQuestionIDs: []string{"q2"}})
	c.ReleaseLock(ctx, "k", "owner")

	result, u, err := c.Wait(ctx, "k", func(context.Context) (*models.AnalysisResult, bool) { return nil, false })
	if err != nil || u != nil || result == nil {
		t.Fatalf("Wait = %v, %v, %v, expected the partial result", result, u, err)
	}
	if result.Provider != "p" || len(result.MissingQuestionIDs) != 1 {
		t.Errorf("result = %+v, expected the published partial", result)
	}
}

func TestRequestCoalescer_WaitReturnsResult(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newTestCoalescer(st)
	c.AcquireLock(ctx, "k", "owner", 0)

	var polls int32
	lookup := func(context.Context) (*models.AnalysisResult, bool) {
		if atomic.AddInt32(&polls, 1) >= 3 {
			return &models.AnalysisResult{Provider: "p"}, true
		}
		return nil, false
	}

	result, u, err := c.Wait(ctx, "k", lookup)
	if err != nil || u != nil {
		t.Fatalf("Wait = %v, %v, expected a result", u, err)
	}
	if result.Provider != "p" {
		t.Errorf("Provider = %q, expected p", result.Provider)
	}
}

func TestRequestCoalescer_WaitSeesPublishedFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newTestCoalescer(st)
	c.AcquireLock(ctx, "k", "owner", 0)
	c.PublishFailure(ctx, "k", &Unavailable{Reason: ReasonBudget, Message: "daily limit"})

	start := time.Now()
	_, u, err := c.Wait(ctx, "k", func(context.Context) (*models.AnalysisResult, bool) { return nil, false })
	if err != nil || u == nil {
		t.Fatalf("Wait = %v, %v, expected Unavailable", u, err)
	}
	if u.Reason != ReasonBudget {
		t.Errorf("Reason = %s, expected budget", u.Reason)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Error("waiter should return promptly once the failure is published")
	}
}

func TestRequestCoalescer_WaitLockReleased(t *testing.T) {
	ctx := context.Background()
	c := newTestCoalescer(store.NewMemoryStore())

	_, _, err := c.Wait(ctx, "k", func(context.Context) (*models.AnalysisResult, bool) { return nil, false })
	if !errors.Is(err, ErrLockReleased) {
		t.Errorf("Wait error = %v, expected ErrLockReleased", err)
	}
}

func TestRequestCoalescer_WaitTimesOut(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newTestCoalescer(st)
	c.cfg.MaxWait = 30 * time.Millisecond
	c.AcquireLock(ctx, "k", "owner", time.Minute)

	_, u, err := c.Wait(ctx, "k", func(context.Context) (*models.AnalysisResult, bool) { return nil, false })
	if err != nil || u == nil || u.Reason != ReasonTimeout {
		t.Errorf("Wait = %+v, %v, expected timeout", u, err)
	}
}

func TestRequestCoalescer_WaitHonorsContext(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestCoalescer(st)
	c.cfg.MaxWait = time.Minute
	c.AcquireLock(context.Background(), "k", "owner", time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, u, _ := c.Wait(ctx, "k", func(context.Context) (*models.AnalysisResult, bool) { return nil, false })
	if u == nil || u.Reason != ReasonTimeout {
		t.Errorf("Wait = %+v, expected timeout when ctx expires", u)
	}
}

func TestRequestCoalescer_Backoff(t *testing.T) {
	c := NewRequestCoalescer(store.NewMemoryStore(), config.CoalescerConfig{
		InitialBackoff: 500 * time.Millisecond,
		Multiplier:     1.5,
		MaxBackoff:     2 * time.Second,
	})

	d := c.cfg.InitialBackoff
	expected := []time.Duration{750 * time.Millisecond, 1125 * time.Millisecond, 1687500 * time.Microsecond, 2 * time.Second, 2 * time.Second}
	for i, want := range expected {
		d = c.nextBackoff(d)
		if d != want {
			t.Errorf("backoff step %d = %v, expected %v", i, d, want)
		}
	}
}
