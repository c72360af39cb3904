package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/huangang/modsentry/internal/config"
	"github.com/huangang/modsentry/internal/models"
	"github.com/huangang/modsentry/internal/store"
	"github.com/huangang/modsentry/pkg/logger"
)

// Outcome markers outlive the lock just long enough for waiters to poll.
const outcomeMarkerTTL = 10 * time.Second

// ResultLookup is polled by waiting requests.
type ResultLookup func(ctx context.Context) (*models.AnalysisResult, bool)

// RequestCoalescer makes sure only one worker computes a given key at a time.
type RequestCoalescer struct {
	store store.Store
	cfg   config.CoalescerConfig
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRequestCoalescer(st store.Store, cfg config.CoalescerConfig) *RequestCoalescer {
	return &RequestCoalescer{store: st, cfg: cfg, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func lockKey(key string) string { return "analysis:lock:" + key }
func failureKey(key string) string { return "analysis:failed:" + key }
func partialKey(key string) string { return "analysis:partial:" + key }

// AcquireLock reports whether correlationID now owns key. The owner clears
// any outcome marker left by a previous owner.
func (c *RequestCoalescer) AcquireLock(ctx context.Context, key, correlationID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = c.cfg.LockTTL
	}
	owns, err := c.store.SetNX(ctx, lockKey(key), correlationID, ttl)
	if err != nil || !owns {
		return false, err
	}
	if err := c.store.Del(ctx, failureKey(key), partialKey(key)); err != nil {
		logger.Warnf("[Coalescer] failed to clear outcome markers: %v", err)
	}
	return true, nil
}

// ReleaseLock deletes the lock only if correlationID still owns it, so an
// owner whose lock expired never frees a successor's lock.
func (c *RequestCoalescer) ReleaseLock(ctx context.Context, key, correlationID string) error {
	released, err := c.store.CompareAndDelete(ctx, lockKey(key), correlationID)
	if err != nil {
		return err
	}
	if !released {
		logger.Warnf("[Coalescer] lock for %s expired before release (owner %s)", shortKey(key), correlationID)
	}
	return nil
}

// PublishFailure lets waiters return the owner's outcome right away.
func (c *RequestCoalescer) PublishFailure(ctx context.Context, key string, u *Unavailable) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, failureKey(key), string(b), outcomeMarkerTTL)
}

// PublishPartial hands an incomplete answer set to the owner's waiters.
// It never reaches the cache, and the marker expires with the failure one.
func (c *RequestCoalescer) PublishPartial(ctx context.Context, key string, result *models.AnalysisResult) error {
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, partialKey(key), string(b), outcomeMarkerTTL)
}

// published returns whatever outcome marker the owner left for key.
func (c *RequestCoalescer) published(ctx context.Context, key string) (*models.AnalysisResult, *Unavailable) {
	if raw, err := c.store.Get(ctx, partialKey(key)); err == nil {
		var r models.AnalysisResult
		if json.Unmarshal([]byte(raw), &r) == nil {
			return &r, nil
		}
	}
	if raw, err := c.store.Get(ctx, failureKey(key)); err == nil {
		var u Unavailable
		if json.Unmarshal([]byte(raw), &u) == nil && u.Reason != "" {
			return nil, &u
		}
	}
	return nil, nil
}

// Wait polls lookup with bounded exponential backoff until a result appears,
// the owner publishes a partial result or a failure, the wait budget runs
// out or ctx is done.
// It returns ErrLockReleased when the lock disappears with nothing published.
func (c *RequestCoalescer) Wait(ctx context.Context, key string, lookup ResultLookup) (*models.AnalysisResult, *Unavailable, error) {
	deadline := time.Now().Add(c.cfg.MaxWait)
	delay := c.cfg.InitialBackoff

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &Unavailable{Reason: ReasonTimeout, Message: "timed out waiting for in-flight analysis"}, nil
		}
		if delay > remaining {
			delay = remaining
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, &Unavailable{Reason: ReasonTimeout, Message: "deadline elapsed waiting for in-flight analysis"}, nil
		}

		if result, ok := lookup(ctx); ok {
			return result, nil, nil
		}

		if result, u := c.published(ctx, key); result != nil || u != nil {
			return result, u, nil
		}

		if _, err := c.store.Get(ctx, lockKey(key)); errors.Is(err, store.ErrNotFound) {
			// The owner may have finished between the reads above and now.
			if result, ok := lookup(ctx); ok {
				return result, nil, nil
			}
			if result, u := c.published(ctx, key); result != nil || u != nil {
				return result, u, nil
			}
			return nil, nil, ErrLockReleased
		}

		delay = c.nextBackoff(delay)
	}
}

func (c *RequestCoalescer) nextBackoff(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * c.cfg.Multiplier)
	if next > c.cfg.MaxBackoff {
		return c.cfg.MaxBackoff
	}
	return next
}
