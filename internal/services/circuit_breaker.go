package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/huangang/modsentry/internal/config"
	"github.com/huangang/modsentry/internal/store"
	"github.com/huangang/modsentry/pkg/logger"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitRecord is the store-resident state of one provider's breaker.
type CircuitRecord struct {
	State        CircuitState `json:"state"`
	FailureCount int          `json:"failureCount"`
	SuccessCount int          `json:"successCount"`
	OpenUntil    time.Time    `json:"openUntil"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// CircuitStatus is the admin view of one breaker.
type CircuitStatus struct {
	Provider string `json:"provider"`
	CircuitRecord
}

// TransitionFunc is notified after a state change has been committed.
type TransitionFunc func(ctx context.Context, provider string, from, to CircuitState, rec CircuitRecord)

// CircuitBreaker keeps per-provider state in the shared store so every
// worker sees the same counters.
type CircuitBreaker struct {
	store        store.Store
	cfg          config.CircuitConfig
	now          func() time.Time
	onTransition []TransitionFunc
}

func NewCircuitBreaker(st store.Store, cfg config.CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{store: st, cfg: cfg, now: time.Now}
}

// OnTransition registers a listener for committed state changes.
func (cb *CircuitBreaker) OnTransition(fn TransitionFunc) {
	cb.onTransition = append(cb.onTransition, fn)
}

func circuitKey(provider string) string { return "circuit:" + provider }

func decodeCircuit(raw string, exists bool) (CircuitRecord, error) {
	if !exists || raw == "" {
		return CircuitRecord{State: CircuitClosed}, nil
	}
	var rec CircuitRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return CircuitRecord{}, fmt.Errorf("decode circuit record: %w", err)
	}
	if rec.State == "" {
		rec.State = CircuitClosed
	}
	return rec, nil
}

// effective reports the state as seen at now: an OPEN breaker whose cooldown
// has elapsed behaves as HALF_OPEN.
func (cb *CircuitBreaker) effective(rec CircuitRecord, now time.Time) CircuitRecord {
	if rec.State == CircuitOpen && !now.Before(rec.OpenUntil) {
		rec.State = CircuitHalfOpen
		rec.SuccessCount = 0
	}
	return rec
}

// State returns the effective breaker state for provider.
func (cb *CircuitBreaker) State(ctx context.Context, provider string) (CircuitRecord, error) {
	raw, err := cb.store.Get(ctx, circuitKey(provider))
	exists := true
	if errors.Is(err, store.ErrNotFound) {
		exists, err = false, nil
	}
	if err != nil {
		return CircuitRecord{}, err
	}
	rec, err := decodeCircuit(raw, exists)
	if err != nil {
		return CircuitRecord{}, err
	}
	return cb.effective(rec, cb.now()), nil
}

// Allow reports whether a call may be dispatched. Store errors fail open
// so a coordination outage does not stop all analysis.
func (cb *CircuitBreaker) Allow(ctx context.Context, provider string) bool {
	rec, err := cb.State(ctx, provider)
	if err != nil {
		logger.Warnf("[Circuit] state read failed for %s, allowing call: %v", provider, err)
		return true
	}
	return rec.State != CircuitOpen
}

// Execute runs op unless the breaker is open, then records the outcome.
// Caller cancellation is not counted against the provider.
func (cb *CircuitBreaker) Execute(ctx context.Context, provider string, op func(context.Context) error) error {
	if !cb.Allow(ctx, provider) {
		return ErrCircuitOpen
	}

	opErr := op(ctx)

	switch {
	case opErr == nil:
		if err := cb.RecordSuccess(ctx, provider); err != nil {
			logger.Warnf("[Circuit] failed to record success for %s: %v", provider, err)
		}
	case errors.Is(opErr, context.Canceled):
	default:
		if err := cb.RecordFailure(ctx, provider); err != nil {
			logger.Warnf("[Circuit] failed to record failure for %s: %v", provider, err)
		}
	}
	return opErr
}

func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, provider string) error {
	return cb.transition(ctx, provider, func(rec CircuitRecord, now time.Time) CircuitRecord {
		switch rec.State {
		case CircuitClosed:
			rec.FailureCount = 0
		case CircuitHalfOpen:
			rec.SuccessCount++
			if rec.SuccessCount >= cb.cfg.SuccessThreshold {
				rec = CircuitRecord{State: CircuitClosed}
			}
		}
		return rec
	})
}

func (cb *CircuitBreaker) RecordFailure(ctx context.Context, provider string) error {
	return cb.transition(ctx, provider, func(rec CircuitRecord, now time.Time) CircuitRecord {
		switch rec.State {
		case CircuitClosed:
			rec.FailureCount++
			rec.SuccessCount = 0
			if rec.FailureCount >= cb.cfg.FailureThreshold {
				rec.State = CircuitOpen
				rec.OpenUntil = now.Add(cb.cfg.Cooldown)
			}
		case CircuitHalfOpen:
			rec.State = CircuitOpen
			rec.FailureCount++
			rec.SuccessCount = 0
			rec.OpenUntil = now.Add(cb.cfg.Cooldown)
		case CircuitOpen:
			// A call admitted before the breaker opened; the cooldown stands.
			rec.FailureCount++
		}
		return rec
	})
}

// Reset force-closes the breaker.
func (cb *CircuitBreaker) Reset(ctx context.Context, provider string) error {
	before, err := cb.State(ctx, provider)
	if err != nil {
		return err
	}
	if err := cb.store.Del(ctx, circuitKey(provider)); err != nil {
		return err
	}
	if before.State != CircuitClosed {
		cb.notify(ctx, provider, before.State, CircuitClosed, CircuitRecord{State: CircuitClosed})
	}
	return nil
}

// Snapshot returns the effective state of each named provider.
func (cb *CircuitBreaker) Snapshot(ctx context.Context, providers []string) []CircuitStatus {
	out := make([]CircuitStatus, 0, len(providers))
	for _, name := range providers {
		rec, err := cb.State(ctx, name)
		if err != nil {
			logger.Warnf("[Circuit] snapshot read failed for %s: %v", name, err)
			continue
		}
		out = append(out, CircuitStatus{Provider: name, CircuitRecord: rec})
	}
	return out
}

func (cb *CircuitBreaker) transition(ctx context.Context, provider string, step func(CircuitRecord, time.Time) CircuitRecord) error {
	var from, to CircuitState
	var committed CircuitRecord

	_, err := cb.store.Update(ctx, circuitKey(provider), cb.cfg.StateTTL, func(current string, exists bool) (string, error) {
		stored, err := decodeCircuit(current, exists)
		if err != nil {
			// A corrupt record is replaced rather than wedging the provider.
			stored = CircuitRecord{State: CircuitClosed}
		}
		now := cb.now()
		rec := cb.effective(stored, now)
		from = rec.State
		next := step(rec, now)
		next.UpdatedAt = now
		to = next.State
		committed = next
		b, err := json.Marshal(next)
		if err != nil {
			return "", err
		}
		return string(b), nil
	})
	if err != nil {
		return err
	}

	if from != to {
		cb.notify(ctx, provider, from, to, committed)
	}
	return nil
}

func (cb *CircuitBreaker) notify(ctx context.Context, provider string, from, to CircuitState, rec CircuitRecord) {
	circuitTransitionsTotal.WithLabelValues(provider, string(to)).Inc()
	logger.Infof("[Circuit] %s: %s -> %s (failures=%d, successes=%d)", provider, from, to, rec.FailureCount, rec.SuccessCount)
	for _, fn := range cb.onTransition {
		fn(ctx, provider, from, to, rec)
	}
}
