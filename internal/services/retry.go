package services

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/huangang/modsentry/internal/config"
)

// RetryPolicy bounds the failover loop.
type RetryPolicy struct {
	// MaxAttempts caps provider calls across all providers for one analysis.
	MaxAttempts int
	// MaxRetriesPerProvider is how many extra tries a retryable failure gets
	// on the same provider before moving on.
	MaxRetriesPerProvider int
	BaseDelay             time.Duration
	MaxDelay              time.Duration
}

func NewRetryPolicy(cfg config.AnalysisConfig) RetryPolicy {
	p := RetryPolicy{
		MaxAttempts:           cfg.MaxAttempts,
		MaxRetriesPerProvider: cfg.MaxRetriesPerProvider,
		BaseDelay:             cfg.RetryBaseDelay,
		MaxDelay:              4 * cfg.RetryBaseDelay,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	return p
}

// Backoff returns the wait before retry number retry (0-based) with 20% jitter.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	backoff := float64(p.BaseDelay) * float64(int(1)<<retry)
	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	jitter := (rand.Float64() * 0.2) * backoff
	return time.Duration(backoff + jitter)
}

// ShouldRetrySameProvider reports whether err earns another try on the
// provider that produced it.
func (p RetryPolicy) ShouldRetrySameProvider(err error, retriesSoFar int) bool {
	if retriesSoFar >= p.MaxRetriesPerProvider {
		return false
	}
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable()
}

// Wait sleeps for the backoff or until ctx is done.
func (p RetryPolicy) Wait(ctx context.Context, retry int) error {
	return sleepCtx(ctx, p.Backoff(retry))
}
