package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/huangang/modsentry/internal/config"
	"github.com/huangang/modsentry/internal/store"
	"github.com/huangang/modsentry/pkg/logger"
	"golang.org/x/sync/errgroup"
)

const (
	HealthUp      = "up"
	HealthDown    = "down"
	HealthUnknown = "unknown"

	probeTimeout     = 10 * time.Second
	probeConcurrency = 4
)

// ProviderHealth is the cached result of the last out-of-band probe.
type ProviderHealth struct {
	Provider  string    `json:"provider"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	LatencyMs int64     `json:"latencyMs"`
	CheckedAt time.Time `json:"checkedAt"`
}

// HealthProber probes providers out of band so the request path never
// pays for a live health check.
type HealthProber struct {
	source ProviderSource
	store  store.Store
	cfg    config.HealthConfig
}

func NewHealthProber(source ProviderSource, st store.Store, cfg config.HealthConfig) *HealthProber {
	return &HealthProber{source: source, store: st, cfg: cfg}
}

func healthKey(provider string) string { return "health:" + provider }

// ProbeAll checks every enabled provider in parallel and caches the results.
func (h *HealthProber) ProbeAll(ctx context.Context) error {
	providers, err := h.source.Providers(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for _, p := range providers {
		if !p.Config.IsActive {
			continue
		}
		p := p
		g.Go(func() error {
			return h.probe(gctx, p)
		})
	}
	return g.Wait()
}

func (h *HealthProber) probe(ctx context.Context, p *Provider) error {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := p.Client.HealthCheck(pctx)
	status := ProviderHealth{
		Provider:  p.Name(),
		Status:    HealthUp,
		LatencyMs: time.Since(start).Milliseconds(),
		CheckedAt: time.Now(),
	}
	if err != nil {
		status.Status = HealthDown
		status.Error = err.Error()
		logger.Warnf("[Health] provider %s is down: %v", p.Name(), err)
	}

	b, err := json.Marshal(status)
	if err != nil {
		return err
	}
	// A probe failure is data, not an error; only store failures abort the group.
	return h.store.Set(ctx, healthKey(p.Name()), string(b), h.cfg.StatusTTL)
}

// Status returns the cached health; a missing record is "unknown".
func (h *HealthProber) Status(ctx context.Context, provider string) ProviderHealth {
	raw, err := h.store.Get(ctx, healthKey(provider))
	if err != nil {
		return ProviderHealth{Provider: provider, Status: HealthUnknown}
	}
	var status ProviderHealth
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return ProviderHealth{Provider: provider, Status: HealthUnknown}
	}
	return status
}

// IsDown is true only for a cached failed probe; unknown counts as healthy.
func (h *HealthProber) IsDown(ctx context.Context, provider string) bool {
	return h.Status(ctx, provider).Status == HealthDown
}
