package services

import (
	"context"
	"hash/fnv"
	"sort"
)

// ProviderSelector picks the next eligible provider for a call.
type ProviderSelector struct {
	source    ProviderSource
	breaker   *CircuitBreaker
	health    *HealthProber
	abEnabled func(ctx context.Context) bool
}

func NewProviderSelector(source ProviderSource, breaker *CircuitBreaker, health *HealthProber, abEnabled func(ctx context.Context) bool) *ProviderSelector {
	if abEnabled == nil {
		abEnabled = func(context.Context) bool { return false }
	}
	return &ProviderSelector{source: source, breaker: breaker, health: health, abEnabled: abEnabled}
}

// HasProviders reports whether at least one provider is enabled.
func (s *ProviderSelector) HasProviders(ctx context.Context) (bool, error) {
	providers, err := s.source.Providers(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range providers {
		if p.Config.IsActive {
			return true, nil
		}
	}
	return false, nil
}

// Select returns the best eligible provider not in excluded, or
// ErrProvidersExhausted.
//
// With A/B testing on, the request key's hash picks a slot among all
// weighted providers, so a cohort stays on its provider across calls. When
// that provider is not eligible, the next weighted provider after it in
// slot order is used, then plain priority order.
func (s *ProviderSelector) Select(ctx context.Context, requestKey string, excluded map[string]bool) (*Provider, error) {
	all, err := s.source.Providers(ctx)
	if err != nil {
		return nil, err
	}

	ordered := make([]*Provider, 0, len(all))
	for _, p := range all {
		if p.Config.IsActive {
			ordered = append(ordered, p)
		}
	}
	if len(ordered) == 0 {
		return nil, ErrNoProviders
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Config.Priority != ordered[j].Config.Priority {
			return ordered[i].Config.Priority < ordered[j].Config.Priority
		}
		return ordered[i].Config.Name < ordered[j].Config.Name
	})

	eligible := func(p *Provider) bool {
		if excluded[p.Name()] {
			return false
		}
		if s.health != nil && s.health.IsDown(ctx, p.Name()) {
			return false
		}
		return s.breaker == nil || s.breaker.Allow(ctx, p.Name())
	}

	if s.abEnabled(ctx) {
		if p := s.pickWeighted(requestKey, ordered, eligible); p != nil {
			return p, nil
		}
	}

	for _, p := range ordered {
		if eligible(p) {
			return p, nil
		}
	}
	return nil, ErrProvidersExhausted
}

func (s *ProviderSelector) pickWeighted(requestKey string, ordered []*Provider, eligible func(*Provider) bool) *Provider {
	var weighted []*Provider
	total := 0
	for _, p := range ordered {
		if p.Config.Weight > 0 {
			weighted = append(weighted, p)
			total += p.Config.Weight
		}
	}
	if total == 0 {
		return nil
	}

	slot := int(abHash(requestKey) % uint32(total))
	start := 0
	for i, p := range weighted {
		if slot < p.Config.Weight {
			start = i
			break
		}
		slot -= p.Config.Weight
	}

	for i := 0; i < len(weighted); i++ {
		p := weighted[(start+i)%len(weighted)]
		if eligible(p) {
			return p
		}
	}
	return nil
}

func abHash(requestKey string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(requestKey))
	return h.Sum32()
}
