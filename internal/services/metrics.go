package services

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// analysisOutcomesTotal labels: outcome (computed, cached, coalesced, unavailable)
	analysisOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modsentry",
		Subsystem: "analysis",
		Name:      "outcomes_total",
		Help:      "Analysis requests by how they were answered",
	}, []string{"outcome"})

	analysisUnavailableTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modsentry",
		Subsystem: "analysis",
		Name:      "unavailable_total",
		Help:      "Unavailable outcomes by reason",
	}, []string{"reason"})

	analysisDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "modsentry",
		Subsystem: "analysis",
		Name:      "duration_seconds",
		Help:      "End-to-end analysis latency",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 20, 30},
	})

	// providerCallsTotal labels: provider, status (success or a FailureKind)
	providerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modsentry",
		Subsystem: "provider",
		Name:      "calls_total",
		Help:      "Provider calls by provider and status",
	}, []string{"provider", "status"})

	providerLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "modsentry",
		Subsystem: "provider",
		Name:      "latency_seconds",
		Help:      "Provider call latency",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"provider"})

	providerTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modsentry",
		Subsystem: "provider",
		Name:      "tokens_total",
		Help:      "Tokens by provider and direction",
	}, []string{"provider", "direction"})

	providerCostUSDTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modsentry",
		Subsystem: "provider",
		Name:      "cost_usd_total",
		Help:      "Cumulative recorded cost in USD by provider",
	}, []string{"provider"})

	circuitTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modsentry",
		Subsystem: "circuit",
		Name:      "transitions_total",
		Help:      "Circuit breaker transitions by provider and target state",
	}, []string{"provider", "to"})

	// cacheLookupsTotal labels: result (hit, miss, expired)
	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modsentry",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Analysis cache lookups by result",
	}, []string{"result"})

	budgetAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modsentry",
		Subsystem: "budget",
		Name:      "alerts_total",
		Help:      "Budget threshold alerts fired",
	}, []string{"threshold"})

	budgetRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modsentry",
		Subsystem: "budget",
		Name:      "rejections_total",
		Help:      "Analyses refused because the estimate did not fit the budget",
	})

	usageDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modsentry",
		Subsystem: "usage",
		Name:      "dropped_records_total",
		Help:      "Provider call records dropped because the write buffer was full",
	})
)

func recordProviderCall(provider, status string, seconds float64, inputTokens, outputTokens int, costUSD float64) {
	providerCallsTotal.WithLabelValues(provider, status).Inc()
	providerLatencySeconds.WithLabelValues(provider).Observe(seconds)
	if inputTokens > 0 {
		providerTokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		providerTokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
	if costUSD > 0 {
		providerCostUSDTotal.WithLabelValues(provider).Add(costUSD)
	}
}

func recordOutcome(o Outcome, seconds float64) {
	analysisDurationSeconds.Observe(seconds)
	switch {
	case o.Unavailable != nil:
		analysisOutcomesTotal.WithLabelValues("unavailable").Inc()
		analysisUnavailableTotal.WithLabelValues(string(o.Unavailable.Reason)).Inc()
	case o.Cached:
		analysisOutcomesTotal.WithLabelValues("cached").Inc()
	case o.Coalesced:
		analysisOutcomesTotal.WithLabelValues("coalesced").Inc()
	default:
		analysisOutcomesTotal.WithLabelValues("computed").Inc()
	}
}

func recordBudgetAlert(threshold int) {
	budgetAlertsTotal.WithLabelValues(strconv.Itoa(threshold)).Inc()
}
