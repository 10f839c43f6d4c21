// Package observability exports pipeline metrics to Prometheus.
package observability

import (
	"errors"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "turnflow"

// Metrics implements the observer interfaces of the gateway, the stage
// resolver, the cache layer and the pipeline. A nil *Metrics records nothing.
type Metrics struct {
	llmDuration       *promclient.HistogramVec
	llmCalls          *promclient.CounterVec
	llmAttempts       *promclient.CounterVec
	llmCost           *promclient.CounterVec
	turnDuration      *promclient.HistogramVec
	stageSelections   *promclient.CounterVec
	cacheSoftFailures *promclient.CounterVec
}

// NewMetrics registers the collectors on reg, reusing any already registered.
func NewMetrics(namespace string, reg promclient.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}
	m := &Metrics{
		llmDuration: promclient.NewHistogramVec(promclient.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "Latency of model calls including retries.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"kind", "outcome"}),
		llmCalls: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Model calls by kind and outcome.",
		}, []string{"kind", "outcome"}),
		llmAttempts: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "llm_attempts_total",
			Help:      "Model call attempts, retries included.",
		}, []string{"kind"}),
		llmCost: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_usd_total",
			Help:      "Estimated model spend in USD.",
		}, []string{"kind"}),
		turnDuration: promclient.NewHistogramVec(promclient.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "End to end latency of a message turn.",
			Buckets:   promclient.DefBuckets,
		}, []string{"outcome"}),
		stageSelections: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "stage_selections_total",
			Help:      "Stage selection results.",
		}, []string{"outcome"}),
		cacheSoftFailures: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "cache_soft_failures_total",
			Help:      "Cache operations that failed and fell back to the database.",
		}, []string{"op"}),
	}

	var err error
	if m.llmDuration, err = register(reg, m.llmDuration); err != nil {
		return nil, err
	}
	if m.llmCalls, err = register(reg, m.llmCalls); err != nil {
		return nil, err
	}
	if m.llmAttempts, err = register(reg, m.llmAttempts); err != nil {
		return nil, err
	}
	if m.llmCost, err = register(reg, m.llmCost); err != nil {
		return nil, err
	}
	if m.turnDuration, err = register(reg, m.turnDuration); err != nil {
		return nil, err
	}
	if m.stageSelections, err = register(reg, m.stageSelections); err != nil {
		return nil, err
	}
	if m.cacheSoftFailures, err = register(reg, m.cacheSoftFailures); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C promclient.Collector](reg promclient.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are promclient.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metric: %w", err)
	}
	return c, nil
}

func (m *Metrics) LLMCall(kind, outcome string, attempts int, latency time.Duration, costUSD float64) {
	if m == nil {
		return
	}
	m.llmDuration.WithLabelValues(kind, outcome).Observe(latency.Seconds())
	m.llmCalls.WithLabelValues(kind, outcome).Inc()
	m.llmAttempts.WithLabelValues(kind).Add(float64(attempts))
	if costUSD > 0 {
		m.llmCost.WithLabelValues(kind).Add(costUSD)
	}
}

func (m *Metrics) Turn(outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.turnDuration.WithLabelValues(outcome).Observe(latency.Seconds())
}

func (m *Metrics) StageTransition(outcome string) {
	if m == nil {
		return
	}
	m.stageSelections.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CacheSoftFailure(op string) {
	if m == nil {
		return
	}
	m.cacheSoftFailures.WithLabelValues(op).Inc()
}
