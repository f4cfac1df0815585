package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RuleOutcomeLabel classifies a single rule evaluation for the counter.
type RuleOutcomeLabel string

const (
	RuleOutcomeTriggered RuleOutcomeLabel = "triggered"
	RuleOutcomePassed    RuleOutcomeLabel = "not_triggered"
	RuleOutcomeError     RuleOutcomeLabel = "error"
)

// Recorder publishes Prometheus metrics for engine activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	ruleEvaluations *prometheus.CounterVec
	ruleLatency     *prometheus.HistogramVec

	enrichments *prometheus.CounterVec

	evaluations       *prometheus.CounterVec
	evaluationLatency prometheus.Histogram

	cacheOperations *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	ruleEvaluations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apex",
		Subsystem: "rules",
		Name:      "evaluations_total",
		Help:      "Rule condition evaluations by rule and outcome.",
	}, []string{"rule", "outcome"})

	ruleLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "apex",
		Subsystem: "rules",
		Name:      "evaluation_duration_seconds",
		Help:      "Latency distribution for rule condition evaluations.",
		Buckets:   []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025},
	}, []string{"rule"})

	enrichments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apex",
		Subsystem: "enrich",
		Name:      "steps_total",
		Help:      "Enrichment steps executed by enrichment type and outcome.",
	}, []string{"type", "outcome"})

	evaluations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apex",
		Subsystem: "engine",
		Name:      "evaluations_total",
		Help:      "Complete engine evaluations by outcome.",
	}, []string{"outcome"})

	evaluationLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "apex",
		Subsystem: "engine",
		Name:      "evaluation_duration_seconds",
		Help:      "Latency distribution for complete engine evaluations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apex",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Unified cache operations by scope, operation, and result.",
	}, []string{"scope", "operation", "result"})

	reg.MustRegister(ruleEvaluations, ruleLatency, enrichments, evaluations, evaluationLatency, cacheOperations)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:          reg,
		handler:           handler,
		ruleEvaluations:   ruleEvaluations,
		ruleLatency:       ruleLatency,
		enrichments:       enrichments,
		evaluations:       evaluations,
		evaluationLatency: evaluationLatency,
		cacheOperations:   cacheOperations,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRule records one rule condition evaluation.
func (r *Recorder) ObserveRule(ruleID string, triggered, errored bool, duration time.Duration) {
	if r == nil {
		return
	}
	outcome := RuleOutcomePassed
	switch {
	case errored:
		outcome = RuleOutcomeError
	case triggered:
		outcome = RuleOutcomeTriggered
	}
	label := normalizeLabel(ruleID)
	r.ruleEvaluations.WithLabelValues(label, string(outcome)).Inc()
	r.ruleLatency.WithLabelValues(label).Observe(duration.Seconds())
}

// ObserveEnrichment records one enrichment step by type.
func (r *Recorder) ObserveEnrichment(enrichmentType string, failed bool) {
	if r == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	r.enrichments.WithLabelValues(normalizeLabel(enrichmentType), outcome).Inc()
}

// ObserveEvaluation records one complete engine evaluation.
func (r *Recorder) ObserveEvaluation(success bool, duration time.Duration) {
	if r == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.evaluations.WithLabelValues(outcome).Inc()
	r.evaluationLatency.Observe(duration.Seconds())
}

// ObserveCache records one unified cache operation.
func (r *Recorder) ObserveCache(scope, operation, result string) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(scope), normalizeLabel(operation), normalizeLabel(result)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
