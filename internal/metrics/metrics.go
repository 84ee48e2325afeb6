package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	KeyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airouter_key_requests_total",
			Help: "Total number of provider calls recorded against managed keys",
		},
		[]string{"provider", "status"},
	)

	KeyTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airouter_key_tokens_total",
			Help: "Total number of tokens recorded against managed keys",
		},
		[]string{"provider"},
	)

	KeyCostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airouter_key_cost_usd_total",
			Help: "Total cost in USD recorded against managed keys",
		},
		[]string{"provider"},
	)

	ActiveKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "airouter_active_keys",
			Help: "Number of active keys per provider",
		},
		[]string{"provider"},
	)

	KeyLimitExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airouter_key_limit_exceeded_total",
			Help: "Total number of key usage limit breaches",
		},
		[]string{"provider", "window"},
	)

	KeySelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airouter_key_selections_total",
			Help: "Total number of key selections by strategy and outcome",
		},
		[]string{"provider", "strategy", "result"},
	)

	KeyRotationsDue = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airouter_key_rotations_due_total",
			Help: "Total number of rotation-due signals emitted",
		},
		[]string{"provider"},
	)

	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airouter_routing_decisions_total",
			Help: "Total number of routing decisions",
		},
		[]string{"provider", "model", "outcome"},
	)

	RoutingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "airouter_routing_decision_duration_seconds",
			Help:    "Time spent making a routing decision",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)

	RoutingConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "airouter_routing_confidence",
			Help:    "Confidence of routing decisions",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
	)

	CandidateErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airouter_routing_candidate_errors_total",
			Help: "Total number of candidates dropped because evaluation failed",
		},
		[]string{"model"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "airouter_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	BackgroundJobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airouter_background_job_runs_total",
			Help: "Total number of background job runs",
		},
		[]string{"job", "status"},
	)
)

func RecordKeyUsage(provider string, tokens int, costUSD float64, failed bool) {
	status := "success"
	if failed {
		status = "error"
	}
	KeyRequestsTotal.WithLabelValues(provider, status).Inc()
	KeyTokensTotal.WithLabelValues(provider).Add(float64(tokens))
	KeyCostTotal.WithLabelValues(provider).Add(costUSD)
}

func SetActiveKeys(provider string, n int) {
	ActiveKeys.WithLabelValues(provider).Set(float64(n))
}

func RecordLimitExceeded(provider, window string) {
	KeyLimitExceeded.WithLabelValues(provider, window).Inc()
}

func RecordKeySelection(provider, strategy string, found bool) {
	result := "selected"
	if !found {
		result = "exhausted"
	}
	KeySelections.WithLabelValues(provider, strategy, result).Inc()
}

func RecordRotationDue(provider string) {
	KeyRotationsDue.WithLabelValues(provider).Inc()
}

func RecordDecision(provider, model, outcome string, durationSec, confidence float64) {
	RoutingDecisions.WithLabelValues(provider, model, outcome).Inc()
	RoutingDuration.Observe(durationSec)
	RoutingConfidence.Observe(confidence)
}

func RecordCandidateError(model string) {
	CandidateErrors.WithLabelValues(model).Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func RecordJobRun(job string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	BackgroundJobRuns.WithLabelValues(job, status).Inc()
}
