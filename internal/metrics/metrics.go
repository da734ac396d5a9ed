package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrouter_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"alias", "binding", "dialect", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelrouter_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
		},
		[]string{"alias", "binding"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrouter_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"alias", "binding", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrouter_cost_usd_total",
			Help: "Total incurred upstream cost in USD",
		},
		[]string{"alias", "binding"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrouter_cache_misses_total",
			Help: "Total number of qualifying prompt cache misses",
		},
		[]string{"alias", "binding"},
	)

	CacheMissLoss = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrouter_cache_miss_loss_usd_total",
			Help: "Estimated USD lost to prompt cache misses",
		},
		[]string{"alias", "binding"},
	)

	FailoverState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelrouter_failover_state",
			Help: "Failover state per alias (0=active, 1=failed over)",
		},
		[]string{"alias"},
	)

	FailoverTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrouter_failover_transitions_total",
			Help: "Total number of failover state transitions",
		},
		[]string{"alias", "to"},
	)

	FailoverEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrouter_failover_events_dropped_total",
			Help: "Failover events dropped before reaching the journal and notifier hooks",
		},
		[]string{"alias", "type"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrouter_upstream_errors_total",
			Help: "Total number of upstream errors",
		},
		[]string{"binding", "error_type"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrouter_rate_limit_hits_total",
			Help: "Total number of rate limited requests",
		},
		[]string{"dialect"},
	)

	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelrouter_active_streams",
			Help: "Number of active streaming connections",
		},
		[]string{"pod"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelrouter_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "version"},
	)
)

func RecordRequest(alias, binding, dialect, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(alias, binding, dialect, status).Inc()
	RequestDuration.WithLabelValues(alias, binding).Observe(durationSec)
}

func RecordTokens(alias, binding string, input, output, cacheRead, cacheCreation int) {
	TokensTotal.WithLabelValues(alias, binding, "input").Add(float64(input))
	TokensTotal.WithLabelValues(alias, binding, "output").Add(float64(output))
	TokensTotal.WithLabelValues(alias, binding, "cache_read").Add(float64(cacheRead))
	TokensTotal.WithLabelValues(alias, binding, "cache_creation").Add(float64(cacheCreation))
}

func RecordCost(alias, binding string, costUSD float64) {
	CostTotal.WithLabelValues(alias, binding).Add(costUSD)
}

func RecordCacheMiss(alias, binding string, lossUSD float64) {
	CacheMisses.WithLabelValues(alias, binding).Inc()
	CacheMissLoss.WithLabelValues(alias, binding).Add(lossUSD)
}

// RecordFailoverTransition counts a transition and updates the state gauge.
// to is the status string of the new state.
func RecordFailoverTransition(alias, to string, failedOver bool) {
	FailoverTransitions.WithLabelValues(alias, to).Inc()
	SetFailoverState(alias, failedOver)
}

// RecordFailoverEventDropped counts a transition event the hooks never saw.
// A nonzero value means the event journal has gaps.
func RecordFailoverEventDropped(alias, eventType string) {
	FailoverEventsDropped.WithLabelValues(alias, eventType).Inc()
}

func SetFailoverState(alias string, failedOver bool) {
	v := 0.0
	if failedOver {
		v = 1
	}
	FailoverState.WithLabelValues(alias).Set(v)
}

func RecordUpstreamError(binding, errorType string) {
	UpstreamErrors.WithLabelValues(binding, errorType).Inc()
}

func RecordRateLimitHit(dialect string) {
	RateLimitHits.WithLabelValues(dialect).Inc()
}

var currentPodName string

// InitInstanceMetrics records the instance identity. Call once at startup.
func InitInstanceMetrics(podName, version string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, version).Set(1)
}

func IncrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Dec()
}
