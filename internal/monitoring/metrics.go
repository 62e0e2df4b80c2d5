package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evm_gateway_requests_total",
			Help: "Total number of client JSON-RPC calls",
		},
		[]string{"network", "method", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evm_gateway_request_duration_seconds",
			Help:    "Client request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"network"},
	)

	UpstreamCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evm_gateway_upstream_calls_total",
			Help: "Total number of calls sent to upstream endpoints by outcome",
		},
		[]string{"network", "endpoint", "outcome"},
	)

	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evm_gateway_upstream_latency_seconds",
			Help:    "Upstream call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"network", "endpoint"},
	)

	EndpointState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evm_gateway_endpoint_state",
			Help: "Endpoint health state (0 = healthy, 1 = degraded, 2 = down)",
		},
		[]string{"network", "endpoint"},
	)

	EndpointTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evm_gateway_endpoint_transitions_total",
			Help: "Total number of endpoint health state changes",
		},
		[]string{"network", "endpoint", "to"},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evm_gateway_rate_limited_total",
			Help: "Total number of requests rejected by rate limits",
		},
		[]string{"tier", "reason"},
	)

	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evm_gateway_auth_failures_total",
			Help: "Total number of rejected API keys",
		},
		[]string{"reason"},
	)

	AuthCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evm_gateway_auth_cache_lookups_total",
			Help: "API key cache lookups by result",
		},
		[]string{"result"},
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "evm_gateway_ws_connections",
			Help: "Open client WebSocket connections",
		},
	)

	SubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evm_gateway_subscriptions_active",
			Help: "Active client subscriptions",
		},
		[]string{"network", "type"},
	)

	UpstreamStreamsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evm_gateway_upstream_streams_active",
			Help: "Shared upstream subscription streams",
		},
		[]string{"network"},
	)

	StreamReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evm_gateway_stream_reconnects_total",
			Help: "Total number of upstream stream re-subscriptions",
		},
		[]string{"network"},
	)

	QueueOverflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evm_gateway_ws_queue_overflows_total",
			Help: "Client connections closed because the outbound queue overflowed",
		},
		[]string{"network"},
	)

	UsageRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evm_gateway_usage_records_total",
			Help: "Usage records by outcome (flushed, dropped, failed)",
		},
		[]string{"outcome"},
	)

	RateLimitKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "evm_gateway_rate_limit_keys",
			Help: "API keys with tracked rate limit state",
		},
	)

	UsageQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "evm_gateway_usage_queue_length",
			Help: "Usage records waiting to be written",
		},
	)

	AuthCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "evm_gateway_auth_cache_size",
			Help: "Entries in the API key cache",
		},
	)
)

type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{
		enabled: enabled,
	}
}

// isEnabled tolerates a nil receiver so components can run without metrics.
func (m *Metrics) isEnabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) RecordRequest(network, method string, statusCode int, duration time.Duration) {
	if !m.isEnabled() {
		return
	}
	RequestsTotal.WithLabelValues(network, method, strconv.Itoa(statusCode)).Inc()
	RequestDuration.WithLabelValues(network).Observe(duration.Seconds())
}

func (m *Metrics) RecordUpstreamCall(network, endpoint, outcome string, latency time.Duration) {
	if !m.isEnabled() {
		return
	}
	UpstreamCallsTotal.WithLabelValues(network, endpoint, outcome).Inc()
	if latency > 0 {
		UpstreamLatency.WithLabelValues(network, endpoint).Observe(latency.Seconds())
	}
}

// UpdateEndpointState records the current state and, when it changed, the
// transition.
func (m *Metrics) UpdateEndpointState(network, endpoint string, state int, stateName string, changed bool) {
	if !m.isEnabled() {
		return
	}
	EndpointState.WithLabelValues(network, endpoint).Set(float64(state))
	if changed {
		EndpointTransitions.WithLabelValues(network, endpoint, stateName).Inc()
	}
}

func (m *Metrics) RecordRateLimited(tier, reason string) {
	if !m.isEnabled() {
		return
	}
	RateLimitedTotal.WithLabelValues(tier, reason).Inc()
}

func (m *Metrics) RecordAuthFailure(reason string) {
	if !m.isEnabled() {
		return
	}
	AuthFailuresTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordAuthCache(hit bool) {
	if !m.isEnabled() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	AuthCacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) AddWSConnections(delta int) {
	if !m.isEnabled() {
		return
	}
	WSConnections.Add(float64(delta))
}

func (m *Metrics) AddSubscriptions(network, subType string, delta int) {
	if !m.isEnabled() {
		return
	}
	SubscriptionsActive.WithLabelValues(network, subType).Add(float64(delta))
}

func (m *Metrics) AddUpstreamStreams(network string, delta int) {
	if !m.isEnabled() {
		return
	}
	UpstreamStreamsActive.WithLabelValues(network).Add(float64(delta))
}

func (m *Metrics) RecordStreamReconnect(network string) {
	if !m.isEnabled() {
		return
	}
	StreamReconnectsTotal.WithLabelValues(network).Inc()
}

func (m *Metrics) RecordQueueOverflow(network string) {
	if !m.isEnabled() {
		return
	}
	QueueOverflowsTotal.WithLabelValues(network).Inc()
}

func (m *Metrics) RecordUsage(outcome string, n int) {
	if !m.isEnabled() || n <= 0 {
		return
	}
	UsageRecordsTotal.WithLabelValues(outcome).Add(float64(n))
}

// UpdateBackgroundGauges is called periodically with sizes sampled from the
// limiter, usage recorder and key cache.
func (m *Metrics) UpdateBackgroundGauges(rateLimitKeys, usageQueue, authCache int) {
	if !m.isEnabled() {
		return
	}
	RateLimitKeys.Set(float64(rateLimitKeys))
	UsageQueueLength.Set(float64(usageQueue))
	AuthCacheSize.Set(float64(authCache))
}
