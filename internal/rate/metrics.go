package rate

import "github.com/prometheus/client_golang/prometheus"

var (
	blockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeconnect_rate_limit_blocked_total",
			Help: "Requests blocked by the rate-limit guard",
		},
		[]string{"provider", "reason"},
	)
	retryAfterGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "homeconnect_rate_limit_retry_after_seconds",
			Help: "Retry-after seconds for provider rate limits",
		},
		[]string{"provider"},
	)
	lastStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "homeconnect_rate_limit_last_status_code",
			Help: "Last HTTP status code observed by the rate-limit wrapper",
		},
		[]string{"provider"},
	)
)

// MetricsCollectors exposes rate-limit collectors.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		blockedTotal,
		retryAfterGauge,
		lastStatusGauge,
	}
}
