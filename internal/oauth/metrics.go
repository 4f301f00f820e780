package oauth

import "github.com/prometheus/client_golang/prometheus"

var (
	deviceAuthorizations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeconnect_oauth_device_authorizations_total",
			Help: "Device authorization requests by result",
		},
		[]string{"result"},
	)
	pollResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeconnect_oauth_poll_results_total",
			Help: "Device token poll outcomes",
		},
		[]string{"outcome"},
	)
	refreshSuccess = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "homeconnect_oauth_refresh_success_total",
			Help: "Successful OAuth refreshes",
		},
	)
	refreshFailure = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "homeconnect_oauth_refresh_failure_total",
			Help: "Failed OAuth refreshes",
		},
	)
	nextRefresh = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "homeconnect_oauth_next_refresh_timestamp_seconds",
			Help: "Unix time of the next scheduled token refresh (0=none)",
		},
	)
	remotePersistOK = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "homeconnect_oauth_remote_persist_ok",
			Help: "Remote blob persistence health (1=ok, 0=error)",
		},
	)
)

// MetricsCollectors returns collectors for the OAuth package.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		deviceAuthorizations,
		pollResults,
		refreshSuccess,
		refreshFailure,
		nextRefresh,
		remotePersistOK,
	}
}
