package session

import "github.com/prometheus/client_golang/prometheus"

var (
	authenticatedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "homeconnect_session_authenticated",
		Help: "Session authenticated (1=yes, 0=no)",
	})
	authOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeconnect_session_auth_total",
			Help: "Authentication outcomes",
		},
		[]string{"outcome"},
	)
	deviceFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeconnect_session_device_fetches_total",
			Help: "Device list fetches by result",
		},
		[]string{"result"},
	)
)

func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{authenticatedGauge, authOutcomes, deviceFetches}
}
