package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler exposes the Prometheus registry.
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

var (
	frontends = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "homeconnect_frontends_connected",
			Help: "Connected front-ends by transport",
		},
		[]string{"transport"},
	)
	frontendMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeconnect_frontend_messages_total",
			Help: "Front-end requests by notification",
		},
		[]string{"notification"},
	)
)

func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{frontends, frontendMessages}
}
