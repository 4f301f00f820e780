package homeconnect

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeconnect_stream_events_total",
			Help: "Appliance stream events received by name",
		},
		[]string{"event"},
	)
	streamsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "homeconnect_streams_open",
			Help: "Open appliance event streams",
		},
	)
	streamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "homeconnect_stream_reconnects_total",
			Help: "Event stream redials after a drop or dial failure",
		},
	)
	streamRecreates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "homeconnect_stream_recreates_total",
			Help: "Event stream swaps after token rotation",
		},
	)
)

// MetricsCollectors returns collectors for the appliance API package.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		eventsReceived,
		streamsOpen,
		streamReconnects,
		streamRecreates,
	}
}
