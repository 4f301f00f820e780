package broadcast

import "github.com/prometheus/client_golang/prometheus"

var (
	clientsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "homeconnect_clients",
		Help: "Registered front-end instances",
	})
	notificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeconnect_notifications_sent_total",
			Help: "Notifications delivered to front-ends",
		},
		[]string{"kind"},
	)
	notificationsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeconnect_notifications_dropped_total",
			Help: "Notifications dropped on a full client buffer",
		},
		[]string{"kind"},
	)
)

func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{clientsGauge, notificationsSent, notificationsDropped}
}
