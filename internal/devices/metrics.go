package devices

import "github.com/prometheus/client_golang/prometheus"

var (
	deviceCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "homeconnect_devices",
		Help: "Appliances in the registry",
	})
	eventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeconnect_device_events_total",
			Help: "Device events by outcome",
		},
		[]string{"outcome"},
	)
)

// MetricsCollectors returns the registry counters.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{deviceCount, eventsApplied}
}

// MetricsCollector exposes per-appliance state from a Registry at scrape
// time.
type MetricsCollector struct {
	registry *Registry

	connected       *prometheus.Desc
	powerOn         *prometheus.Desc
	doorOpen        *prometheus.Desc
	lighting        *prometheus.Desc
	remainingTime   *prometheus.Desc
	programProgress *prometheus.Desc
}

func NewMetricsCollector(registry *Registry) *MetricsCollector {
	labels := []string{"ha_id", "name", "type"}
	return &MetricsCollector{
		registry: registry,
		connected: prometheus.NewDesc("homeconnect_device_connected",
			"Appliance connected to the cloud (1=yes, 0=no)", labels, nil),
		powerOn: prometheus.NewDesc("homeconnect_device_power_on",
			"Appliance power state is On (1=yes, 0=no)", labels, nil),
		doorOpen: prometheus.NewDesc("homeconnect_device_door_open",
			"Appliance door is open (1=yes, 0=no)", labels, nil),
		lighting: prometheus.NewDesc("homeconnect_device_lighting_on",
			"Cooking appliance light is on (1=yes, 0=no)", labels, nil),
		remainingTime: prometheus.NewDesc("homeconnect_device_remaining_program_seconds",
			"Remaining program time in seconds", labels, nil),
		programProgress: prometheus.NewDesc("homeconnect_device_program_progress_percent",
			"Program progress in percent", labels, nil),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connected
	ch <- c.powerOn
	ch <- c.doorOpen
	ch <- c.lighting
	ch <- c.remainingTime
	ch <- c.programProgress
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range c.registry.SortedSnapshot() {
		labels := []string{d.ID, d.Name, d.Type}
		ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, boolValue(d.Connected), labels...)
		if d.PowerState != "" {
			ch <- prometheus.MustNewConstMetric(c.powerOn, prometheus.GaugeValue, boolValue(d.PowerState == PowerOn), labels...)
		}
		if d.DoorState != "" {
			ch <- prometheus.MustNewConstMetric(c.doorOpen, prometheus.GaugeValue, boolValue(d.DoorState == DoorOpen), labels...)
		}
		if d.Lighting != nil {
			ch <- prometheus.MustNewConstMetric(c.lighting, prometheus.GaugeValue, boolValue(*d.Lighting), labels...)
		}
		if d.RemainingProgramTime != nil {
			ch <- prometheus.MustNewConstMetric(c.remainingTime, prometheus.GaugeValue, float64(*d.RemainingProgramTime), labels...)
		}
		if d.ProgramProgress != nil {
			ch <- prometheus.MustNewConstMetric(c.programProgress, prometheus.GaugeValue, float64(*d.ProgramProgress), labels...)
		}
	}
}

func boolValue(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
