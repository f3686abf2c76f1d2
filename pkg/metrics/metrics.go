package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PacketsReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_packets_received_total",
			Help: "Total number of mesh packets received from the bus",
		},
	)

	PacketsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_packets_dropped_total",
			Help: "Total number of packets dropped before forwarding",
		},
		[]string{"reason"},
	)

	DuplicatePacketsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_duplicate_packets_total",
			Help: "Total number of packets short-circuited by the dedupe store",
		},
	)

	MessagesForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_messages_forwarded_total",
			Help: "Total number of text messages handed to the pager gateway",
		},
		[]string{"status"},
	)

	ForwardDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_forward_duration_ms",
			Help:    "Gateway delivery duration in milliseconds, retries included",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"status"},
	)

	BusReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_bus_reconnects_total",
			Help: "Total number of bus reconnect cycles",
		},
	)

	BusConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_bus_connected",
			Help: "Whether the bus connection is currently established (1/0)",
		},
	)
)

var registerOnce sync.Once

func RegisterBridgeMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(PacketsReceivedTotal)
		prometheus.MustRegister(PacketsDroppedTotal)
		prometheus.MustRegister(DuplicatePacketsTotal)
		prometheus.MustRegister(MessagesForwardedTotal)
		prometheus.MustRegister(ForwardDuration)
		prometheus.MustRegister(BusReconnectsTotal)
		prometheus.MustRegister(BusConnected)
	})
}

func IncPacketDropped(reason string) {
	PacketsDroppedTotal.WithLabelValues(reason).Inc()
}

func ObserveForwardDuration(duration time.Duration, status string) {
	MessagesForwardedTotal.WithLabelValues(status).Inc()
	ForwardDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

func SetBusConnected(connected bool) {
	if connected {
		BusConnected.Set(1)
		return
	}
	BusConnected.Set(0)
}
