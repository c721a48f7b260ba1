package socket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "portal"

// metrics holds the Prometheus collectors of one Server.
type metrics struct {
	active            prometheus.Gauge
	opened            *prometheus.CounterVec
	closed            *prometheus.CounterVec
	received          *prometheus.CounterVec
	dropped           *prometheus.CounterVec
	heartbeatTimeouts prometheus.Counter
	replies           prometheus.Counter
	fireDuration      prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer, server string) *metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"server": server}

	return &metrics{
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "connections_active",
			Help:        "Number of open connections",
			ConstLabels: labels,
		}),

		opened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "connections_opened_total",
			Help:        "Total number of opened connections by transport",
			ConstLabels: labels,
		}, []string{"transport"}),

		closed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "connections_closed_total",
			Help:        "Total number of closed connections by transport",
			ConstLabels: labels,
		}, []string{"transport"}),

		received: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "events_received_total",
			Help:        "Total number of inbound events by type",
			ConstLabels: labels,
		}, []string{"type"}),

		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "frames_dropped_total",
			Help:        "Total number of inbound frames dropped by reason",
			ConstLabels: labels,
		}, []string{"reason"}),

		heartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "heartbeat_timeouts_total",
			Help:        "Total number of connections closed for missing heartbeats",
			ConstLabels: labels,
		}),

		replies: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "replies_sent_total",
			Help:        "Total number of reply envelopes sent",
			ConstLabels: labels,
		}),

		fireDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "fire_duration_seconds",
			Help:        "Time spent running handler chains for inbound events",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
}
