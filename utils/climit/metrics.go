package climit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Transfers take from well under a second for small stores up to hours
var durationBuckets = prometheus.ExponentialBuckets(0.01, 4, 10)

func poolOpts(name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace: "snapsync",
		Subsystem: "pool",
		Name:      name,
		Help:      help,
	}
}

var (
	metricLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts(poolOpts("tokens", "Transfers a pool allows to run at once")),
		[]string{"pool"},
	)
	metricWaiting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts(poolOpts("waiting", "Transfers waiting for a free slot")),
		[]string{"pool"},
	)
	metricActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts(poolOpts("active", "Transfers holding a slot")),
		[]string{"pool"},
	)
	metricAcquiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts(poolOpts("acquired_total", "Slots handed out")),
		[]string{"pool"},
	)
	metricGaveUpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts(poolOpts("gave_up_total",
			"Attempts that got no slot, because the pool was full or the caller was canceled")),
		[]string{"pool"},
	)
	metricActiveSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "snapsync",
			Subsystem: "pool",
			Name:      "held_seconds",
			Help:      "How long transfers held their slot",
			Buckets:   durationBuckets,
		},
		[]string{"pool"},
	)
	metricWaitingSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "snapsync",
			Subsystem: "pool",
			Name:      "wait_seconds",
			Help:      "How long transfers waited for a slot",
			Buckets:   durationBuckets,
		},
		[]string{"pool"},
	)
)

func init() {
	prometheus.MustRegister(
		metricLimit,
		metricWaiting,
		metricActive,
		metricAcquiredTotal,
		metricGaveUpTotal,
		metricActiveSeconds,
		metricWaitingSeconds,
	)
}
