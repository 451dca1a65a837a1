package replication

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapsync_transfer_results_total",
			Help: "Finished transfers by direction and result",
		},
		[]string{"direction", "result"},
	)
	metricPairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapsync_transfer_pairs_total",
			Help: "Key/value pairs sent or applied",
		},
		[]string{"direction"},
	)
	metricFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapsync_transfer_frames_total",
			Help: "mset frames sent or received",
		},
		[]string{"direction"},
	)
	metricRawBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapsync_transfer_raw_bytes_total",
			Help: "Uncompressed size of all mset payloads",
		},
		[]string{"direction"},
	)
	metricBackpressure = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snapsync_export_backpressure_waits_total",
			Help: "Number of backoff sleeps because too much output was queued",
		},
	)
	metricActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapsync_transfer_active",
			Help: "Transfers currently running",
		},
		[]string{"direction"},
	)
	metricDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapsync_transfer_duration_seconds",
			Help:    "Duration of finished transfers",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(metricResults)
	prometheus.MustRegister(metricPairs)
	prometheus.MustRegister(metricFrames)
	prometheus.MustRegister(metricRawBytes)
	prometheus.MustRegister(metricBackpressure)
	prometheus.MustRegister(metricActive)
	prometheus.MustRegister(metricDuration)
}
