package maintenance

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricDuration = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "snapsync_maintenance_duration_seconds",
			Help: "Summary of time taken by storage maintenance",
		},
	)
	metricFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snapsync_maintenance_failed_total",
			Help: "Number of failed storage maintenance passes",
		},
	)
	metricSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snapsync_maintenance_skipped_total",
			Help: "Number of maintenance passes skipped because maintenance was paused",
		},
	)
	metricPaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapsync_maintenance_paused",
			Help: "Set to 1 while maintenance is paused by an incoming transfer",
		},
	)
)

func init() {
	prometheus.MustRegister(metricDuration)
	prometheus.MustRegister(metricFailed)
	prometheus.MustRegister(metricSkipped)
	prometheus.MustRegister(metricPaused)
}
