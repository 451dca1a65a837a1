package flowconn

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricBytesRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapsync_conn_read_bytes_total",
			Help: "Bytes read from replication connections",
		},
		[]string{"role"},
	)
	metricBytesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapsync_conn_written_bytes_total",
			Help: "Bytes written to replication connections",
		},
		[]string{"role"},
	)
	metricBroken = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapsync_conn_broken_total",
			Help: "Connections that failed with a read or write error",
		},
		[]string{"role"},
	)
	metricOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapsync_conn_open",
			Help: "Currently open connections",
		},
		[]string{"role"},
	)
)

func init() {
	prometheus.MustRegister(metricBytesRead)
	prometheus.MustRegister(metricBytesWritten)
	prometheus.MustRegister(metricBroken)
	prometheus.MustRegister(metricOpen)
}
