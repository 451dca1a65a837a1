package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricConnections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snapsync_server_connections_total",
			Help: "Accepted connections",
		},
	)
	metricCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapsync_server_commands_total",
			Help: "Received commands by name",
		},
		[]string{"command"},
	)
)

func init() {
	prometheus.MustRegister(metricConnections)
	prometheus.MustRegister(metricCommands)
}
