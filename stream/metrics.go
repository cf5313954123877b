package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "modgate_stream_active_connections",
	Help: "Number of open streaming connections",
})

var requestsReceived = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modgate_stream_requests_received_total",
	Help: "Number of requests read from streaming connections",
})

var framesSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_stream_frames_sent_total",
	Help: "Number of frames written to streaming connections, by type",
}, []string{"type"})

var heartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modgate_stream_heartbeats_sent_total",
	Help: "Number of heartbeat markers written to streaming connections",
})
