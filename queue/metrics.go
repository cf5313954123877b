package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var enqueued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modgate_queue_enqueued",
	Help: "Number of jobs appended to a stream",
})

var consumed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modgate_queue_consumed",
	Help: "Number of stream entries delivered to a consumer",
})

var claimed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modgate_queue_claimed",
	Help: "Number of idle stream entries claimed from another consumer",
})

var acknowledged = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modgate_queue_acknowledged",
	Help: "Number of stream entries acknowledged",
})
