package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_service_jobs_submitted_total",
	Help: "Number of jobs accepted through the HTTP surface, by path",
}, []string{"path"})

var entriesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_consumer_entries_processed_total",
	Help: "Number of queue entries handled by the consumer, by outcome",
}, []string{"outcome"})
