package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_jobs_scheduled",
	Help: "Number of jobs scheduled, by path taken (cache, dedup, new)",
}, []string{"path"})

var jobsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_computations_resolved",
	Help: "Number of computations resolved, by final state",
}, []string{"state"})

var jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "modgate_computation_duration_sec",
	Help:    "Time from scheduling to resolution of a computation",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
})

var batchSizes = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "modgate_batch_size",
	Help:    "Number of jobs per dispatched batch",
	Buckets: prometheus.LinearBuckets(1, 1, 16),
})

var scorerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "modgate_scorer_duration_sec",
	Help: "Duration of scorer invocations (per batch), by scorer",
}, []string{"scorer"})

var scorerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_scorer_errors",
	Help: "Number of per-job scorer failures absorbed as degraded scores, by scorer",
}, []string{"scorer"})

var workerRestarts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modgate_worker_restarts",
	Help: "Number of worker slots restarted after a panic",
})

var workersActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "modgate_workers_active",
	Help: "Number of running worker slots",
})
