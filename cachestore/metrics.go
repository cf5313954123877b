package cachestore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modgate_cache_hits",
	Help: "Number of moderation result cache hits",
})

var cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modgate_cache_misses",
	Help: "Number of moderation result cache misses",
})

var cacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_cache_errors",
	Help: "Number of cache backend failures absorbed as misses, by operation",
}, []string{"op"})
