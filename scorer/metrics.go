package scorer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var hiveAPIDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "modgate_hive_api_duration_sec",
	Help: "Duration of Hive classification API calls",
})

var hiveAPICount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_hive_api_count",
	Help: "Number of Hive classification API calls, by HTTP status code",
}, []string{"status"})

var keywordHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_keyword_hits",
	Help: "Number of keyword set matches, by category",
}, []string{"category"})
