package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var downloadCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_content_downloads",
	Help: "Number of content_ref downloads, by HTTP status code",
}, []string{"status"})

var downloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "modgate_content_download_duration_sec",
	Help: "Duration of content_ref download attempts",
})
