package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var admissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_admission_rejections",
	Help: "Number of requests refused by admission control, by reason",
}, []string{"reason"})

var admissionAccepted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modgate_admission_accepted",
	Help: "Number of requests which passed admission control",
})

var trackedSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "modgate_admission_tracked_sessions",
	Help: "Number of sessions with a live rate limit window",
})
