package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func RunMetrics(listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, mux)
}
