package backend

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricRequestSeconds = "request_seconds"
	MetricRequestErrors  = "request_errors_total"
	MetricPollAttempts   = "poll_attempts"
)

var HistogramRequestSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "imgexplorer_backend",
		Name:      MetricRequestSeconds,
		Help:      "Latency of backend requests by backend and operation.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	},
	[]string{"backend", "op"},
)

var CounterRequestErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "imgexplorer_backend",
		Name:      MetricRequestErrors,
		Help:      "Failed backend requests by backend and operation.",
	},
	[]string{"backend", "op"},
)

var HistogramPollAttempts = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "imgexplorer_backend",
		Name:      MetricPollAttempts,
		Help:      "Polling iterations needed for warehouse facet jobs.",
		Buckets:   prometheus.LinearBuckets(1, 1, 10),
	},
)

func init() {
	prometheus.MustRegister(HistogramRequestSeconds)
	prometheus.MustRegister(CounterRequestErrors)
	prometheus.MustRegister(HistogramPollAttempts)
}

// Observe records the latency and outcome of one backend call.
func Observe(backend, op string, start time.Time, err error) {
	HistogramRequestSeconds.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	if err != nil {
		CounterRequestErrors.WithLabelValues(backend, op).Inc()
	}
}
