package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StorageOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crportal",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Key-value store operations by backend, operation and result.",
	}, []string{"backend", "op", "result"})

	StorageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crportal",
		Subsystem: "store",
		Name:      "latency_seconds",
		Help:      "Latency of key-value store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"backend", "op"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crportal",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route template and status code.",
	}, []string{"method", "route", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crportal",
		Subsystem: "http",
		Name:      "latency_seconds",
		Help:      "HTTP request latency by method and route template.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	ChangeRequestOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crportal",
		Subsystem: "cr",
		Name:      "operations_total",
		Help:      "Change request mutations by operation and result.",
	}, []string{"op", "result"})
)

// ObserveStorage records one store call.
func ObserveStorage(backend, op, result string, took time.Duration) {
	StorageOps.WithLabelValues(backend, op, result).Inc()
	StorageLatency.WithLabelValues(backend, op).Observe(took.Seconds())
}

// ObserveHTTP records one served request.
func ObserveHTTP(method, route, status string, took time.Duration) {
	HTTPRequests.WithLabelValues(method, route, status).Inc()
	HTTPLatency.WithLabelValues(method, route).Observe(took.Seconds())
}

// ObserveChangeRequest records a repository mutation outcome.
func ObserveChangeRequest(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ChangeRequestOps.WithLabelValues(op, result).Inc()
}
