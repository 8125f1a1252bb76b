package apiconn

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mrsm",
		Subsystem: "api",
		Name:      "request_seconds",
		Help:      "Latency of requests to remote instances, by operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	requestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mrsm",
		Subsystem: "api",
		Name:      "request_errors_total",
		Help:      "Failed request attempts, including ones that were retried.",
	}, []string{"op"})
)

func (c *Connector) observe(op string, start time.Time) {
	requestSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (c *Connector) countError(op string) {
	requestErrors.WithLabelValues(op).Inc()
}
