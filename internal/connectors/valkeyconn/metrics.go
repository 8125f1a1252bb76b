package valkeyconn

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mrsm",
		Subsystem: "valkey",
		Name:      "rows_written_total",
		Help:      "Rows written to pipe targets, by write path.",
	}, []string{"op"})

	commandSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mrsm",
		Subsystem: "valkey",
		Name:      "command_seconds",
		Help:      "Server round-trip latency, by operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
)

// observe records one operation's latency.
func (c *Connector) observe(op string, start time.Time) {
	commandSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// countRows records rows written through one path (insert, update,
// upsert).
func (c *Connector) countRows(op string, n int) {
	if n > 0 {
		rowsWritten.WithLabelValues(op).Add(float64(n))
	}
}
