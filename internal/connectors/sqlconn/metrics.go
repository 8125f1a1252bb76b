package sqlconn

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mrsm",
		Subsystem: "sql",
		Name:      "rows_written_total",
		Help:      "Rows written to pipe targets, by flavor and write path.",
	}, []string{"flavor", "op"})

	statementSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mrsm",
		Subsystem: "sql",
		Name:      "statement_seconds",
		Help:      "Statement latency, by flavor and operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"flavor", "op"})
)

// observe records one statement's latency.
func (c *Connector) observe(op string, start time.Time) {
	statementSeconds.WithLabelValues(c.d.flavor, op).Observe(time.Since(start).Seconds())
}

// countRows records rows written through one path (insert, update,
// upsert).
func (c *Connector) countRows(op string, n int) {
	if n > 0 {
		rowsWritten.WithLabelValues(c.d.flavor, op).Add(float64(n))
	}
}
