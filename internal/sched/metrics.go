package sched

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mrsm",
		Subsystem: "sched",
		Name:      "pipe_syncs_total",
		Help:      "Pipe sync outcomes observed by the scheduler.",
	}, []string{"result"})

	iterationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mrsm",
		Subsystem: "sched",
		Name:      "iteration_seconds",
		Help:      "Wall time of one scheduler iteration across all pipes.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)
