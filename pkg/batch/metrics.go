package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lookup_batches_total",
		Help: "Total finished batches by final status",
	}, []string{"status"})

	batchMembersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lookup_batch_members_total",
		Help: "Total finished batch members by outcome",
	}, []string{"outcome"}) // "ok", "error"

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lookup_batch_duration_seconds",
		Help:    "Batch duration from submission to last member completion",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120},
	})
)
