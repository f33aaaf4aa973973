package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	schedulerActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lookup_scheduler_active_queries",
		Help: "Number of queries currently executing",
	})

	schedulerQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lookup_scheduler_queued_queries",
		Help: "Number of queries waiting for a free slot",
	})

	schedulerAdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lookup_scheduler_admissions_total",
		Help: "Total admitted queries by admission path",
	}, []string{"path"}) // "immediate", "queued"

	schedulerPromotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lookup_scheduler_promotions_total",
		Help: "Total queued queries promoted into a freed slot",
	})

	schedulerCancellationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lookup_scheduler_cancellations_total",
		Help: "Total cancelled queries by state at cancellation",
	}, []string{"state"}) // "active", "queued"

	schedulerWatchdogExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lookup_scheduler_watchdog_expired_total",
		Help: "Total queries reclaimed by the watchdog",
	})

	schedulerDroppedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lookup_scheduler_dropped_events_total",
		Help: "Total non-final progress events dropped because the consumer fell behind",
	})
)
