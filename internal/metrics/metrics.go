package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookline_events_ingested_total",
		Help: "Total number of events accepted by the event store.",
	})

	EventsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookline_events_deduplicated_total",
		Help: "Total number of events rejected as duplicates by dedupe key.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookline_events_dropped_total",
		Help: "Total number of events rejected due to a full run queue.",
	})

	UnitsMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookline_units_matched_total",
		Help: "Total number of unit matches, labelled by unit ID.",
	}, []string{"unit_id"})

	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookline_runs_completed_total",
		Help: "Total number of runs reaching a terminal status.",
	}, []string{"status"})

	RunsPaused = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookline_runs_paused_total",
		Help: "Total number of runs suspended by a wait action.",
	})

	RunsResumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookline_runs_resumed_total",
		Help: "Total number of paused runs claimed by the resumption sweep.",
	})

	StepsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookline_steps_executed_total",
		Help: "Total number of run steps executed, labelled by action type and status.",
	}, []string{"action_type", "status"})

	ClassifierFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookline_classifier_failures_total",
		Help: "Total number of semantic conditions failed closed on classifier errors.",
	})

	FetchDedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookline_fetch_dedup_hits_total",
		Help: "Total number of fetches served from the dedup window.",
	})

	FetchDedupMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookline_fetch_dedup_misses_total",
		Help: "Total number of fetches that went to the origin provider.",
	})

	MatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hookline_match_duration_ms",
		Help:    "Time to match one event against candidate units in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hookline_run_queue_utilization_ratio",
		Help: "Current run queue utilization (0-1).",
	})
)
