// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)

	WorkerJobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_jobs_active",
			Help: "Number of active jobs per worker",
		},
		[]string{"task_type"},
	)
)

var (
	// QuestionsTotal counts answered questions by outcome
	// (matched, no_match, or an error code).
	QuestionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_questions_total",
			Help: "Total number of questions answered by outcome",
		},
		[]string{"outcome"},
	)

	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_rule_matches_total",
			Help: "Total number of questions routed to each intent rule",
		},
		[]string{"rule"},
	)

	CacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_cache_events_total",
			Help: "Result cache hits, misses, evictions and expirations",
		},
		[]string{"event"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nlq_query_duration_seconds",
			Help:    "Duration of data store queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"category"},
	)

	RulesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nlq_rules_active",
			Help: "Number of active intent rules in the current snapshot",
		},
	)

	RulesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nlq_rules_rejected_total",
			Help: "Total number of intent rules rejected at load time",
		},
	)
)
