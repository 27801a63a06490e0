package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stokerproject/stoker/internal/scheduler/lockdb"
	"github.com/stokerproject/stoker/internal/scheduler/worker"
)

const (
	MetricsPrefix = "stoker_scheduler_"
	StateLabel    = "state"
	ActionLabel   = "action"
)

var (
	cycleTimeMetric = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    MetricsPrefix + "cycle_seconds",
			Help:    "Time taken by one scheduling cycle.",
			Buckets: []float64{.005, .025, .1, .5, 1, 5},
		},
	)

	admittedJobsMetric = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "admitted_jobs",
			Help: "Number of jobs admitted to execution.",
		},
	)

	finishedJobsMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "finished_jobs",
			Help: "Number of jobs finished, by terminal state.",
		},
		[]string{StateLabel},
	)

	admissionConflictsMetric = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "admission_conflicts",
			Help: "Number of admission attempts bounced by a held resource lock.",
		},
	)

	vanishedWorkersMetric = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "vanished_workers",
			Help: "Number of workers that disappeared without reporting a result.",
		},
	)

	orphanedJobsMetric = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "orphaned_jobs",
			Help: "Number of jobs failed during recovery because their worker was gone.",
		},
	)

	resolvedRequestsMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "resolved_requests",
			Help: "Number of queue requests resolved, by action and outcome.",
		},
		[]string{ActionLabel, StateLabel},
	)
)

// RegisterInstanceGauges exposes gauges that read live values off this
// instance's supervisor and lock table. Called once from Run, where both
// exist.
func RegisterInstanceGauges(supervisor *worker.Supervisor, locks *lockdb.LockDb) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: MetricsPrefix + "running_workers",
			Help: "Number of worker processes currently monitored.",
		},
		func() float64 { return float64(supervisor.Count()) },
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: MetricsPrefix + "held_locks",
			Help: "Number of resource locks currently granted.",
		},
		func() float64 { return float64(locks.Count()) },
	))
}
