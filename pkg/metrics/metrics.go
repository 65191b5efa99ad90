package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	mirrorSubsystem = "forgemirror"

	itemsProcessedTotal = "items_processed_total"
	itemRetriesTotal    = "item_retries_total"
	recoveryScansTotal  = "recovery_scans_total"
	jobsResumedTotal    = "jobs_resumed_total"

	// Labels
	outcomeLabel = "outcome"
	jobTypeLabel = "job_type"
	resultLabel  = "result"
)

/**
* Metrics definition
**/
var itemsProcessedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: mirrorSubsystem,
		Name:      itemsProcessedTotal,
		Help:      "number of batch items processed, by job type and outcome",
	},
	[]string{jobTypeLabel, outcomeLabel},
)

var itemRetriesTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: mirrorSubsystem,
		Name:      itemRetriesTotal,
		Help:      "number of per-item retry attempts",
	},
)

var recoveryScansTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: mirrorSubsystem,
		Name:      recoveryScansTotal,
		Help:      "number of recovery scans, by result",
	},
	[]string{resultLabel},
)

var jobsResumedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: mirrorSubsystem,
		Name:      jobsResumedTotal,
		Help:      "number of interrupted jobs handled by the recovery scanner, by result",
	},
	[]string{resultLabel},
)

func init() {
	prometheus.MustRegister(
		itemsProcessedTotalMetric,
		itemRetriesTotalMetric,
		recoveryScansTotalMetric,
		jobsResumedTotalMetric,
	)
}

func IncItemProcessed(jobType string, outcome string) {
	itemsProcessedTotalMetric.With(prometheus.Labels{
		jobTypeLabel: jobType,
		outcomeLabel: outcome,
	}).Inc()
}

func IncItemRetry() {
	itemRetriesTotalMetric.Inc()
}

func IncRecoveryScan(result string) {
	recoveryScansTotalMetric.With(prometheus.Labels{resultLabel: result}).Inc()
}

func IncJobResumed(result string) {
	jobsResumedTotalMetric.With(prometheus.Labels{resultLabel: result}).Inc()
}
