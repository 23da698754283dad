package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsx_scans_total",
			Help: "Total number of scan requests processed by outcome",
		},
		[]string{"outcome", "verdict"},
	)
	ScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dsx_scan_duration_seconds",
			Help:    "End-to-end scan request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)
	ScannerInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dsx_scanner_inflight",
			Help: "Scanner slots held by this process",
		},
	)
	TasksRescheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsx_tasks_rescheduled_total",
			Help: "Total number of tasks re-enqueued by the retry policy",
		},
		[]string{"task", "category"},
	)
	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsx_dlq_records_total",
			Help: "Total number of dead-letter records written",
		},
		[]string{"task", "reason"},
	)
	BatchFanoutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsx_batch_fanout_total",
			Help: "Total number of scan requests fanned out from batches",
		},
	)
	DiannaAnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsx_dianna_analyses_total",
			Help: "Total number of deep analyses by terminal status",
		},
		[]string{"status"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(ScansTotal)
	prometheus.MustRegister(ScanDuration)
	prometheus.MustRegister(ScannerInflight)
	prometheus.MustRegister(TasksRescheduledTotal)
	prometheus.MustRegister(DLQTotal)
	prometheus.MustRegister(BatchFanoutTotal)
	prometheus.MustRegister(DiannaAnalysesTotal)
}

// RecordReschedule counts one retry re-enqueue.
func RecordReschedule(task, category string) {
	TasksRescheduledTotal.WithLabelValues(task, category).Inc()
}

// RecordDLQ counts one dead-letter record.
func RecordDLQ(task, reason string) {
	DLQTotal.WithLabelValues(task, reason).Inc()
}

// RecordScan counts one processed scan request.
func RecordScan(outcome, verdict string, seconds float64) {
	ScansTotal.WithLabelValues(outcome, verdict).Inc()
	if seconds > 0 {
		ScanDuration.Observe(seconds)
	}
}
