// Package metrics defines the Prometheus instruments for the pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"cohortvault/internal/model"
)

var (
	// UploadsTotal counts accepted file uploads by table type.
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cohortvault_uploads_total",
		Help: "Accepted file uploads by table type",
	}, []string{"table_type"})

	// DiagnosticsDuration observes the wall time of the two-pass file
	// diagnostics.
	DiagnosticsDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cohortvault_diagnostics_duration_seconds",
		Help:    "Duration of streaming file diagnostics",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// StageDuration observes pipeline stage wall time by stage and outcome.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cohortvault_stage_duration_seconds",
		Help:    "Duration of pipeline stages",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage", "outcome"})

	// TaskOutcomes counts task deliveries by kind and outcome
	// (ok, retry, exhausted).
	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cohortvault_task_outcomes_total",
		Help: "Task deliveries by kind and outcome",
	}, []string{"kind", "outcome"})

	// RunsFinished counts validation runs reaching a terminal status.
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cohortvault_runs_finished_total",
		Help: "Validation runs reaching a terminal status",
	}, []string{"status"})

	// VariableDuration observes per-variable evaluation time by final
	// status.
	VariableDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cohortvault_variable_duration_seconds",
		Help:    "Duration of per-variable rule evaluation",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"status"})

	// ColumnarBuilds counts columnar store builds and reuses.
	ColumnarBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cohortvault_columnar_builds_total",
		Help: "Columnar store conversions by result (built, reused)",
	}, []string{"result"})

	// PHITrackingWriteFailures counts PHI ledger writes that failed and
	// were carried as warnings. Non-zero values need operator attention:
	// the reconciliation sweep is the only remaining safety net.
	PHITrackingWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cohortvault_phi_tracking_write_failures_total",
		Help: "PHI tracking ledger writes that failed",
	})

	// PHIOverdueFiles gauges materialized PHI files past their cleanup
	// deadline at the last sweep.
	PHIOverdueFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cohortvault_phi_overdue_files",
		Help: "Materialized PHI files past their cleanup deadline",
	})

	// PHISweepsTotal counts reconciliation sweeps by outcome.
	PHISweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cohortvault_phi_sweeps_total",
		Help: "PHI reconciliation sweeps by outcome",
	}, []string{"outcome"})
)

// EngineObserver adapts the metrics to the validation engine's observer.
type EngineObserver struct{}

func (EngineObserver) VariableDone(status model.RunStatus, elapsed time.Duration) {
	VariableDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

// PoolObserver adapts the metrics to the task pool's observer.
type PoolObserver struct{}

func (PoolObserver) TaskDone(kind, outcome string, elapsed time.Duration) {
	TaskOutcomes.WithLabelValues(kind, outcome).Inc()
}
