package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	phaseBuckets = []float64{.05, .25, 1, 5, 15, 60, 300}

	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tally",
			Name:      "phase_duration_seconds",
			Help:      "Time taken by one pipeline phase.",
			Buckets:   phaseBuckets,
		},
		[]string{"phase"},
	)
)

var (
	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Name:      "runs_total",
		Help:      "Pipeline runs by mode and final status.",
	}, []string{"mode", "status"})
	FilesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Name:      "files_total",
		Help:      "Raw files seen by source and outcome.",
	}, []string{"source", "status"})
	RowsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Name:      "rows_ingested_total",
		Help:      "Rows added to partitions by source.",
	}, []string{"source"})
	SourceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Name:      "source_failures_total",
		Help:      "Source-level ingestion failures.",
	}, []string{"source"})
)

// gauges
var (
	AnomalyFlags = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tally",
		Name:      "anomaly_flags",
		Help:      "Anomaly flags raised by the last run, by severity.",
	}, []string{"severity"})
	ValidationOK = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tally",
		Name:      "validation_ok",
		Help:      "1 when the last validation passed, 0 otherwise.",
	})
	LastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tally",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last run that finished without a fatal error.",
	})
)

func init() {
	prometheus.DefaultRegisterer.MustRegister(
		PhaseDuration,
		RunsTotal,
		FilesTotal,
		RowsIngested,
		SourceFailures,
		AnomalyFlags,
		ValidationOK,
		LastSuccess,
	)
}
