// Package metrics holds the prometheus collectors of the upload pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaq_tasks_finished_total",
		Help: "Processing attempts that reached a terminal status, by status",
	}, []string{"status"})

	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediaq_phase_duration_seconds",
		Help:    "Duration of each pipeline phase",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"phase"})

	CompressionAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaq_compression_attempts_total",
		Help: "Compression preset attempts, by media kind and outcome",
	}, []string{"kind", "outcome"})

	UploadedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediaq_uploaded_bytes_total",
		Help: "Bytes of compressed media transferred successfully",
	})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediaq_active_runs",
		Help: "Tasks currently being processed",
	})

	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaq_retries_total",
		Help: "Retries scheduled, by attempt number",
	}, []string{"attempt"})
)

// Outcome labels for CompressionAttemptsTotal.
const (
	OutcomeAccepted   = "accepted"
	OutcomeOverBudget = "over_budget"
	OutcomeError      = "error"
)
