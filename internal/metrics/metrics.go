package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once       sync.Once
	collectors []prometheus.Collector
)

func init() {
	register(
		jobsSubmitted,
		jobsClaimed,
		jobsFinished,
		backendSelections,
		variantOutcomes,
		vocalRetries,
		artifactChecks,
		uploadFailures,
		dispatchSkipped,
		stageDuration,
	)
}

var (
	jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "melodygen_jobs_submitted_total",
			Help: "Jobs accepted through the submission path.",
		},
		[]string{"model_set"},
	)

	jobsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "melodygen_jobs_claimed_total",
			Help: "Pending jobs claimed by the dispatcher.",
		},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "melodygen_jobs_finished_total",
			Help: "Jobs reaching a terminal status.",
		},
		[]string{"status"},
	)

	backendSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "melodygen_backend_selections_total",
			Help: "Backend chosen per job, with fallback marker.",
		},
		[]string{"requested", "selected", "fallback"},
	)

	variantOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "melodygen_variant_outcomes_total",
			Help: "Vocal synthesis outcome per variant.",
		},
		[]string{"outcome"},
	)

	vocalRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "melodygen_vocal_retries_total",
			Help: "Vocal stages retried on the primary backend.",
		},
	)

	artifactChecks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "melodygen_artifact_checks_total",
			Help: "Filesystem checks made while waiting for backend output.",
		},
	)

	uploadFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "melodygen_upload_failures_total",
			Help: "Result uploads that failed or panicked.",
		},
	)

	dispatchSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "melodygen_dispatch_skipped_total",
			Help: "Pending jobs left for a later cycle, by reason.",
		},
		[]string{"reason"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "melodygen_stage_duration_seconds",
			Help:    "Wall time of generation stages.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"stage", "model_set"},
	)
)

// register enqueues collectors for MustRegister.
func register(cs ...prometheus.Collector) {
	collectors = append(collectors, cs...)
}

// MustRegister registers all collectors with the default registry exactly once.
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(collectors...)
	})
}

func IncSubmitted(modelSet string) { jobsSubmitted.WithLabelValues(modelSet).Inc() }

func IncClaimed() { jobsClaimed.Inc() }

func IncFinished(status string) { jobsFinished.WithLabelValues(status).Inc() }

func IncBackendSelection(requested, selected string, fallback bool) {
	fb := "false"
	if fallback {
		fb = "true"
	}
	backendSelections.WithLabelValues(requested, selected, fb).Inc()
}

func IncVariant(succeeded bool) {
	if succeeded {
		variantOutcomes.WithLabelValues("succeeded").Inc()
		return
	}
	variantOutcomes.WithLabelValues("failed").Inc()
}

func IncVocalRetry() { vocalRetries.Inc() }

func IncArtifactCheck() { artifactChecks.Inc() }

func IncUploadFailure() { uploadFailures.Inc() }

func IncDispatchSkipped(reason string) { dispatchSkipped.WithLabelValues(reason).Inc() }

func ObserveStage(stage, modelSet string, seconds float64) {
	stageDuration.WithLabelValues(stage, modelSet).Observe(seconds)
}
