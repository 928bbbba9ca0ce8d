// Package metrics provides the Prometheus metrics for predictions, analysis, training and
// the background job pipeline.
package metrics

import (
	"time"

	"github.com/nadmax/slawatch/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slawatch_predictions_total",
			Help: "Total number of scored requests by risk tier",
		},
		[]string{"tier", "scorer"},
	)
	PredictionFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slawatch_prediction_failures_total",
			Help: "Total number of requests that could not be scored, by error kind",
		},
		[]string{"kind"},
	)
	LowConfidencePredictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slawatch_low_confidence_predictions_total",
			Help: "Total number of predictions scored with the fallback historical stat",
		},
	)
	PredictionBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slawatch_prediction_batch_duration_seconds",
			Help:    "Prediction batch duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
	DegradedMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slawatch_degraded_mode",
			Help: "1 when predictions are served by the heuristic scorer",
		},
	)
	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slawatch_root_cause_duration_seconds",
			Help:    "Root cause analysis duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
	TrainingRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slawatch_training_runs_total",
			Help: "Total number of training runs by outcome",
		},
		[]string{"outcome"},
	)
	TrainingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slawatch_training_duration_seconds",
			Help:    "Training run duration in seconds",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
	)
	ModelAccuracy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slawatch_model_accuracy",
			Help: "Held-out breach classification accuracy of the most recently trained artifact",
		},
	)
	StatsKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slawatch_stats_keys",
			Help: "Number of (stage, district, category) keys in the current stats snapshot",
		},
	)
	OpenRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slawatch_open_requests",
			Help: "Number of open requests at the last stats refresh",
		},
	)
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slawatch_jobs_enqueued_total",
			Help: "Total number of background jobs enqueued",
		},
		[]string{"type", "priority"},
	)
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slawatch_jobs_completed_total",
			Help: "Total number of background jobs completed successfully",
		},
		[]string{"type"},
	)
	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slawatch_jobs_failed_total",
			Help: "Total number of background jobs that failed",
		},
		[]string{"type"},
	)
	JobsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slawatch_jobs_retried_total",
			Help: "Total number of background job retries",
		},
		[]string{"type"},
	)
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slawatch_job_duration_seconds",
			Help:    "Background job execution duration in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"type", "status"},
	)
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slawatch_queue_depth",
			Help: "Current depth of the job queue",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slawatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slawatch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordPrediction(tier, scorer string) {
	PredictionsTotal.WithLabelValues(tier, scorer).Inc()
}

func RecordPredictionFailure(kind string) {
	PredictionFailuresTotal.WithLabelValues(kind).Inc()
}

func RecordLowConfidence() {
	LowConfidencePredictions.Inc()
}

func RecordPredictionBatch(duration time.Duration) {
	PredictionBatchDuration.Observe(duration.Seconds())
}

func SetDegraded(degraded bool) {
	if degraded {
		DegradedMode.Set(1)
		return
	}
	DegradedMode.Set(0)
}

func RecordAnalysis(duration time.Duration) {
	AnalysisDuration.Observe(duration.Seconds())
}

func RecordTraining(outcome string, duration time.Duration, accuracy float64) {
	TrainingRuns.WithLabelValues(outcome).Inc()
	TrainingDuration.Observe(duration.Seconds())
	if outcome == "success" {
		ModelAccuracy.Set(accuracy)
	}
}

func UpdateStats(keys, open int) {
	StatsKeys.Set(float64(keys))
	OpenRequests.Set(float64(open))
}

func RecordJobEnqueued(jobType task.TaskType, priority task.TaskPriority) {
	JobsEnqueued.WithLabelValues(string(jobType), priority.String()).Inc()
}

func RecordJobCompleted(jobType task.TaskType, duration time.Duration) {
	JobsCompleted.WithLabelValues(string(jobType)).Inc()
	JobDuration.WithLabelValues(string(jobType), "completed").Observe(duration.Seconds())
}

func RecordJobFailed(jobType task.TaskType, duration time.Duration) {
	JobsFailed.WithLabelValues(string(jobType)).Inc()
	JobDuration.WithLabelValues(string(jobType), "failed").Observe(duration.Seconds())
}

func RecordJobRetried(jobType task.TaskType) {
	JobsRetried.WithLabelValues(string(jobType)).Inc()
}

func UpdateQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
