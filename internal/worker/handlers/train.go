package handlers

import (
	"context"
	"time"

	"github.com/nadmax/slawatch/internal/features"
	"github.com/nadmax/slawatch/internal/metrics"
	"github.com/nadmax/slawatch/internal/repository"
	"github.com/nadmax/slawatch/internal/task"
	"github.com/nadmax/slawatch/internal/trainer"
	"github.com/nadmax/slawatch/internal/worker"
	"github.com/nadmax/slawatch/internal/workflow"
	"github.com/rs/zerolog/log"
)

// Publisher announces newly stored artifacts to the prediction servers.
type Publisher interface {
	PublishArtifact(ctx context.Context, version string) error
}

type TrainHandler struct {
	requests     repository.RequestStore
	artifacts    repository.ArtifactStore
	publisher    Publisher
	schema       features.Schema
	cfg          trainer.Config
	lookbackDays int
	now          func() time.Time
}

// NewTrainHandler builds the train_model handler. publisher may be nil.
func NewTrainHandler(requests repository.RequestStore, artifacts repository.ArtifactStore, publisher Publisher, schema features.Schema, cfg trainer.Config, lookbackDays int) *TrainHandler {
	return &TrainHandler{
		requests:     requests,
		artifacts:    artifacts,
		publisher:    publisher,
		schema:       schema,
		cfg:          cfg,
		lookbackDays: lookbackDays,
		now:          time.Now,
	}
}

// Handle trains on the closed requests of the lookback window and stores the artifact.
// Nothing is stored when training fails, so the active artifact stays in place.
func (h *TrainHandler) Handle(ctx context.Context, t *task.Task) (string, error) {
	var payload task.TrainPayload
	if err := t.Decode(&payload); err != nil {
		return "", worker.Permanent(err)
	}

	lookback := h.lookbackDays
	if payload.LookbackDays > 0 {
		lookback = payload.LookbackDays
	}
	now := h.now()

	closed, err := h.requests.ListRequests(ctx, repository.RequestQuery{
		Statuses:      []workflow.Status{workflow.StatusClosed},
		SubmittedFrom: now.AddDate(0, 0, -lookback),
		SubmittedTo:   now,
	})
	if err != nil {
		return "", err
	}

	started := time.Now()
	data, skipped := trainer.BuildDataset(closed, features.NewExtractor(h.schema))

	artifact, err := trainer.New(h.cfg, h.schema).Train(ctx, data)
	if err != nil {
		metrics.RecordTraining("failed", time.Since(started), 0)
		log.Warn().Err(err).
			Str("job_id", t.ID).
			Int("rows", len(data)).
			Int("skipped", skipped).
			Msg("training failed, active artifact unchanged")
		return "", err
	}

	if err := h.artifacts.SaveArtifact(ctx, artifact); err != nil {
		metrics.RecordTraining("failed", time.Since(started), 0)
		return "", err
	}
	metrics.RecordTraining("success", time.Since(started), artifact.Metrics.Accuracy)

	if h.publisher != nil {
		if err := h.publisher.PublishArtifact(ctx, artifact.Version); err != nil {
			log.Error().Err(err).Str("version", artifact.Version).Msg("failed to publish artifact")
		}
	}

	log.Info().
		Str("job_id", t.ID).
		Str("trigger", payload.Trigger).
		Str("version", artifact.Version).
		Int("rows", len(data)).
		Int("skipped", skipped).
		Float64("accuracy", artifact.Metrics.Accuracy).
		Msg("artifact stored")

	return artifact.Version, nil
}
