// Package repository provides PostgreSQL persistence for service requests, model
// artifacts, prediction records and job history.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nadmax/slawatch/internal/model"
	"github.com/nadmax/slawatch/internal/predict"
	"github.com/nadmax/slawatch/internal/repository/models"
	"github.com/nadmax/slawatch/internal/task"
	"github.com/nadmax/slawatch/internal/workflow"
)

var ErrNotFound = errors.New("not found")

// RequestQuery narrows ListRequests. Zero fields do not filter.
type RequestQuery struct {
	Statuses      []workflow.Status
	SubmittedFrom time.Time
	SubmittedTo   time.Time
	District      string
	Mandal        string
	Category      string
	ServiceCode   string
	Limit         int
}

type ArtifactStore interface {
	SaveArtifact(ctx context.Context, a *model.Artifact) error
	GetArtifact(ctx context.Context, version string) (*model.Artifact, error)
	LatestArtifact(ctx context.Context) (*model.Artifact, error)
	ListArtifacts(ctx context.Context, limit int) ([]models.ArtifactSummary, error)
}

type RequestStore interface {
	ListRequests(ctx context.Context, q RequestQuery) ([]workflow.Request, error)
	GetRequest(ctx context.Context, serviceID string) (*workflow.Request, error)
	SaveRequests(ctx context.Context, reqs []workflow.Request) error
	SavePredictions(ctx context.Context, results []predict.Result) error
}

type JobRepository interface {
	SaveJob(ctx context.Context, t *task.Task) error
	GetJob(ctx context.Context, jobID string) (*task.Task, error)
	UpdateJobStatus(ctx context.Context, jobID string, status task.TaskStatus, workerID string) error
	CompleteJob(ctx context.Context, jobID, result string, durationMs int) error
	FailJob(ctx context.Context, jobID, reason string, durationMs int) error
	IncrementRetryCount(ctx context.Context, jobID string) error
	GetJobStats(ctx context.Context, hours int) ([]models.JobStats, error)
	GetRecentJobs(ctx context.Context, limit int) ([]models.RecentJob, error)
}

type Repository interface {
	ArtifactStore
	RequestStore
	JobRepository
	Migrate(ctx context.Context) error
	Close() error
}
