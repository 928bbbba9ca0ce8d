package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/nadmax/slawatch/internal/model"
	"github.com/nadmax/slawatch/internal/predict"
	"github.com/nadmax/slawatch/internal/repository/models"
	"github.com/nadmax/slawatch/internal/task"
	"github.com/nadmax/slawatch/internal/workflow"
)

// MockRepository is an in-memory Repository for tests. The *Error fields make the
// corresponding calls fail.
type MockRepository struct {
	mu sync.Mutex

	Artifacts   map[string]*model.Artifact
	Requests    map[string]workflow.Request
	Predictions []predict.Result
	Jobs        map[string]*task.Task
	JobStats    []models.JobStats
	RecentJobs  []models.RecentJob

	ListRequestsCalls []RequestQuery
	SaveArtifactCalls []string
	CompleteJobCalls  []CompleteJobCall
	FailJobCalls      []FailJobCall
	StatusCalls       []UpdateJobStatusCall

	SaveArtifactError    error
	LatestArtifactError  error
	ListRequestsError    error
	SaveRequestsError    error
	SavePredictionsError error
	SaveJobError         error
}

type CompleteJobCall struct {
	JobID      string
	Result     string
	DurationMs int
}

type FailJobCall struct {
	JobID      string
	Reason     string
	DurationMs int
}

type UpdateJobStatusCall struct {
	JobID    string
	Status   task.TaskStatus
	WorkerID string
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		Artifacts:  make(map[string]*model.Artifact),
		Requests:   make(map[string]workflow.Request),
		Jobs:       make(map[string]*task.Task),
		JobStats:   []models.JobStats{},
		RecentJobs: []models.RecentJob{},
	}
}

func (m *MockRepository) SaveArtifact(_ context.Context, a *model.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveArtifactCalls = append(m.SaveArtifactCalls, a.Version)
	if m.SaveArtifactError != nil {
		return m.SaveArtifactError
	}

	cp := *a
	m.Artifacts[a.Version] = &cp

	return nil
}

func (m *MockRepository) GetArtifact(_ context.Context, version string) (*model.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.Artifacts[version]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *a
	return &cp, nil
}

func (m *MockRepository) sortedArtifacts() []*model.Artifact {
	out := make([]*model.Artifact, 0, len(m.Artifacts))
	for _, a := range m.Artifacts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TrainedAt.Equal(out[j].TrainedAt) {
			return out[i].TrainedAt.After(out[j].TrainedAt)
		}
		return out[i].Version > out[j].Version
	})

	return out
}

func (m *MockRepository) LatestArtifact(_ context.Context) (*model.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LatestArtifactError != nil {
		return nil, m.LatestArtifactError
	}

	all := m.sortedArtifacts()
	if len(all) == 0 {
		return nil, ErrNotFound
	}

	cp := *all[0]
	return &cp, nil
}

func (m *MockRepository) ListArtifacts(_ context.Context, limit int) ([]models.ArtifactSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.ArtifactSummary{}
	for _, a := range m.sortedArtifacts() {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, models.ArtifactSummary{
			Version:           a.Version,
			TrainedAt:         a.TrainedAt,
			Algorithm:         a.Algorithm,
			SchemaVersion:     a.SchemaVersion,
			SchemaFingerprint: a.SchemaFingerprint,
			Accuracy:          a.Metrics.Accuracy,
			TrainingRows:      a.TrainingRows,
		})
	}

	return out, nil
}

func (q RequestQuery) matches(r workflow.Request) bool {
	if len(q.Statuses) > 0 {
		found := false
		for _, s := range q.Statuses {
			if r.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	switch {
	case !q.SubmittedFrom.IsZero() && r.SubmittedAt.Before(q.SubmittedFrom):
		return false
	case !q.SubmittedTo.IsZero() && r.SubmittedAt.After(q.SubmittedTo):
		return false
	case q.District != "" && r.District != q.District:
		return false
	case q.Mandal != "" && r.Mandal != q.Mandal:
		return false
	case q.Category != "" && r.Category != q.Category:
		return false
	case q.ServiceCode != "" && r.ServiceCode != q.ServiceCode:
		return false
	}

	return true
}

func (m *MockRepository) ListRequests(_ context.Context, q RequestQuery) ([]workflow.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ListRequestsCalls = append(m.ListRequestsCalls, q)
	if m.ListRequestsError != nil {
		return nil, m.ListRequestsError
	}

	out := []workflow.Request{}
	for _, r := range m.Requests {
		if q.matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}

	return out, nil
}

func (m *MockRepository) GetRequest(_ context.Context, serviceID string) (*workflow.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.Requests[serviceID]
	if !ok {
		return nil, ErrNotFound
	}

	return &r, nil
}

func (m *MockRepository) SaveRequests(_ context.Context, reqs []workflow.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveRequestsError != nil {
		return m.SaveRequestsError
	}
	for _, r := range reqs {
		m.Requests[r.ID] = r
	}

	return nil
}

func (m *MockRepository) SavePredictions(_ context.Context, results []predict.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SavePredictionsError != nil {
		return m.SavePredictionsError
	}
	m.Predictions = append(m.Predictions, results...)

	return nil
}

func (m *MockRepository) SaveJob(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveJobError != nil {
		return m.SaveJobError
	}

	cp := *t
	m.Jobs[t.ID] = &cp

	return nil
}

func (m *MockRepository) GetJob(_ context.Context, jobID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.Jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *t
	return &cp, nil
}

func (m *MockRepository) UpdateJobStatus(_ context.Context, jobID string, status task.TaskStatus, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StatusCalls = append(m.StatusCalls, UpdateJobStatusCall{JobID: jobID, Status: status, WorkerID: workerID})
	if t, ok := m.Jobs[jobID]; ok {
		t.Status = status
	}

	return nil
}

func (m *MockRepository) CompleteJob(_ context.Context, jobID, result string, durationMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CompleteJobCalls = append(m.CompleteJobCalls, CompleteJobCall{JobID: jobID, Result: result, DurationMs: durationMs})
	if t, ok := m.Jobs[jobID]; ok {
		t.Status = task.StatusCompleted
		t.Result = result
	}

	return nil
}

func (m *MockRepository) FailJob(_ context.Context, jobID, reason string, durationMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FailJobCalls = append(m.FailJobCalls, FailJobCall{JobID: jobID, Reason: reason, DurationMs: durationMs})
	if t, ok := m.Jobs[jobID]; ok {
		t.Status = task.StatusFailed
		t.Error = reason
	}

	return nil
}

func (m *MockRepository) IncrementRetryCount(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.Jobs[jobID]; ok {
		t.RetryCount++
	}

	return nil
}

func (m *MockRepository) GetJobStats(_ context.Context, _ int) ([]models.JobStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.JobStats, nil
}

func (m *MockRepository) GetRecentJobs(_ context.Context, limit int) ([]models.RecentJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit > 0 && len(m.RecentJobs) > limit {
		return m.RecentJobs[:limit], nil
	}

	return m.RecentJobs, nil
}

func (m *MockRepository) Migrate(context.Context) error {
	return nil
}

func (m *MockRepository) Close() error {
	return nil
}

var (
	_ Repository = (*MockRepository)(nil)
	_ Repository = (*PostgresRepository)(nil)
)
