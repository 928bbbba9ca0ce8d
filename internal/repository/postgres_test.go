package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/nadmax/slawatch/internal/model"
	"github.com/nadmax/slawatch/internal/predict"
	"github.com/nadmax/slawatch/internal/risk"
	"github.com/nadmax/slawatch/internal/task"
	"github.com/nadmax/slawatch/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	return db, mock, &PostgresRepository{db: db}
}

func testArtifact(version string, trainedAt time.Time) *model.Artifact {
	return &model.Artifact{
		Version:           version,
		TrainedAt:         trainedAt,
		Algorithm:         model.AlgorithmLinear,
		SchemaVersion:     1,
		SchemaFingerprint: "abc123",
		FeatureNames:      []string{"days_past_sla"},
		Classifier:        model.LinearHead{Weights: []float64{0.5}, Means: []float64{0}, Scales: []float64{1}},
		Regressor:         model.LinearHead{Weights: []float64{2}, Means: []float64{0}, Scales: []float64{1}},
		Metrics:           model.Metrics{Accuracy: 0.91, HeldOut: 40},
		TrainingRows:      200,
	}
}

func TestNewPostgresRepository(t *testing.T) {
	t.Run("successful connection", func(t *testing.T) {
		t.Skip("Integration test - requires real database")
	})

	t.Run("connection failure", func(t *testing.T) {
		_, err := NewPostgresRepository("invalid connection string")
		assert.Error(t, err)
	})
}

func TestMigrate(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS service_requests").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveArtifact(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	a := testArtifact("v20250102T030405Z-1a2b3c4d", time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))

	t.Run("single row in one transaction", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO model_artifacts").
			WithArgs(
				a.Version,
				a.TrainedAt,
				a.Algorithm,
				a.SchemaVersion,
				a.SchemaFingerprint,
				a.Metrics.Accuracy,
				a.TrainingRows,
				sqlmock.AnyArg(),
			).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, repo.SaveArtifact(ctx, a))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert failure rolls back", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO model_artifacts").
			WillReturnError(errors.New("duplicate key value"))
		mock.ExpectRollback()

		err := repo.SaveArtifact(ctx, a)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert artifact")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLatestArtifact(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	t.Run("decodes payload", func(t *testing.T) {
		a := testArtifact("v1", time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC))
		payload, err := a.ToJSON()
		require.NoError(t, err)

		mock.ExpectQuery("SELECT payload FROM model_artifacts ORDER BY trained_at DESC").
			WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))

		got, err := repo.LatestArtifact(ctx)
		require.NoError(t, err)
		assert.Equal(t, "v1", got.Version)
		assert.Equal(t, a.Classifier.Weights, got.Classifier.Weights)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty table", func(t *testing.T) {
		mock.ExpectQuery("SELECT payload FROM model_artifacts").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.LatestArtifact(ctx)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("corrupt payload", func(t *testing.T) {
		mock.ExpectQuery("SELECT payload FROM model_artifacts WHERE version").
			WithArgs("v2").
			WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte("{not json")))

		_, err := repo.GetArtifact(ctx, "v2")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to unmarshal artifact")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

var requestCols = []string{
	"service_id", "service_code", "service_name", "category", "district", "mandal",
	"submitted_at", "current_stage", "stage_entered_at", "sla_days", "status", "completed_at",
}

func TestListRequests(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	submitted := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	completed := submitted.Add(96 * time.Hour)
	exited := submitted.Add(24 * time.Hour)

	mock.ExpectQuery("SELECT .* FROM service_requests WHERE status = ANY\\(\\$1\\) AND district = \\$2 ORDER BY submitted_at").
		WithArgs(sqlmock.AnyArg(), "Guntur").
		WillReturnRows(sqlmock.NewRows(requestCols).
			AddRow("SRV-1", "SVC_001", "", "CATEGORY_A", "Guntur", "Tenali", submitted, "DELIVERED", completed, 3, "closed", completed).
			AddRow("SRV-2", "SVC_002", "", "CATEGORY_B", "Guntur", "Mangalagiri", submitted, "VRO", nil, 7, "open", nil))
	mock.ExpectQuery("SELECT service_id, stage, entered_at, exited_at FROM stage_events WHERE service_id = ANY").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"service_id", "stage", "entered_at", "exited_at"}).
			AddRow("SRV-1", "APPLICATION", submitted, exited).
			AddRow("SRV-1", "VRO", exited, completed).
			AddRow("SRV-2", "APPLICATION", submitted, nil))

	reqs, err := repo.ListRequests(ctx, RequestQuery{
		Statuses: []workflow.Status{workflow.StatusOpen, workflow.StatusClosed},
		District: "Guntur",
	})
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	assert.Equal(t, workflow.StatusClosed, reqs[0].Status)
	require.NotNil(t, reqs[0].CompletedAt)
	assert.True(t, completed.Equal(*reqs[0].CompletedAt))
	require.Len(t, reqs[0].History, 2)
	assert.Equal(t, "VRO", reqs[0].History[1].Stage)

	assert.Nil(t, reqs[1].CompletedAt)
	assert.True(t, reqs[1].StageEnteredAt.IsZero())
	require.Len(t, reqs[1].History, 1)
	assert.Nil(t, reqs[1].History[0].ExitedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildRequestQuery(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	query, args := buildRequestQuery(RequestQuery{
		Statuses:      []workflow.Status{workflow.StatusClosed},
		SubmittedFrom: from,
		Category:      "CATEGORY_A",
		Limit:         10,
	})

	assert.Contains(t, query, "WHERE status = ANY($1) AND submitted_at >= $2 AND category = $3")
	assert.Contains(t, query, "LIMIT $4")
	require.Len(t, args, 4)
	assert.Equal(t, pq.Array([]string{"closed"}), args[0])
	assert.Equal(t, from, args[1])
	assert.Equal(t, 10, args[3])

	query, args = buildRequestQuery(RequestQuery{})
	assert.NotContains(t, query, "WHERE")
	assert.Empty(t, args)
}

func TestGetRequestNotFound(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("FROM service_requests WHERE service_id").
		WithArgs("SRV-404").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetRequest(context.Background(), "SRV-404")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRequests(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	submitted := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	req := workflow.Request{
		ID:             "SRV-1",
		ServiceCode:    "SVC_001",
		Category:       "CATEGORY_A",
		District:       "Guntur",
		Mandal:         "Tenali",
		SubmittedAt:    submitted,
		Stage:          "VRO",
		StageEnteredAt: submitted.Add(time.Hour),
		SLADays:        7,
		Status:         workflow.StatusOpen,
		History: []workflow.StageEvent{
			{RequestID: "SRV-1", Stage: "APPLICATION", EnteredAt: submitted},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO service_requests").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM stage_events WHERE service_id").
		WithArgs("SRV-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO stage_events").
		WithArgs("SRV-1", "APPLICATION", submitted, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.SaveRequests(context.Background(), []workflow.Request{req}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePredictions(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Date(2024, 1, 24, 10, 0, 0, 0, time.UTC)

	t.Run("empty batch is a no-op", func(t *testing.T) {
		require.NoError(t, repo.SavePredictions(ctx, nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("writes tier names", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO predictions").
			WithArgs("SRV-1", "heuristic-v1", 0.83, 48.0, "CRITICAL", true, now).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := repo.SavePredictions(ctx, []predict.Result{{
			ServiceID:          "SRV-1",
			ScorerVersion:      "heuristic-v1",
			BreachProbability:  0.83,
			ExpectedDelayHours: 48,
			Tier:               risk.Critical,
			LowConfidence:      true,
			GeneratedAt:        now,
		}})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestJobHistory(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Date(2025, 1, 1, 2, 0, 0, 0, time.UTC)

	t.Run("save with zero scheduled time", func(t *testing.T) {
		job := &task.Task{
			ID:        "job-1",
			Type:      task.TypeTrainModel,
			Payload:   []byte(`{"trigger":"schedule"}`),
			Priority:  task.PriorityMedium,
			Status:    task.StatusPending,
			CreatedAt: now,
		}

		mock.ExpectExec("INSERT INTO job_history").
			WithArgs("job-1", "train_model", sqlmock.AnyArg(), 1, "pending", 0, "", now, nil).
			WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, repo.SaveJob(ctx, job))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("status and completion", func(t *testing.T) {
		mock.ExpectExec("UPDATE job_history SET status").
			WithArgs("running", "worker-1", "job-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE job_history SET status = 'completed'").
			WithArgs("v1", 1500, "job-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.UpdateJobStatus(ctx, "job-1", task.StatusRunning, "worker-1"))
		require.NoError(t, repo.CompleteJob(ctx, "job-1", "v1", 1500))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("get job", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{
			"job_id", "type", "payload", "priority", "status", "retry_count",
			"error", "result", "created_at", "scheduled_at", "started_at", "completed_at",
		}).AddRow("job-1", "train_model", []byte(`{"trigger":"api"}`), 2, "failed", 3,
			"insufficient_data: 12 rows", "", now, now, now, now.Add(time.Second))

		mock.ExpectQuery("SELECT .* FROM job_history WHERE job_id").
			WithArgs("job-1").
			WillReturnRows(rows)

		job, err := repo.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, task.TypeTrainModel, job.Type)
		assert.Equal(t, task.StatusFailed, job.Status)
		assert.Equal(t, task.PriorityHigh, job.Priority)
		assert.True(t, job.Exhausted())
		require.NotNil(t, job.CompletedAt)

		var payload task.TrainPayload
		require.NoError(t, job.Decode(&payload))
		assert.Equal(t, "api", payload.Trigger)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing job", func(t *testing.T) {
		mock.ExpectQuery("FROM job_history WHERE job_id").
			WithArgs("nope").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.GetJob(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("stats", func(t *testing.T) {
		mock.ExpectQuery("SELECT .* FROM job_history WHERE created_at").
			WithArgs(24).
			WillReturnRows(sqlmock.NewRows([]string{"type", "status", "count", "avg", "max", "retries"}).
				AddRow("train_model", "completed", 3, 1200.5, 2000, 0.33))

		stats, err := repo.GetJobStats(ctx, 24)
		require.NoError(t, err)
		require.Len(t, stats, 1)
		assert.Equal(t, 3, stats[0].Count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
