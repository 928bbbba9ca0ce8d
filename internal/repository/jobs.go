package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nadmax/slawatch/internal/repository/models"
	"github.com/nadmax/slawatch/internal/task"
)

func (r *PostgresRepository) SaveJob(ctx context.Context, t *task.Task) error {
	query := `
		INSERT INTO job_history (
			job_id, type, payload, priority, status,
			retry_count, error, created_at, scheduled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			error = EXCLUDED.error,
			scheduled_at = EXCLUDED.scheduled_at
	`

	var scheduledAt any
	if !t.ScheduledAt.IsZero() {
		scheduledAt = t.ScheduledAt
	}

	var payload any
	if len(t.Payload) > 0 {
		payload = []byte(t.Payload)
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		t.ID,
		string(t.Type),
		payload,
		int(t.Priority),
		string(t.Status),
		t.RetryCount,
		t.Error,
		t.CreatedAt,
		scheduledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", t.ID, err)
	}

	return nil
}

func (r *PostgresRepository) GetJob(ctx context.Context, jobID string) (*task.Task, error) {
	query := `
		SELECT
			job_id, type, payload, priority, status, retry_count,
			COALESCE(error, ''), COALESCE(result, ''), created_at,
			scheduled_at, started_at, completed_at
		FROM job_history WHERE job_id = $1
	`

	var (
		t                                   task.Task
		jobType, status                     string
		priority                            int
		payload                             []byte
		scheduledAt, startedAt, completedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, jobID).Scan(
		&t.ID,
		&jobType,
		&payload,
		&priority,
		&status,
		&t.RetryCount,
		&t.Error,
		&t.Result,
		&t.CreatedAt,
		&scheduledAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	t.Type = task.TaskType(jobType)
	t.Status = task.TaskStatus(status)
	t.Priority = task.TaskPriority(priority)
	t.Payload = payload
	if scheduledAt.Valid {
		t.ScheduledAt = scheduledAt.Time
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}

	return &t, nil
}

func (r *PostgresRepository) UpdateJobStatus(ctx context.Context, jobID string, status task.TaskStatus, workerID string) error {
	statusStr := string(status)
	query := `
		UPDATE job_history
		SET status = $1,
		    started_at = CASE WHEN $1::text = 'running' THEN NOW() ELSE started_at END,
		    worker_id = $2
		WHERE job_id = $3
	`

	_, err := r.db.ExecContext(ctx, query, statusStr, workerID, jobID)
	return err
}

func (r *PostgresRepository) CompleteJob(ctx context.Context, jobID, result string, durationMs int) error {
	query := `
		UPDATE job_history
		SET status = 'completed',
		    completed_at = NOW(),
		    result = $1,
		    duration_ms = $2
		WHERE job_id = $3
	`
	_, err := r.db.ExecContext(ctx, query, result, durationMs, jobID)

	return err
}

func (r *PostgresRepository) FailJob(ctx context.Context, jobID, reason string, durationMs int) error {
	query := `
		UPDATE job_history
		SET status = 'failed',
		    completed_at = NOW(),
		    error = $1,
		    duration_ms = $2
		WHERE job_id = $3
	`
	_, err := r.db.ExecContext(ctx, query, reason, durationMs, jobID)

	return err
}

func (r *PostgresRepository) IncrementRetryCount(ctx context.Context, jobID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE job_history SET retry_count = retry_count + 1 WHERE job_id = $1`, jobID)
	return err
}

func (r *PostgresRepository) GetJobStats(ctx context.Context, hours int) ([]models.JobStats, error) {
	query := `
		SELECT
			type, status, COUNT(*) as count,
			COALESCE(AVG(duration_ms), 0) as avg_duration_ms,
			COALESCE(MAX(duration_ms), 0) as max_duration_ms,
			COALESCE(AVG(retry_count), 0) as avg_retries
		FROM job_history
		WHERE created_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY type, status
		ORDER BY type, status
	`
	rows, err := r.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	stats := []models.JobStats{}
	for rows.Next() {
		var s models.JobStats
		if err := rows.Scan(
			&s.Type,
			&s.Status,
			&s.Count,
			&s.AvgDurationMs,
			&s.MaxDurationMs,
			&s.AvgRetries,
		); err != nil {
			return nil, err
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *PostgresRepository) GetRecentJobs(ctx context.Context, limit int) ([]models.RecentJob, error) {
	query := `
		SELECT
			job_id, type, status, created_at, completed_at,
			duration_ms, retry_count, COALESCE(error, ''), COALESCE(result, '')
		FROM job_history
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	jobs := []models.RecentJob{}
	for rows.Next() {
		var j models.RecentJob
		if err := rows.Scan(
			&j.JobID,
			&j.Type,
			&j.Status,
			&j.CreatedAt,
			&j.CompletedAt,
			&j.DurationMs,
			&j.RetryCount,
			&j.Error,
			&j.Result,
		); err != nil {
			return nil, err
		}

		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}
