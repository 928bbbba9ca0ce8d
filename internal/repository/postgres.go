package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/nadmax/slawatch/internal/model"
	"github.com/nadmax/slawatch/internal/predict"
	"github.com/nadmax/slawatch/internal/repository/models"
	"github.com/nadmax/slawatch/internal/workflow"
	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schema string

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(connectionString string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresRepository{db: db}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	return nil
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close rows")
	}
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Error().Err(err).Msg("failed to roll back transaction")
	}
}

// SaveArtifact writes the whole artifact as one JSON payload row. Existing versions are
// never overwritten.
func (r *PostgresRepository) SaveArtifact(ctx context.Context, a *model.Artifact) error {
	payload, err := a.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	query := `
		INSERT INTO model_artifacts (
			version, trained_at, algorithm, schema_version,
			schema_fingerprint, accuracy, training_rows, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.ExecContext(
		ctx,
		query,
		a.Version,
		a.TrainedAt,
		a.Algorithm,
		a.SchemaVersion,
		a.SchemaFingerprint,
		a.Metrics.Accuracy,
		a.TrainingRows,
		payload,
	); err != nil {
		return fmt.Errorf("failed to insert artifact %s: %w", a.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit artifact %s: %w", a.Version, err)
	}

	return nil
}

func (r *PostgresRepository) scanArtifact(row *sql.Row) (*model.Artifact, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load artifact: %w", err)
	}

	a, err := model.ArtifactFromJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
	}

	return a, nil
}

func (r *PostgresRepository) GetArtifact(ctx context.Context, version string) (*model.Artifact, error) {
	row := r.db.QueryRowContext(ctx, `SELECT payload FROM model_artifacts WHERE version = $1`, version)
	return r.scanArtifact(row)
}

// LatestArtifact returns the most recently trained artifact or ErrNotFound.
func (r *PostgresRepository) LatestArtifact(ctx context.Context) (*model.Artifact, error) {
	row := r.db.QueryRowContext(ctx, `SELECT payload FROM model_artifacts ORDER BY trained_at DESC, version DESC LIMIT 1`)
	return r.scanArtifact(row)
}

func (r *PostgresRepository) ListArtifacts(ctx context.Context, limit int) ([]models.ArtifactSummary, error) {
	query := `
		SELECT
			version, trained_at, algorithm, schema_version,
			schema_fingerprint, accuracy, training_rows
		FROM model_artifacts
		ORDER BY trained_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer closeRows(rows)

	out := []models.ArtifactSummary{}
	for rows.Next() {
		var s models.ArtifactSummary
		if err := rows.Scan(
			&s.Version,
			&s.TrainedAt,
			&s.Algorithm,
			&s.SchemaVersion,
			&s.SchemaFingerprint,
			&s.Accuracy,
			&s.TrainingRows,
		); err != nil {
			return nil, err
		}

		out = append(out, s)
	}

	return out, rows.Err()
}

const requestColumns = `
	service_id, service_code, service_name, category, district, mandal,
	submitted_at, current_stage, stage_entered_at, sla_days, status, completed_at
`

func buildRequestQuery(q RequestQuery) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}

	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY(?)", pq.Array(statuses))
	}
	if !q.SubmittedFrom.IsZero() {
		add("submitted_at >= ?", q.SubmittedFrom)
	}
	if !q.SubmittedTo.IsZero() {
		add("submitted_at <= ?", q.SubmittedTo)
	}
	if q.District != "" {
		add("district = ?", q.District)
	}
	if q.Mandal != "" {
		add("mandal = ?", q.Mandal)
	}
	if q.Category != "" {
		add("category = ?", q.Category)
	}
	if q.ServiceCode != "" {
		add("service_code = ?", q.ServiceCode)
	}

	query := "SELECT" + requestColumns + "FROM service_requests"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY submitted_at, service_id"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	return query, args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (workflow.Request, error) {
	var (
		req            workflow.Request
		stageEnteredAt sql.NullTime
		completedAt    sql.NullTime
		status         string
	)
	if err := s.Scan(
		&req.ID,
		&req.ServiceCode,
		&req.ServiceName,
		&req.Category,
		&req.District,
		&req.Mandal,
		&req.SubmittedAt,
		&req.Stage,
		&stageEnteredAt,
		&req.SLADays,
		&status,
		&completedAt,
	); err != nil {
		return workflow.Request{}, err
	}

	req.Status = workflow.Status(status)
	if stageEnteredAt.Valid {
		req.StageEnteredAt = stageEnteredAt.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		req.CompletedAt = &t
	}

	return req, nil
}

// ListRequests returns the matching requests ordered by submission time, each with its
// stage history ordered by entry time.
func (r *PostgresRepository) ListRequests(ctx context.Context, q RequestQuery) ([]workflow.Request, error) {
	query, args := buildRequestQuery(q)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer closeRows(rows)

	reqs := []workflow.Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.attachHistory(ctx, reqs); err != nil {
		return nil, err
	}

	return reqs, nil
}

func (r *PostgresRepository) attachHistory(ctx context.Context, reqs []workflow.Request) error {
	if len(reqs) == 0 {
		return nil
	}

	ids := make([]string, len(reqs))
	index := make(map[string]int, len(reqs))
	for i, req := range reqs {
		ids[i] = req.ID
		index[req.ID] = i
	}

	query := `
		SELECT service_id, stage, entered_at, exited_at
		FROM stage_events
		WHERE service_id = ANY($1)
		ORDER BY service_id, entered_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to load stage events: %w", err)
	}
	defer closeRows(rows)

	for rows.Next() {
		var (
			ev       workflow.StageEvent
			exitedAt sql.NullTime
		)
		if err := rows.Scan(&ev.RequestID, &ev.Stage, &ev.EnteredAt, &exitedAt); err != nil {
			return fmt.Errorf("failed to scan stage event: %w", err)
		}
		if exitedAt.Valid {
			t := exitedAt.Time
			ev.ExitedAt = &t
		}

		if i, ok := index[ev.RequestID]; ok {
			reqs[i].History = append(reqs[i].History, ev)
		}
	}

	return rows.Err()
}

func (r *PostgresRepository) GetRequest(ctx context.Context, serviceID string) (*workflow.Request, error) {
	row := r.db.QueryRowContext(ctx, "SELECT"+requestColumns+"FROM service_requests WHERE service_id = $1", serviceID)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load request %s: %w", serviceID, err)
	}

	reqs := []workflow.Request{req}
	if err := r.attachHistory(ctx, reqs); err != nil {
		return nil, err
	}

	return &reqs[0], nil
}

// SaveRequests upserts the requests and replaces their stage histories in one transaction.
func (r *PostgresRepository) SaveRequests(ctx context.Context, reqs []workflow.Request) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	upsert := `
		INSERT INTO service_requests (` + requestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (service_id) DO UPDATE SET
			current_stage = EXCLUDED.current_stage,
			stage_entered_at = EXCLUDED.stage_entered_at,
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at
	`
	for _, req := range reqs {
		var stageEnteredAt any
		if !req.StageEnteredAt.IsZero() {
			stageEnteredAt = req.StageEnteredAt
		}

		if _, err := tx.ExecContext(
			ctx,
			upsert,
			req.ID,
			req.ServiceCode,
			req.ServiceName,
			req.Category,
			req.District,
			req.Mandal,
			req.SubmittedAt,
			req.Stage,
			stageEnteredAt,
			req.SLADays,
			string(req.Status),
			req.CompletedAt,
		); err != nil {
			return fmt.Errorf("failed to upsert request %s: %w", req.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM stage_events WHERE service_id = $1`, req.ID); err != nil {
			return fmt.Errorf("failed to clear history of %s: %w", req.ID, err)
		}

		for _, ev := range req.History {
			if _, err := tx.ExecContext(
				ctx,
				`INSERT INTO stage_events (service_id, stage, entered_at, exited_at) VALUES ($1, $2, $3, $4)`,
				req.ID,
				ev.Stage,
				ev.EnteredAt,
				ev.ExitedAt,
			); err != nil {
				return fmt.Errorf("failed to insert stage event for %s: %w", req.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit requests: %w", err)
	}

	return nil
}

func (r *PostgresRepository) SavePredictions(ctx context.Context, results []predict.Result) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	query := `
		INSERT INTO predictions (
			service_id, scorer_version, breach_probability,
			expected_delay_hours, risk_tier, low_confidence, generated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, res := range results {
		if _, err := tx.ExecContext(
			ctx,
			query,
			res.ServiceID,
			res.ScorerVersion,
			res.BreachProbability,
			res.ExpectedDelayHours,
			res.Tier.String(),
			res.LowConfidence,
			res.GeneratedAt,
		); err != nil {
			return fmt.Errorf("failed to insert prediction for %s: %w", res.ServiceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit predictions: %w", err)
	}

	return nil
}

func (r *PostgresRepository) DB() *sql.DB {
	return r.db
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}
