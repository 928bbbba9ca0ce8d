// Package models contains the read models returned by the repository layer.
package models

import "time"

type JobStats struct {
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	Count         int     `json:"count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MaxDurationMs int     `json:"max_duration_ms"`
	AvgRetries    float64 `json:"avg_retries"`
}

type RecentJob struct {
	JobID       string     `json:"job_id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int       `json:"duration_ms,omitempty"`
	RetryCount  int        `json:"retry_count"`
	Error       string     `json:"error,omitempty"`
	Result      string     `json:"result,omitempty"`
}

// ArtifactSummary lists a stored artifact without its weights.
type ArtifactSummary struct {
	Version           string    `json:"version"`
	TrainedAt         time.Time `json:"trained_at"`
	Algorithm         string    `json:"algorithm"`
	SchemaVersion     int       `json:"schema_version"`
	SchemaFingerprint string    `json:"schema_fingerprint"`
	Accuracy          float64   `json:"accuracy"`
	TrainingRows      int       `json:"training_rows"`
}
