// Package task defines the background jobs exchanged between the API, the scheduler and
// the worker: job metadata, lifecycle status, priority and the typed payloads.
package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	TaskType     string
	TaskStatus   string
	TaskPriority int
	Task         struct {
		ID          string          `json:"id"`
		Type        TaskType        `json:"type"`
		Payload     json.RawMessage `json:"payload"`
		Priority    TaskPriority    `json:"priority"`
		Status      TaskStatus      `json:"status"`
		RetryCount  int             `json:"retry_count"`
		MaxRetries  int             `json:"max_retries"`
		CreatedAt   time.Time       `json:"created_at"`
		ScheduledAt time.Time       `json:"scheduled_at"`
		StartedAt   *time.Time      `json:"started_at,omitempty"`
		CompletedAt *time.Time      `json:"completed_at,omitempty"`
		Error       string          `json:"error,omitempty"`
		// Result is set by the handler on success, e.g. the new artifact version.
		Result string `json:"result,omitempty"`
	}

	TrainPayload struct {
		LookbackDays int `json:"lookback_days,omitempty"`
		// Trigger records who asked for the run: "api" or "schedule".
		Trigger string `json:"trigger"`
	}
	DigestPayload struct {
		WindowDays  int      `json:"window_days,omitempty"`
		District    string   `json:"district,omitempty"`
		Category    string   `json:"category,omitempty"`
		Recipients  []string `json:"recipients,omitempty"`
		RequestedBy string   `json:"requested_by,omitempty"`
	}
)

const (
	TypeTrainModel      TaskType = "train_model"
	TypeRootCauseDigest TaskType = "root_cause_digest"
)

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

const (
	PriorityLow TaskPriority = iota
	PriorityMedium
	PriorityHigh
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func NewTask(taskType TaskType, payload any, priority TaskPriority) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", taskType, err)
	}

	now := time.Now()
	return &Task{
		ID:          uuid.New().String(),
		Type:        taskType,
		Payload:     raw,
		Priority:    priority,
		Status:      StatusPending,
		MaxRetries:  3,
		CreatedAt:   now,
		ScheduledAt: now,
	}, nil
}

// Decode unmarshals the payload into v.
func (t *Task) Decode(v any) error {
	if len(t.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", t.Type, err)
	}

	return nil
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// Exhausted reports whether a failed task has used up its retries.
func (t *Task) Exhausted() bool {
	return t.Status == StatusFailed && t.RetryCount >= t.MaxRetries
}

func TaskFromJSON(data string) (*Task, error) {
	var task Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, err
	}

	return &task, nil
}
