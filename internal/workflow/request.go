// Package workflow defines the citizen-service request records consumed by the engine:
// the request snapshot, its stage history, and the SLA arithmetic derived from them.
package workflow

import (
	"time"

	"github.com/nadmax/slawatch/internal/faults"
)

type (
	Status  string
	Request struct {
		ID             string       `json:"service_id"`
		ServiceCode    string       `json:"service_code"`
		ServiceName    string       `json:"service_name,omitempty"`
		Category       string       `json:"category"`
		District       string       `json:"district"`
		Mandal         string       `json:"mandal"`
		SubmittedAt    time.Time    `json:"submitted_at"`
		Stage          string       `json:"current_stage"`
		StageEnteredAt time.Time    `json:"stage_entered_at"`
		SLADays        int          `json:"sla_days"`
		Status         Status       `json:"status"`
		CompletedAt    *time.Time   `json:"completed_at,omitempty"`
		History        []StageEvent `json:"history,omitempty"`
	}
	StageEvent struct {
		RequestID string     `json:"service_id"`
		Stage     string     `json:"stage"`
		EnteredAt time.Time  `json:"entered_at"`
		ExitedAt  *time.Time `json:"exited_at,omitempty"`
	}
)

const (
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// Stages is the canonical order of the revenue-service workflow.
var Stages = []string{
	"APPLICATION",
	"VRO",
	"REVENUE_INSPECTOR",
	"TAHSILDAR",
	"FINAL_PROCESSING",
	"DELIVERED",
}

func (r Request) Deadline() time.Time {
	return r.SubmittedAt.Add(time.Duration(r.SLADays) * 24 * time.Hour)
}

// DelayHours is the time past the SLA deadline, using the completion time for
// closed requests and asOf otherwise. Never negative.
func (r Request) DelayHours(asOf time.Time) float64 {
	end := asOf
	if r.Status == StatusClosed && r.CompletedAt != nil {
		end = *r.CompletedAt
	}

	hours := end.Sub(r.Deadline()).Hours()
	if hours < 0 {
		return 0
	}

	return hours
}

func (r Request) Breached(asOf time.Time) bool {
	return r.DelayHours(asOf) > 0
}

// TATHours is the turn-around time of a closed request, or zero when still open.
func (r Request) TATHours() float64 {
	if r.CompletedAt == nil {
		return 0
	}

	return r.CompletedAt.Sub(r.SubmittedAt).Hours()
}

func (r Request) Validate() error {
	switch {
	case r.ID == "":
		return faults.New(faults.MalformedRecord, "", "missing service id")
	case r.SubmittedAt.IsZero():
		return faults.New(faults.MalformedRecord, r.ID, "missing submission timestamp")
	case r.SLADays <= 0:
		return faults.New(faults.MalformedRecord, r.ID, "sla_days must be positive, got %d", r.SLADays)
	case !r.StageEnteredAt.IsZero() && r.StageEnteredAt.Before(r.SubmittedAt):
		return faults.New(faults.MalformedRecord, r.ID, "stage entered at %s before submission %s",
			r.StageEnteredAt.Format(time.RFC3339), r.SubmittedAt.Format(time.RFC3339))
	case r.CompletedAt != nil && r.CompletedAt.Before(r.SubmittedAt):
		return faults.New(faults.MalformedRecord, r.ID, "completed before submission")
	}

	for _, ev := range r.History {
		if ev.EnteredAt.IsZero() {
			return faults.New(faults.MalformedRecord, r.ID, "stage %s has no entry timestamp", ev.Stage)
		}
		if ev.ExitedAt != nil && ev.ExitedAt.Before(ev.EnteredAt) {
			return faults.New(faults.MalformedRecord, r.ID, "stage %s exits before it is entered", ev.Stage)
		}
	}

	return nil
}

// Residency is how long the request stayed in the stage, measured to asOf while still active.
func (e StageEvent) Residency(asOf time.Time) time.Duration {
	end := asOf
	if e.ExitedAt != nil {
		end = *e.ExitedAt
	}

	d := end.Sub(e.EnteredAt)
	if d < 0 {
		return 0
	}

	return d
}
