package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/nadmax/slawatch/internal/faults"
	"github.com/stretchr/testify/assert"
)

func TestDelayHours(t *testing.T) {
	submitted := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	completed := submitted.Add(9 * 24 * time.Hour)

	t.Run("closed past deadline", func(t *testing.T) {
		r := Request{SubmittedAt: submitted, SLADays: 7, Status: StatusClosed, CompletedAt: &completed}

		assert.InDelta(t, 48.0, r.DelayHours(submitted.Add(30*24*time.Hour)), 1e-9)
		assert.True(t, r.Breached(time.Time{}))
		assert.InDelta(t, 216.0, r.TATHours(), 1e-9)
	})

	t.Run("open within deadline", func(t *testing.T) {
		r := Request{SubmittedAt: submitted, SLADays: 7, Status: StatusOpen}

		assert.Equal(t, 0.0, r.DelayHours(submitted.Add(24*time.Hour)))
		assert.False(t, r.Breached(submitted.Add(24*time.Hour)))
		assert.Equal(t, 0.0, r.TATHours())
	})

	t.Run("open past deadline uses asOf", func(t *testing.T) {
		r := Request{SubmittedAt: submitted, SLADays: 7, Status: StatusOpen}

		assert.InDelta(t, 72.0, r.DelayHours(submitted.Add(10*24*time.Hour)), 1e-9)
	})
}

func TestValidate(t *testing.T) {
	submitted := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	before := submitted.Add(-time.Hour)

	valid := Request{
		ID:             "SRV-1",
		SubmittedAt:    submitted,
		StageEnteredAt: submitted.Add(time.Hour),
		SLADays:        7,
		Status:         StatusOpen,
	}

	tests := []struct {
		name    string
		mutate  func(r *Request)
		wantErr bool
	}{
		{name: "valid", mutate: func(r *Request) {}},
		{name: "missing id", mutate: func(r *Request) { r.ID = "" }, wantErr: true},
		{name: "zero submission", mutate: func(r *Request) { r.SubmittedAt = time.Time{} }, wantErr: true},
		{name: "non-positive sla", mutate: func(r *Request) { r.SLADays = 0 }, wantErr: true},
		{name: "stage before submission", mutate: func(r *Request) { r.StageEnteredAt = before }, wantErr: true},
		{name: "completed before submission", mutate: func(r *Request) { r.CompletedAt = &before }, wantErr: true},
		{
			name: "history exit before entry",
			mutate: func(r *Request) {
				r.History = []StageEvent{{Stage: "VRO", EnteredAt: submitted, ExitedAt: &before}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)

			err := r.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, faults.ErrMalformedRecord))
		})
	}
}

func TestResidency(t *testing.T) {
	entered := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	exited := entered.Add(36 * time.Hour)

	assert.Equal(t, 36*time.Hour, StageEvent{EnteredAt: entered, ExitedAt: &exited}.Residency(entered))
	assert.Equal(t, 5*time.Hour, StageEvent{EnteredAt: entered}.Residency(entered.Add(5*time.Hour)))
	assert.Equal(t, time.Duration(0), StageEvent{EnteredAt: entered}.Residency(entered.Add(-time.Hour)))
}
