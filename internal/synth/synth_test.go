package synth

import (
	"testing"

	"github.com/nadmax/slawatch/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 200

	a := Generate(cfg)
	b := Generate(cfg)
	require.Len(t, a, 200)
	assert.Equal(t, a, b)

	cfg.Seed = 7
	assert.NotEqual(t, a, Generate(cfg))
}

func TestGenerateValidRecords(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 500
	cfg.OpenRatio = 0.2

	var open, closed, breached int
	for _, r := range Generate(cfg) {
		require.NoError(t, r.Validate(), r.ID)
		require.NotEmpty(t, r.History)

		switch r.Status {
		case workflow.StatusOpen:
			open++
			assert.Nil(t, r.History[len(r.History)-1].ExitedAt)
			assert.Equal(t, r.Stage, r.History[len(r.History)-1].Stage)
		case workflow.StatusClosed:
			closed++
			require.NotNil(t, r.CompletedAt)
			assert.Equal(t, "DELIVERED", r.Stage)
			if r.Breached(*r.CompletedAt) {
				breached++
			}
		}
	}

	assert.Greater(t, open, 0)
	assert.Greater(t, closed, 0)
	rate := float64(breached) / float64(closed)
	assert.Greater(t, rate, 0.15)
	assert.Less(t, rate, 0.6)
}

func TestBottleneckAbsorbsDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 300
	cfg.OpenRatio = 0

	for _, r := range Generate(cfg) {
		if !r.Breached(*r.CompletedAt) {
			continue
		}

		longest := r.History[0]
		for _, ev := range r.History[1:] {
			if ev.Residency(*r.CompletedAt) > longest.Residency(*r.CompletedAt) {
				longest = ev
			}
		}
		if r.DelayHours(*r.CompletedAt) > 24*float64(r.SLADays) {
			assert.Equal(t, cfg.BottleneckStage, longest.Stage, r.ID)
		}
	}
}
