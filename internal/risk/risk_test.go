package risk

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nadmax/slawatch/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	c, err := NewClassifier(DefaultThresholds())
	require.NoError(t, err)

	tests := []struct {
		name  string
		p     float64
		hours float64
		want  Tier
	}{
		{name: "both low", p: 0.1, hours: 2, want: Low},
		{name: "probability medium", p: 0.45, hours: 0, want: Medium},
		{name: "hours medium", p: 0.1, hours: 12, want: Medium},
		{name: "probability high", p: 0.6, hours: 0, want: High},
		{name: "hours critical dominates", p: 0.2, hours: 50, want: Critical},
		{name: "probability critical dominates", p: 0.9, hours: 1, want: Critical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.p, tt.hours))
		})
	}
}

func TestClassifyMonotonic(t *testing.T) {
	c, err := NewClassifier(DefaultThresholds())
	require.NoError(t, err)

	for hours := 0.0; hours <= 60; hours += 3 {
		prev := Low
		for p := 0.0; p <= 1.0; p += 0.01 {
			tier := c.Classify(p, hours)
			assert.GreaterOrEqual(t, tier, prev, "p=%.2f hours=%.0f", p, hours)
			prev = tier
		}
	}

	for p := 0.0; p <= 1.0; p += 0.05 {
		prev := Low
		for hours := 0.0; hours <= 100; hours += 0.5 {
			tier := c.Classify(p, hours)
			assert.GreaterOrEqual(t, tier, prev, "p=%.2f hours=%.1f", p, hours)
			prev = tier
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(th *Thresholds)
		wantErr bool
	}{
		{name: "defaults", mutate: func(th *Thresholds) {}},
		{name: "equal bounds allowed", mutate: func(th *Thresholds) { th.Probability = Ladder{Medium: 0.5, High: 0.5, Critical: 0.5} }},
		{name: "non-monotonic probability", mutate: func(th *Thresholds) { th.Probability.High = 0.9 }, wantErr: true},
		{name: "non-monotonic hours", mutate: func(th *Thresholds) { th.DelayHours.Medium = 30 }, wantErr: true},
		{name: "negative bound", mutate: func(th *Thresholds) { th.DelayHours.Medium = -1 }, wantErr: true},
		{name: "probability above one", mutate: func(th *Thresholds) { th.Probability.Critical = 1.5 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := DefaultThresholds()
			tt.mutate(&th)

			_, err := NewClassifier(th)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, faults.ErrInvalidConfiguration))
		})
	}
}

func TestTierJSON(t *testing.T) {
	data, err := json.Marshal(map[string]Tier{"tier": High})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tier":"HIGH"}`, string(data))

	var decoded map[string]Tier
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, High, decoded["tier"])

	var bad Tier
	assert.Error(t, json.Unmarshal([]byte(`"SEVERE"`), &bad))
}

func TestTierString(t *testing.T) {
	assert.Equal(t, "CRITICAL", Critical.String())
	assert.Equal(t, "Tier(9)", Tier(9).String())

	tier, err := ParseTier("medium")
	require.NoError(t, err)
	assert.Equal(t, Medium, tier)
}
