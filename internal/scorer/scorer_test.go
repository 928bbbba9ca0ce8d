package scorer

import (
	"errors"
	"math"
	"testing"

	"github.com/nadmax/slawatch/internal/faults"
	"github.com/nadmax/slawatch/internal/features"
	"github.com/nadmax/slawatch/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vector(s features.Schema, set map[string]float64) features.Vector {
	values := make([]float64, s.Len())
	for name, v := range set {
		values[s.Index(name)] = v
	}

	return features.Vector{Fingerprint: s.Fingerprint(), Values: values}
}

func trainedArtifact(s features.Schema, weight, bias float64) *model.Artifact {
	head := func() model.LinearHead {
		h := model.LinearHead{
			Weights: make([]float64, s.Len()),
			Means:   make([]float64, s.Len()),
			Scales:  make([]float64, s.Len()),
			Bias:    bias,
		}
		for i := range h.Weights {
			h.Weights[i] = weight
			h.Scales[i] = 1
		}
		return h
	}

	return &model.Artifact{
		Version:           "v-test",
		SchemaVersion:     s.Version,
		SchemaFingerprint: s.Fingerprint(),
		FeatureNames:      s.Fields,
		Classifier:        head(),
		Regressor:         head(),
	}
}

var adversarial = []float64{0, 1, -1, 1e308, -1e308, math.Inf(1), math.Inf(-1), math.NaN(), 1e-300}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, ClampProbability(math.NaN()))
	assert.Equal(t, 0.0, ClampProbability(-0.1))
	assert.Equal(t, 1.0, ClampProbability(math.Inf(1)))
	assert.Equal(t, 0.3, ClampProbability(0.3))

	assert.Equal(t, 0.0, ClampHours(math.NaN()))
	assert.Equal(t, 0.0, ClampHours(-5))
	assert.Equal(t, math.MaxFloat64, ClampHours(math.Inf(1)))
	assert.Equal(t, 12.5, ClampHours(12.5))
}

func TestOutputsAlwaysInRange(t *testing.T) {
	s := features.Default()
	scorers := map[string]Scorer{
		"heuristic":        NewHeuristic(s, DefaultHeuristicConfig()),
		"trained positive": NewTrained(trainedArtifact(s, 3, 1)),
		"trained negative": NewTrained(trainedArtifact(s, -3, -1)),
	}

	for name, sc := range scorers {
		t.Run(name, func(t *testing.T) {
			for _, a := range adversarial {
				for _, b := range adversarial {
					v := features.Vector{Fingerprint: s.Fingerprint(), Values: make([]float64, s.Len())}
					for i := range v.Values {
						if i%2 == 0 {
							v.Values[i] = a
						} else {
							v.Values[i] = b
						}
					}

					p, err := sc.BreachProbability(v)
					require.NoError(t, err)
					assert.GreaterOrEqual(t, p, 0.0)
					assert.LessOrEqual(t, p, 1.0)

					h, err := sc.DelayHours(v)
					require.NoError(t, err)
					assert.GreaterOrEqual(t, h, 0.0)
					assert.False(t, math.IsNaN(h))
				}
			}
		})
	}
}

func TestHeuristicPastDueScenario(t *testing.T) {
	s := features.Default()
	h := NewHeuristic(s, DefaultHeuristicConfig())

	v := vector(s, map[string]float64{
		features.DaysSinceSubmission: 10,
		features.SLADays:             7,
		features.DaysPastSLA:         3,
		features.HistBreachRate:      0.6,
		features.HistMeanDelayHours:  48,
	})

	p, err := h.BreachProbability(v)
	require.NoError(t, err)
	assert.Greater(t, p, 0.6)
	assert.InDelta(t, 1-0.4*math.Exp(-0.3), p, 1e-12)

	hours, err := h.DelayHours(v)
	require.NoError(t, err)
	assert.Greater(t, hours, 48.0)
	assert.InDelta(t, 72.0, hours, 1e-12)
}

func TestHeuristicNotPastDue(t *testing.T) {
	s := features.Default()
	h := NewHeuristic(s, DefaultHeuristicConfig())

	v := vector(s, map[string]float64{
		features.DaysSinceSubmission: 2,
		features.SLADays:             7,
		features.HistBreachRate:      0.25,
		features.HistMeanDelayHours:  30,
	})

	p, err := h.BreachProbability(v)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, p, 1e-12)

	hours, err := h.DelayHours(v)
	require.NoError(t, err)
	assert.InDelta(t, 30.0, hours, 1e-12)
}

func TestHeuristicMonotonicInDaysPast(t *testing.T) {
	s := features.Default()
	h := NewHeuristic(s, DefaultHeuristicConfig())

	prevP, prevH := -1.0, -1.0
	for d := 0.0; d <= 30; d++ {
		v := vector(s, map[string]float64{features.DaysPastSLA: d, features.HistBreachRate: 0.4, features.HistMeanDelayHours: 20})
		p, _ := h.BreachProbability(v)
		hours, _ := h.DelayHours(v)

		assert.GreaterOrEqual(t, p, prevP)
		assert.GreaterOrEqual(t, hours, prevH)
		prevP, prevH = p, hours
	}
}

func TestShapeMismatch(t *testing.T) {
	s := features.Default()
	scorers := []Scorer{NewHeuristic(s, DefaultHeuristicConfig()), NewTrained(trainedArtifact(s, 1, 0))}

	truncated := features.Vector{Fingerprint: s.Fingerprint(), Values: []float64{1, 2}}
	foreign := features.Vector{Fingerprint: "other", Values: make([]float64, s.Len())}

	for _, sc := range scorers {
		for _, v := range []features.Vector{truncated, foreign} {
			_, err := sc.BreachProbability(v)
			assert.True(t, errors.Is(err, faults.ErrSchemaMismatch))

			_, err = sc.DelayHours(v)
			assert.True(t, errors.Is(err, faults.ErrSchemaMismatch))
		}
	}
}

func TestTrainedScores(t *testing.T) {
	s := features.Default()
	tr := NewTrained(trainedArtifact(s, 0, 2))

	v := vector(s, nil)
	p, err := tr.BreachProbability(v)
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(-2)), p, 1e-12)

	hours, err := tr.DelayHours(v)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, hours, 1e-12)
	assert.Equal(t, "v-test", tr.Artifact().Version)
}
