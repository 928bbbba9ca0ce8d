// Package scorer provides the delay-scoring capability and its two variants: a trained
// scorer backed by a model artifact and a heuristic fallback computed from the historical
// features directly.
package scorer

import (
	"math"

	"github.com/nadmax/slawatch/internal/faults"
	"github.com/nadmax/slawatch/internal/features"
	"github.com/nadmax/slawatch/internal/model"
)

// Scorer is implemented by every scoring backend. Outputs are always clamped:
// probability to [0,1], delay hours to [0,+Inf).
type Scorer interface {
	BreachProbability(v features.Vector) (float64, error)
	DelayHours(v features.Vector) (float64, error)
}

func ClampProbability(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

func ClampHours(h float64) float64 {
	switch {
	case math.IsNaN(h), h < 0:
		return 0
	case math.IsInf(h, 1):
		return math.MaxFloat64
	default:
		return h
	}
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)

	return e / (1 + e)
}

func checkShape(v features.Vector, fingerprint string, width int) error {
	if v.Fingerprint != fingerprint || len(v.Values) != width {
		return faults.New(faults.SchemaMismatch, v.Fingerprint,
			"vector has %d values for schema %s, want %d for %s", len(v.Values), v.Fingerprint, width, fingerprint)
	}

	return nil
}

type Trained struct {
	artifact *model.Artifact
}

func NewTrained(a *model.Artifact) *Trained {
	return &Trained{artifact: a}
}

func (t *Trained) Artifact() *model.Artifact {
	return t.artifact
}

func (t *Trained) BreachProbability(v features.Vector) (float64, error) {
	if err := checkShape(v, t.artifact.SchemaFingerprint, len(t.artifact.FeatureNames)); err != nil {
		return 0, err
	}

	return ClampProbability(sigmoid(t.artifact.Classifier.Score(v.Values))), nil
}

func (t *Trained) DelayHours(v features.Vector) (float64, error) {
	if err := checkShape(v, t.artifact.SchemaFingerprint, len(t.artifact.FeatureNames)); err != nil {
		return 0, err
	}

	return ClampHours(t.artifact.Regressor.Score(v.Values)), nil
}
