// Package model defines the versioned, immutable artifact produced by training and
// consumed by the trained scorer.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/nadmax/slawatch/internal/faults"
)

const (
	AlgorithmLinear = "logistic+linear"
)

type (
	// LinearHead is an affine map over standardized inputs: Bias + Σ w_i·(x_i−μ_i)/σ_i.
	LinearHead struct {
		Weights []float64 `json:"weights"`
		Bias    float64   `json:"bias"`
		Means   []float64 `json:"means"`
		Scales  []float64 `json:"scales"`
	}
	Metrics struct {
		Accuracy          float64 `json:"accuracy"`
		Precision         float64 `json:"precision"`
		Recall            float64 `json:"recall"`
		F1                float64 `json:"f1_score"`
		MeanAbsoluteError float64 `json:"mean_absolute_error"`
		R2                float64 `json:"r2_score"`
		HeldOut           int     `json:"held_out"`
	}
	Artifact struct {
		Version           string     `json:"version"`
		TrainedAt         time.Time  `json:"trained_at"`
		Algorithm         string     `json:"algorithm"`
		SchemaVersion     int        `json:"schema_version"`
		SchemaFingerprint string     `json:"schema_fingerprint"`
		FeatureNames      []string   `json:"feature_names"`
		Classifier        LinearHead `json:"classifier"`
		Regressor         LinearHead `json:"regressor"`
		Metrics           Metrics    `json:"metrics"`
		TrainingRows      int        `json:"training_rows"`
		Seed              int64      `json:"seed"`
	}
)

// Score evaluates the head on x. Returns NaN when x does not match the head's width.
func (h LinearHead) Score(x []float64) float64 {
	if len(x) != len(h.Weights) || len(h.Means) != len(x) || len(h.Scales) != len(x) {
		return math.NaN()
	}

	z := h.Bias
	for i, v := range x {
		scale := h.Scales[i]
		if scale == 0 {
			scale = 1
		}
		z += h.Weights[i] * (v - h.Means[i]) / scale
	}

	return z
}

// Compatible reports a SchemaMismatch fault unless the artifact was trained against
// the feature schema identified by fingerprint.
func (a *Artifact) Compatible(fingerprint string) error {
	if a.SchemaFingerprint != fingerprint {
		return faults.New(faults.SchemaMismatch, a.Version, "artifact fingerprint %s, current schema %s", a.SchemaFingerprint, fingerprint)
	}
	if len(a.Classifier.Weights) != len(a.FeatureNames) || len(a.Regressor.Weights) != len(a.FeatureNames) {
		return faults.New(faults.SchemaMismatch, a.Version, "head width does not match %d features", len(a.FeatureNames))
	}

	return nil
}

func (a *Artifact) ToJSON() ([]byte, error) {
	return json.Marshal(a)
}

func ArtifactFromJSON(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	if a.Version == "" {
		return nil, fmt.Errorf("failed to decode artifact: missing version")
	}

	return &a, nil
}
