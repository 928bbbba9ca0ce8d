package scorer

import (
	"math"

	"github.com/nadmax/slawatch/internal/features"
)

const HeuristicVersion = "heuristic-v1"

type HeuristicConfig struct {
	// ProbabilityDecayPerDay controls how fast the breach probability approaches 1
	// for each day a request is already past its SLA.
	ProbabilityDecayPerDay float64 `yaml:"probability_decay_per_day"`
	// DelayScalePerDay inflates the historical mean delay per day past SLA.
	DelayScalePerDay float64 `yaml:"delay_scale_per_day"`
}

func DefaultHeuristicConfig() HeuristicConfig {
	return HeuristicConfig{
		ProbabilityDecayPerDay: 0.1,
		DelayScalePerDay:       0.1,
	}
}

// Heuristic scores from the historical breach rate and mean delay features.
//
//	p = 1 − (1 − rate)·exp(−k_p·daysPast)
//	h = max(mean·(1 + k_h·daysPast), 24·daysPast)
type Heuristic struct {
	schema features.Schema
	cfg    HeuristicConfig
	rate   int
	mean   int
	past   int
}

func NewHeuristic(s features.Schema, cfg HeuristicConfig) *Heuristic {
	return &Heuristic{
		schema: s,
		cfg:    cfg,
		rate:   s.Index(features.HistBreachRate),
		mean:   s.Index(features.HistMeanDelayHours),
		past:   s.Index(features.DaysPastSLA),
	}
}

func (h *Heuristic) daysPast(v features.Vector) float64 {
	d := v.Values[h.past]
	switch {
	case math.IsNaN(d) || d < 0:
		return 0
	case math.IsInf(d, 1):
		return math.MaxFloat64
	}

	return d
}

func (h *Heuristic) BreachProbability(v features.Vector) (float64, error) {
	if err := checkShape(v, h.schema.Fingerprint(), h.schema.Len()); err != nil {
		return 0, err
	}

	rate := ClampProbability(v.Values[h.rate])
	p := 1 - (1-rate)*math.Exp(-h.cfg.ProbabilityDecayPerDay*h.daysPast(v))

	return ClampProbability(p), nil
}

func (h *Heuristic) DelayHours(v features.Vector) (float64, error) {
	if err := checkShape(v, h.schema.Fingerprint(), h.schema.Len()); err != nil {
		return 0, err
	}

	past := h.daysPast(v)
	mean := ClampHours(v.Values[h.mean])
	scaled := mean * (1 + h.cfg.DelayScalePerDay*past)

	return ClampHours(math.Max(scaled, 24*past)), nil
}
