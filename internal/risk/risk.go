// Package risk maps predicted breach probability and delay magnitude to an ordered risk tier.
package risk

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nadmax/slawatch/internal/faults"
)

type Tier int

const (
	Low Tier = iota
	Medium
	High
	Critical
)

var tierNames = [...]string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

var Tiers = []Tier{Low, Medium, High, Critical}

func (t Tier) String() string {
	if t < Low || t > Critical {
		return fmt.Sprintf("Tier(%d)", int(t))
	}

	return tierNames[t]
}

func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if strings.EqualFold(s, name) {
			return Tier(i), nil
		}
	}

	return Low, fmt.Errorf("unknown risk tier %q", s)
}

func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Tier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed

	return nil
}

// Ladder holds the lower bound of each tier above LOW.
type Ladder struct {
	Medium   float64 `yaml:"medium" json:"medium"`
	High     float64 `yaml:"high" json:"high"`
	Critical float64 `yaml:"critical" json:"critical"`
}

func (l Ladder) tier(v float64) Tier {
	switch {
	case v >= l.Critical:
		return Critical
	case v >= l.High:
		return High
	case v >= l.Medium:
		return Medium
	default:
		return Low
	}
}

func (l Ladder) validate(name string, max float64) error {
	if l.Medium < 0 {
		return faults.New(faults.InvalidConfiguration, name+".medium", "lower bound must be non-negative, got %g", l.Medium)
	}
	if l.Medium > l.High || l.High > l.Critical {
		return faults.New(faults.InvalidConfiguration, name, "thresholds must be monotonic, got medium=%g high=%g critical=%g", l.Medium, l.High, l.Critical)
	}
	if l.Critical > max {
		return faults.New(faults.InvalidConfiguration, name+".critical", "lower bound must not exceed %g, got %g", max, l.Critical)
	}

	return nil
}

type Thresholds struct {
	Probability Ladder `yaml:"probability" json:"probability"`
	DelayHours  Ladder `yaml:"delay_hours" json:"delay_hours"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Probability: Ladder{Medium: 0.40, High: 0.60, Critical: 0.75},
		DelayHours:  Ladder{Medium: 12, High: 24, Critical: 48},
	}
}

func (t Thresholds) Validate() error {
	if err := t.Probability.validate("risk.probability", 1); err != nil {
		return err
	}

	return t.DelayHours.validate("risk.delay_hours", 1e9)
}

type Classifier struct {
	thresholds Thresholds
}

// NewClassifier validates t once; Classify never re-checks it.
func NewClassifier(t Thresholds) (*Classifier, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	return &Classifier{thresholds: t}, nil
}

// Classify returns the higher of the probability tier and the delay tier.
func (c *Classifier) Classify(probability, delayHours float64) Tier {
	p := c.thresholds.Probability.tier(probability)
	h := c.thresholds.DelayHours.tier(delayHours)
	if h > p {
		return h
	}

	return p
}

func (c *Classifier) Thresholds() Thresholds {
	return c.thresholds
}
