package trainer

import (
	"math"

	"github.com/nadmax/slawatch/internal/model"
	"github.com/nadmax/slawatch/internal/scorer"
)

const breachThreshold = 0.5

// Evaluate scores the held-out examples with the artifact's heads.
// Accuracy, precision, recall and F1 use a 0.5 probability threshold.
func Evaluate(a *model.Artifact, test []Example) model.Metrics {
	m := model.Metrics{HeldOut: len(test)}
	if len(test) == 0 {
		return m
	}

	sc := scorer.NewTrained(a)

	var tp, fp, tn, fn int
	var absErr, mean float64
	for _, ex := range test {
		mean += ex.DelayHours / float64(len(test))
	}

	var ssRes, ssTot float64
	for _, ex := range test {
		p, err := sc.BreachProbability(ex.Features)
		if err != nil {
			p = 0
		}
		h, err := sc.DelayHours(ex.Features)
		if err != nil {
			h = 0
		}

		predicted := p >= breachThreshold
		switch {
		case predicted && ex.Breached:
			tp++
		case predicted && !ex.Breached:
			fp++
		case !predicted && ex.Breached:
			fn++
		default:
			tn++
		}

		absErr += math.Abs(h - ex.DelayHours)
		ssRes += (h - ex.DelayHours) * (h - ex.DelayHours)
		ssTot += (ex.DelayHours - mean) * (ex.DelayHours - mean)
	}

	n := float64(len(test))
	m.Accuracy = float64(tp+tn) / n
	if tp+fp > 0 {
		m.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		m.Recall = float64(tp) / float64(tp+fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	m.MeanAbsoluteError = absErr / n
	if ssTot > 0 {
		m.R2 = 1 - ssRes/ssTot
	}

	return m
}
