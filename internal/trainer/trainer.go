// Package trainer fits the two scoring heads against labeled history and evaluates them on a
// deterministic held-out partition. Each successful run yields a new model.Artifact.
package trainer

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/slawatch/internal/faults"
	"github.com/nadmax/slawatch/internal/features"
	"github.com/nadmax/slawatch/internal/model"
	"github.com/rs/zerolog/log"
)

type Example struct {
	Features   features.Vector
	Breached   bool
	DelayHours float64
}

type Config struct {
	Seed         int64   `yaml:"seed"`
	HoldoutRatio float64 `yaml:"holdout_ratio"`
	// MinRows is the absolute floor; the row count must also exceed the feature count.
	MinRows      int     `yaml:"min_rows"`
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learning_rate"`
	L2           float64 `yaml:"l2"`
}

func DefaultConfig() Config {
	return Config{
		Seed:         42,
		HoldoutRatio: 0.2,
		MinRows:      50,
		Epochs:       400,
		LearningRate: 0.1,
		L2:           0.001,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MinRows <= 0:
		return faults.New(faults.InvalidConfiguration, "training.min_rows", "must be positive, got %d", c.MinRows)
	case c.HoldoutRatio <= 0 || c.HoldoutRatio >= 1:
		return faults.New(faults.InvalidConfiguration, "training.holdout_ratio", "must be in (0,1), got %g", c.HoldoutRatio)
	case c.Epochs <= 0:
		return faults.New(faults.InvalidConfiguration, "training.epochs", "must be positive, got %d", c.Epochs)
	case c.LearningRate <= 0:
		return faults.New(faults.InvalidConfiguration, "training.learning_rate", "must be positive, got %g", c.LearningRate)
	case c.L2 < 0:
		return faults.New(faults.InvalidConfiguration, "training.l2", "must be non-negative, got %g", c.L2)
	}

	return nil
}

type Trainer struct {
	cfg    Config
	schema features.Schema
	now    func() time.Time
}

func New(cfg Config, s features.Schema) *Trainer {
	return &Trainer{cfg: cfg, schema: s, now: time.Now}
}

// Train fits a fresh artifact. It returns InsufficientData when the dataset is below
// the configured floor, not wider than the feature count, or lacks either label class.
func (t *Trainer) Train(ctx context.Context, data []Example) (*model.Artifact, error) {
	if err := t.checkDataset(data); err != nil {
		return nil, err
	}

	started := t.now()
	trainIdx, testIdx := Split(len(data), t.cfg.HoldoutRatio, t.cfg.Seed)

	xs := make([][]float64, len(trainIdx))
	labels := make([]float64, len(trainIdx))
	targets := make([]float64, len(trainIdx))
	for i, idx := range trainIdx {
		xs[i] = data[idx].Features.Values
		if data[idx].Breached {
			labels[i] = 1
		}
		targets[i] = data[idx].DelayHours
	}

	means, scales := standardize(xs, t.schema.Len())

	classifier, err := fit(ctx, xs, labels, means, scales, t.cfg, true)
	if err != nil {
		return nil, err
	}
	regressor, err := fit(ctx, xs, targets, means, scales, t.cfg, false)
	if err != nil {
		return nil, err
	}

	a := &model.Artifact{
		Version:           newVersion(started),
		TrainedAt:         started.UTC(),
		Algorithm:         model.AlgorithmLinear,
		SchemaVersion:     t.schema.Version,
		SchemaFingerprint: t.schema.Fingerprint(),
		FeatureNames:      append([]string(nil), t.schema.Fields...),
		Classifier:        classifier,
		Regressor:         regressor,
		TrainingRows:      len(trainIdx),
		Seed:              t.cfg.Seed,
	}

	test := make([]Example, len(testIdx))
	for i, idx := range testIdx {
		test[i] = data[idx]
	}
	a.Metrics = Evaluate(a, test)

	log.Info().
		Str("version", a.Version).
		Int("train_rows", len(trainIdx)).
		Int("held_out", len(testIdx)).
		Float64("accuracy", a.Metrics.Accuracy).
		Float64("mae_hours", a.Metrics.MeanAbsoluteError).
		Msg("model trained")

	return a, nil
}

func (t *Trainer) checkDataset(data []Example) error {
	if len(data) < t.cfg.MinRows {
		return faults.New(faults.InsufficientData, "", "have %d rows, need at least %d", len(data), t.cfg.MinRows)
	}
	if len(data) <= t.schema.Len() {
		return faults.New(faults.InsufficientData, "", "have %d rows, need more than %d features", len(data), t.schema.Len())
	}

	var breached int
	for i, ex := range data {
		if ex.Features.Fingerprint != t.schema.Fingerprint() || len(ex.Features.Values) != t.schema.Len() {
			return faults.New(faults.SchemaMismatch, fmt.Sprintf("row=%d", i), "example does not match schema %s", t.schema.Fingerprint())
		}
		if ex.Breached {
			breached++
		}
	}
	if breached == 0 || breached == len(data) {
		return faults.New(faults.InsufficientData, "", "need both breached and non-breached examples, have %d of %d breached", breached, len(data))
	}

	return nil
}

// Split returns a seeded, deterministic train/held-out partition of n row indices.
// The held-out side always gets at least one row and leaves at least one for training.
func Split(n int, ratio float64, seed int64) ([]int, []int) {
	perm := rand.New(rand.NewSource(seed)).Perm(n)

	held := int(math.Round(float64(n) * ratio))
	if held < 1 {
		held = 1
	}
	if held > n-1 {
		held = n - 1
	}

	return perm[held:], perm[:held]
}

func standardize(xs [][]float64, width int) ([]float64, []float64) {
	means := make([]float64, width)
	scales := make([]float64, width)
	n := float64(len(xs))

	for _, x := range xs {
		for j, v := range x {
			means[j] += v / n
		}
	}
	for _, x := range xs {
		for j, v := range x {
			d := v - means[j]
			scales[j] += d * d / n
		}
	}
	for j := range scales {
		scales[j] = math.Sqrt(scales[j])
		if scales[j] < 1e-12 {
			scales[j] = 1
		}
	}

	return means, scales
}

// fit runs batch gradient descent with an L2 penalty. logistic selects the log-loss
// gradient; otherwise squared error. Cancellation is checked between epochs.
func fit(ctx context.Context, xs [][]float64, ys []float64, means, scales []float64, cfg Config, logistic bool) (model.LinearHead, error) {
	width := len(means)
	n := float64(len(xs))

	z := make([][]float64, len(xs))
	for i, x := range xs {
		z[i] = make([]float64, width)
		for j, v := range x {
			z[i][j] = (v - means[j]) / scales[j]
		}
	}

	w := make([]float64, width)
	var bias float64
	if !logistic {
		for _, y := range ys {
			bias += y / n
		}
	}

	grad := make([]float64, width)
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return model.LinearHead{}, faults.Wrap(faults.Cancelled, fmt.Sprintf("epoch=%d", epoch), err)
		}

		for j := range grad {
			grad[j] = 0
		}
		var gradBias float64

		for i, row := range z {
			pred := bias
			for j, v := range row {
				pred += w[j] * v
			}
			if logistic {
				pred = 1 / (1 + math.Exp(-pred))
			}

			diff := pred - ys[i]
			for j, v := range row {
				grad[j] += diff * v / n
			}
			gradBias += diff / n
		}

		for j := range w {
			w[j] -= cfg.LearningRate * (grad[j] + cfg.L2*w[j])
		}
		bias -= cfg.LearningRate * gradBias
	}

	return model.LinearHead{
		Weights: w,
		Bias:    bias,
		Means:   append([]float64(nil), means...),
		Scales:  append([]float64(nil), scales...),
	}, nil
}

func newVersion(at time.Time) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")

	return "v" + at.UTC().Format("20060102T150405Z") + "-" + id[:8]
}
