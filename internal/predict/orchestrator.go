// Package predict scores batches of in-flight requests. The Orchestrator owns the active
// scorer, falls back to the heuristic when no compatible artifact is adopted, and keeps
// per-request failures out of the successful results.
package predict

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/nadmax/slawatch/internal/faults"
	"github.com/nadmax/slawatch/internal/features"
	"github.com/nadmax/slawatch/internal/metrics"
	"github.com/nadmax/slawatch/internal/model"
	"github.com/nadmax/slawatch/internal/risk"
	"github.com/nadmax/slawatch/internal/scorer"
	"github.com/nadmax/slawatch/internal/stats"
	"github.com/nadmax/slawatch/internal/workflow"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// SnapshotSource hands out the current immutable stats snapshot.
type SnapshotSource interface {
	Snapshot() *stats.Snapshot
}

type Config struct {
	Workers     int `yaml:"workers"`
	HorizonDays int `yaml:"horizon_days"`
	// Fallback answers lookups for keys with no history.
	Fallback stats.Stat `yaml:"fallback"`
}

type Active struct {
	ScorerVersion   string         `json:"scorer_version"`
	ArtifactVersion string         `json:"artifact_version,omitempty"`
	Degraded        bool           `json:"degraded"`
	Reason          string         `json:"reason,omitempty"`
	AdoptedAt       time.Time      `json:"adopted_at"`
	Metrics         *model.Metrics `json:"metrics,omitempty"`
}

type selection struct {
	scorer   scorer.Scorer
	artifact *model.Artifact
	info     Active
}

type Orchestrator struct {
	extractor  *features.Extractor
	heuristic  *scorer.Heuristic
	classifier *risk.Classifier
	source     SnapshotSource
	cfg        Config
	active     atomic.Pointer[selection]
	now        func() time.Time
}

// New starts in degraded mode until a compatible artifact is adopted.
func New(ex *features.Extractor, h *scorer.Heuristic, c *risk.Classifier, source SnapshotSource, cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}

	o := &Orchestrator{
		extractor:  ex,
		heuristic:  h,
		classifier: c,
		source:     source,
		cfg:        cfg,
		now:        time.Now,
	}
	o.degrade("no trained artifact adopted")

	return o
}

func (o *Orchestrator) degrade(reason string) {
	o.active.Store(&selection{
		scorer: o.heuristic,
		info: Active{
			ScorerVersion: scorer.HeuristicVersion,
			Degraded:      true,
			Reason:        reason,
			AdoptedAt:     o.now(),
		},
	})
	metrics.SetDegraded(true)

	log.Warn().Str("reason", reason).Msg("prediction running in degraded mode with heuristic scorer")
}

// Adopt makes a the active scorer. A nil artifact, or one trained against a different
// feature schema, activates the heuristic instead; the mismatch is returned.
func (o *Orchestrator) Adopt(a *model.Artifact) error {
	if a == nil {
		o.degrade("no trained artifact available")
		return nil
	}

	if err := a.Compatible(o.extractor.Schema().Fingerprint()); err != nil {
		o.degrade(err.Error())
		return err
	}

	m := a.Metrics
	o.active.Store(&selection{
		scorer:   scorer.NewTrained(a),
		artifact: a,
		info: Active{
			ScorerVersion:   a.Version,
			ArtifactVersion: a.Version,
			AdoptedAt:       o.now(),
			Metrics:         &m,
		},
	})
	metrics.SetDegraded(false)

	log.Info().
		Str("version", a.Version).
		Float64("accuracy", a.Metrics.Accuracy).
		Msg("adopted trained artifact")

	return nil
}

func (o *Orchestrator) Active() Active {
	return o.active.Load().info
}

// Artifact returns the adopted artifact, or nil in degraded mode.
func (o *Orchestrator) Artifact() *model.Artifact {
	return o.active.Load().artifact
}

type outcome struct {
	done    bool
	result  Result
	failure *Failure
}

// Predict scores the open requests that pass filters. The scorer and the stats snapshot
// are fixed for the whole batch. Failed items are reported in Batch.Failures in input
// order. On cancellation the partial batch is returned with the context error.
func (o *Orchestrator) Predict(ctx context.Context, requests []workflow.Request, filters Filters) (*Batch, error) {
	started := time.Now()
	defer func() {
		metrics.RecordPredictionBatch(time.Since(started))
	}()

	sel := o.active.Load()
	snap := o.source.Snapshot()
	fallback := snap.WithDefault(o.cfg.Fallback)
	now := o.now()

	horizon := filters.HorizonDays
	if horizon <= 0 {
		horizon = o.cfg.HorizonDays
	}

	batch := &Batch{
		Status:        StatusOK,
		Results:       []Result{},
		Failures:      []Failure{},
		ScorerVersion: sel.info.ScorerVersion,
		Degraded:      sel.info.Degraded,
		GeneratedAt:   now,
	}

	var eligible []int
	for i, r := range requests {
		if filters.match(r, now, horizon) {
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		batch.Status = StatusNoEligibleRequests
		batch.Summary = summarize(nil, 0, horizon)
		return batch, nil
	}

	outcomes := make([]outcome, len(eligible))
	g := errgroup.Group{}
	g.SetLimit(o.cfg.Workers)
	for pos, idx := range eligible {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcomes[pos] = o.scoreOne(requests[idx], idx, sel, snap, fallback, now)
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		if !out.done {
			continue
		}
		if out.failure != nil {
			batch.Failures = append(batch.Failures, *out.failure)
			metrics.RecordPredictionFailure(string(out.failure.Kind))
			continue
		}
		batch.Results = append(batch.Results, out.result)
		metrics.RecordPrediction(out.result.Tier.String(), out.result.ScorerVersion)
		if out.result.LowConfidence {
			metrics.RecordLowConfidence()
		}
	}
	batch.Summary = summarize(batch.Results, len(batch.Failures), horizon)

	log.Info().
		Int("eligible", len(eligible)).
		Int("scored", len(batch.Results)).
		Int("failed", len(batch.Failures)).
		Str("scorer", batch.ScorerVersion).
		Bool("degraded", batch.Degraded).
		Msg("prediction batch complete")

	if err := ctx.Err(); err != nil {
		return batch, faults.Wrap(faults.Cancelled, "", err)
	}

	return batch, nil
}

func (o *Orchestrator) scoreOne(r workflow.Request, index int, sel *selection, snap, fallback *stats.Snapshot, now time.Time) outcome {
	fail := func(err error) outcome {
		f := failureFrom(r, index, err)
		return outcome{done: true, failure: &f}
	}

	if err := r.Validate(); err != nil {
		return fail(err)
	}

	lowConfidence := false
	v, err := o.extractor.Extract(r, snap, now)
	if errors.Is(err, faults.ErrMissingHistory) {
		lowConfidence = true
		v, err = o.extractor.Extract(r, fallback, now)
	}
	if err != nil {
		return fail(err)
	}

	p, err := sel.scorer.BreachProbability(v)
	if err != nil {
		return fail(err)
	}
	hours, err := sel.scorer.DelayHours(v)
	if err != nil {
		return fail(err)
	}

	expected := r.Deadline()
	schema := o.extractor.Schema()

	return outcome{done: true, result: Result{
		ServiceID:           r.ID,
		ServiceCode:         r.ServiceCode,
		District:            r.District,
		Mandal:              r.Mandal,
		Stage:               r.Stage,
		BreachProbability:   p,
		ExpectedDelayHours:  hours,
		Tier:                o.classifier.Classify(p, hours),
		ScorerVersion:       sel.info.ScorerVersion,
		GeneratedAt:         now,
		ExpectedCompletion:  expected,
		PredictedCompletion: addHours(expected, hours),
		Confidence:          confidence(p, lowConfidence || sel.info.Degraded),
		LowConfidence:       lowConfidence,
		Factors:             contributingFactors(r, v, schema, snap, lowConfidence, sel.info.Degraded),
		UnknownFields:       v.Unknown,
	}}
}
