// Package synth generates deterministic, realistic request histories for seeding a
// database and for tests.
package synth

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/nadmax/slawatch/internal/features"
	"github.com/nadmax/slawatch/internal/workflow"
)

type Config struct {
	Seed  int64
	Count int
	// End is the as-of instant; closed submissions spread over SpanDays before it.
	End       time.Time
	SpanDays  int
	DelayRate float64
	// OpenRatio is the share of requests still in flight at End.
	OpenRatio float64
	// BottleneckStage absorbs the delay of late requests.
	BottleneckStage string
	// HotDistrict has its delay rate scaled by HotDistrictFactor.
	HotDistrict       string
	HotDistrictFactor float64
}

func DefaultConfig() Config {
	return Config{
		Seed:              42,
		Count:             1000,
		End:               time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		SpanDays:          365,
		DelayRate:         0.25,
		OpenRatio:         0.1,
		BottleneckStage:   "VRO",
		HotDistrict:       "Visakhapatnam",
		HotDistrictFactor: 2,
	}
}

var (
	slaChoices = []int{3, 7, 15}
	slaWeights = []float64{0.1, 0.7, 0.2}
)

type generator struct {
	cfg    Config
	rng    *rand.Rand
	tables map[string][]string
}

// Generate returns cfg.Count requests; equal configs yield equal output.
func Generate(cfg Config) []workflow.Request {
	g := &generator{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		tables: features.Default().Tables,
	}

	out := make([]workflow.Request, 0, cfg.Count)
	for i := 0; i < cfg.Count; i++ {
		r := g.base(i)
		if g.rng.Float64() < cfg.OpenRatio {
			g.open(&r)
		} else {
			g.closed(&r)
		}
		out = append(out, r)
	}

	return out
}

func (g *generator) pick(table string) string {
	values := g.tables[table]
	return values[g.rng.Intn(len(values))]
}

func (g *generator) sla() int {
	x := g.rng.Float64()
	for i, w := range slaWeights {
		if x < w {
			return slaChoices[i]
		}
		x -= w
	}

	return slaChoices[len(slaChoices)-1]
}

func (g *generator) base(i int) workflow.Request {
	return workflow.Request{
		ID:          fmt.Sprintf("SRV-%d-%06d", g.cfg.End.Year(), i),
		ServiceCode: g.pick(features.TableService),
		ServiceName: fmt.Sprintf("Service %d", i),
		Category:    g.pick(features.TableCategory),
		District:    g.pick(features.TableDistrict),
		Mandal:      g.pick(features.TableMandal),
		SLADays:     g.sla(),
	}
}

// residencies splits total across all stages except the terminal one.
func (g *generator) residencies(total time.Duration) []time.Duration {
	n := len(workflow.Stages) - 1
	weights := make([]float64, n)
	var sum float64
	for i := range weights {
		weights[i] = 0.5 + g.rng.Float64()
		sum += weights[i]
	}

	out := make([]time.Duration, n)
	var used time.Duration
	for i := range out {
		if i == n-1 {
			out[i] = total - used
			break
		}
		out[i] = time.Duration(float64(total) * weights[i] / sum)
		used += out[i]
	}

	return out
}

func (g *generator) closed(r *workflow.Request) {
	span := g.cfg.SpanDays
	if span <= 0 {
		span = 1
	}
	r.SubmittedAt = g.cfg.End.Add(-time.Duration(span+30) * 24 * time.Hour).
		Add(time.Duration(g.rng.Intn(span*24)) * time.Hour)

	rate := g.cfg.DelayRate
	if r.District == g.cfg.HotDistrict && g.cfg.HotDistrictFactor > 0 {
		rate = math.Min(0.9, rate*g.cfg.HotDistrictFactor)
	}

	sla := time.Duration(r.SLADays) * 24 * time.Hour
	onTime := sla - time.Duration(g.rng.Intn(24)+1)*time.Hour
	var delay time.Duration
	if g.rng.Float64() < rate {
		delay = sla - onTime + time.Duration((g.rng.ExpFloat64()*2*24+1)*float64(time.Hour))
	}

	res := g.residencies(onTime)
	at := r.SubmittedAt
	for i, d := range res {
		stage := workflow.Stages[i]
		if stage == g.cfg.BottleneckStage {
			d += delay
		}
		exit := at.Add(d)
		r.History = append(r.History, workflow.StageEvent{RequestID: r.ID, Stage: stage, EnteredAt: at, ExitedAt: &exit})
		at = exit
	}

	done := at
	terminal := workflow.Stages[len(workflow.Stages)-1]
	r.History = append(r.History, workflow.StageEvent{RequestID: r.ID, Stage: terminal, EnteredAt: done, ExitedAt: &done})
	r.Stage = terminal
	r.StageEnteredAt = done
	r.Status = workflow.StatusClosed
	r.CompletedAt = &done
}

func (g *generator) open(r *workflow.Request) {
	elapsed := time.Duration(g.rng.Intn((r.SLADays+5)*24)+1) * time.Hour
	r.SubmittedAt = g.cfg.End.Add(-elapsed)
	r.Status = workflow.StatusOpen

	res := g.residencies(time.Duration(r.SLADays) * 24 * time.Hour)
	at := r.SubmittedAt
	for i, d := range res {
		stage := workflow.Stages[i]
		exit := at.Add(d)
		if !exit.Before(g.cfg.End) || i == len(res)-1 {
			r.History = append(r.History, workflow.StageEvent{RequestID: r.ID, Stage: stage, EnteredAt: at})
			r.Stage = stage
			r.StageEnteredAt = at
			return
		}
		r.History = append(r.History, workflow.StageEvent{RequestID: r.ID, Stage: stage, EnteredAt: at, ExitedAt: &exit})
		at = exit
	}
}
