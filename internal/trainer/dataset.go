package trainer

import (
	"hash/fnv"
	"sort"
	"time"

	"github.com/nadmax/slawatch/internal/features"
	"github.com/nadmax/slawatch/internal/stats"
	"github.com/nadmax/slawatch/internal/workflow"
	"github.com/rs/zerolog/log"
)

// AsOfFractions are the points, as fractions of the SLA after submission, at which a
// closed request may be observed in flight. Each request gets one, chosen from its id.
var AsOfFractions = []float64{0.2, 0.4, 0.6, 0.8, 1.1, 1.3}

// BuildDataset labels closed requests with their observed outcome. Each request is
// observed once, at an as-of point picked from its id. Requests already complete at
// that point yield no row. The history behind each row only holds requests completed
// before its as-of point. Rows that cannot be extracted are skipped and counted.
func BuildDataset(closed []workflow.Request, ex *features.Extractor) ([]Example, int) {
	type row struct {
		req  workflow.Request
		asOf time.Time
	}

	var (
		rows    []row
		done    []workflow.Request
		skipped int
	)
	for _, r := range closed {
		if r.Status != workflow.StatusClosed || r.CompletedAt == nil {
			continue
		}
		if err := r.Validate(); err != nil {
			skipped++
			continue
		}

		done = append(done, r)
		asOf := observationPoint(r)
		if !asOf.Before(*r.CompletedAt) {
			continue
		}
		rows = append(rows, row{req: r, asOf: asOf})
	}

	sort.SliceStable(done, func(i, j int) bool { return done[i].CompletedAt.Before(*done[j].CompletedAt) })
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].asOf.Before(rows[j].asOf) })

	store := stats.NewStore()
	hist := store.Snapshot()
	var pooled stats.Stat
	var folded int

	out := make([]Example, 0, len(rows))
	for _, rw := range rows {
		var batch []workflow.Request
		for folded < len(done) && done[folded].CompletedAt.Before(rw.asOf) {
			d := done[folded]
			delay := d.DelayHours(*d.CompletedAt)
			pooled = pooled.Add(delay, delay > 0, d.TATHours())
			batch = append(batch, d)
			folded++
		}
		if len(batch) > 0 {
			hist = store.Fold(batch).WithDefault(pooled)
		}

		inflight, ok := inFlightView(rw.req, rw.asOf)
		if !ok {
			skipped++
			continue
		}
		v, err := ex.Extract(inflight, hist, rw.asOf)
		if err != nil {
			log.Debug().Err(err).Str("service_id", rw.req.ID).Msg("skipping training row")
			skipped++
			continue
		}

		out = append(out, Example{
			Features:   v,
			Breached:   rw.req.Breached(*rw.req.CompletedAt),
			DelayHours: rw.req.DelayHours(*rw.req.CompletedAt),
		})
	}

	return out, skipped
}

func observationPoint(r workflow.Request) time.Time {
	h := fnv.New32a()
	_, _ = h.Write([]byte(r.ID))
	f := AsOfFractions[h.Sum32()%uint32(len(AsOfFractions))]

	sla := time.Duration(r.SLADays) * 24 * time.Hour
	return r.SubmittedAt.Add(time.Duration(f * float64(sla)))
}

// inFlightView rewinds a closed request to the stage it occupied at asOf. Stage
// events entered after asOf are dropped and the current one is reopened. A view
// that would sit in the terminal stage is rejected.
func inFlightView(r workflow.Request, asOf time.Time) (workflow.Request, bool) {
	view := r
	view.Status = workflow.StatusOpen
	view.CompletedAt = nil
	view.History = nil
	view.Stage = workflow.Stages[0]
	view.StageEnteredAt = r.SubmittedAt

	for _, ev := range r.History {
		if ev.EnteredAt.After(asOf) {
			break
		}
		if ev.ExitedAt != nil && ev.ExitedAt.After(asOf) {
			ev.ExitedAt = nil
		}
		view.History = append(view.History, ev)
		view.Stage = ev.Stage
		view.StageEnteredAt = ev.EnteredAt
	}

	if view.Stage == workflow.Stages[len(workflow.Stages)-1] {
		return workflow.Request{}, false
	}

	return view, true
}
