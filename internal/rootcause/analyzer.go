// Package rootcause diagnoses where SLA delay comes from: which stages absorb the delay
// hours, which districts breach most severely and which categories are getting worse.
package rootcause

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nadmax/slawatch/internal/faults"
	"github.com/nadmax/slawatch/internal/metrics"
	"github.com/nadmax/slawatch/internal/stats"
	"github.com/nadmax/slawatch/internal/workflow"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// chunkSize fixes the partition boundaries so merged float sums do not depend on the
// worker count.
const chunkSize = 256

type Params struct {
	Window Window `json:"window"`
	// AsOf measures delay of requests that are still open. Zero means Window.End.
	AsOf               time.Time `json:"as_of"`
	District           string    `json:"district,omitempty"`
	Mandal             string    `json:"mandal,omitempty"`
	Category           string    `json:"category,omitempty"`
	ServiceCode        string    `json:"service_code,omitempty"`
	Stage              string    `json:"workflow_stage,omitempty"`
	MinDistrictSamples int       `json:"min_district_samples"`
	MinCategorySamples int       `json:"min_category_samples"`
}

func (p Params) match(r workflow.Request) bool {
	switch {
	case r.Status == workflow.StatusCancelled:
		return false
	case p.District != "" && r.District != p.District:
		return false
	case p.Mandal != "" && r.Mandal != p.Mandal:
		return false
	case p.Category != "" && r.Category != p.Category:
		return false
	case p.ServiceCode != "" && r.ServiceCode != p.ServiceCode:
		return false
	case p.Stage != "" && r.Stage != p.Stage:
		return false
	case !p.Window.Start.IsZero() && r.SubmittedAt.Before(p.Window.Start):
		return false
	case !p.Window.End.IsZero() && r.SubmittedAt.After(p.Window.End):
		return false
	}

	return true
}

type Analyzer struct {
	workers int
}

func NewAnalyzer(workers int) *Analyzer {
	if workers <= 0 {
		workers = 1
	}

	return &Analyzer{workers: workers}
}

type (
	stageAgg struct {
		delay     float64
		residency float64
		samples   int
		delayed   int
	}
	countAgg struct {
		n        int
		breached int
		delay    float64
	}
	districtAgg struct {
		countAgg
		halves [2]countAgg
	}
	serviceAgg struct {
		name     string
		n        int
		breached int
		closed   int
		tatHours float64
	}
	partial struct {
		stages     map[string]*stageAgg
		districts  map[string]*districtAgg
		categories map[string]*[2]countAgg
		services   map[string]*serviceAgg
		months     map[string]*countAgg
		total      int
		closed     int
		breached   int
		tatHours   float64
		delayHours float64
	}
)

func newPartial() *partial {
	return &partial{
		stages:     map[string]*stageAgg{},
		districts:  map[string]*districtAgg{},
		categories: map[string]*[2]countAgg{},
		services:   map[string]*serviceAgg{},
		months:     map[string]*countAgg{},
	}
}

// Analyze builds the root cause report for requests submitted inside p.Window. A zero
// window is derived from the submission times of the matching requests. Cancelled
// requests are ignored. hist supplies historical stage breach rates and may be nil.
func (a *Analyzer) Analyze(ctx context.Context, requests []workflow.Request, hist *stats.Snapshot, p Params) (*Report, error) {
	started := time.Now()
	defer func() {
		metrics.RecordAnalysis(time.Since(started))
	}()

	var selected []workflow.Request
	for _, r := range requests {
		if r.SubmittedAt.IsZero() || !p.match(r) {
			continue
		}
		selected = append(selected, r)
	}

	window := deriveWindow(p.Window, selected)
	asOf := p.AsOf
	if asOf.IsZero() {
		asOf = window.End
	}
	mid := window.Start.Add(window.End.Sub(window.Start) / 2)

	chunks := (len(selected) + chunkSize - 1) / chunkSize
	partials := make([]*partial, chunks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for c := 0; c < chunks; c++ {
		g.Go(func() error {
			lo := c * chunkSize
			hi := min(lo+chunkSize, len(selected))

			part := newPartial()
			for _, r := range selected[lo:hi] {
				if err := gctx.Err(); err != nil {
					return err
				}
				part.add(r, asOf, mid)
			}
			partials[c] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, faults.Wrap(faults.Cancelled, "", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, faults.Wrap(faults.Cancelled, "", err)
	}

	merged := newPartial()
	for _, part := range partials {
		merged.merge(part)
	}

	report := merged.report(hist, p)
	report.Window = window
	report.AsOf = asOf
	report.Params = p
	report.Recommendations = recommend(report)

	log.Info().
		Int("requests", report.TotalRequests).
		Int("breached", report.BreachedRequests).
		Int("recommendations", len(report.Recommendations)).
		Dur("elapsed", time.Since(started)).
		Msg("root cause analysis complete")

	return report, nil
}

func deriveWindow(w Window, requests []workflow.Request) Window {
	if !w.Start.IsZero() && !w.End.IsZero() {
		return w
	}

	var lo, hi time.Time
	for _, r := range requests {
		if lo.IsZero() || r.SubmittedAt.Before(lo) {
			lo = r.SubmittedAt
		}
		if hi.IsZero() || r.SubmittedAt.After(hi) {
			hi = r.SubmittedAt
		}
	}
	if w.Start.IsZero() {
		w.Start = lo
	}
	if w.End.IsZero() {
		w.End = hi
	}

	return w
}

func (p *partial) add(r workflow.Request, asOf, mid time.Time) {
	end := asOf
	if r.Status == workflow.StatusClosed && r.CompletedAt != nil {
		end = *r.CompletedAt
		p.closed++
		p.tatHours += r.TATHours()
	}

	delay := r.DelayHours(asOf)
	breached := delay > 0

	p.total++
	p.delayHours += delay
	if breached {
		p.breached++
	}

	p.apportion(r, end, delay, breached)

	half := 0
	if !r.SubmittedAt.Before(mid) {
		half = 1
	}

	d := p.districts[r.District]
	if d == nil {
		d = &districtAgg{}
		p.districts[r.District] = d
	}
	d.n++
	d.halves[half].n++
	if breached {
		d.breached++
		d.delay += delay
		d.halves[half].breached++
	}

	svc := p.services[r.ServiceCode]
	if svc == nil {
		svc = &serviceAgg{name: r.ServiceName}
		p.services[r.ServiceCode] = svc
	}
	if svc.name == "" {
		svc.name = r.ServiceName
	}
	svc.n++
	if breached {
		svc.breached++
	}
	if r.Status == workflow.StatusClosed && r.CompletedAt != nil {
		svc.closed++
		svc.tatHours += r.TATHours()
	}

	c := p.categories[r.Category]
	if c == nil {
		c = &[2]countAgg{}
		p.categories[r.Category] = c
	}
	c[half].n++
	if breached {
		c[half].breached++
	}

	month := r.SubmittedAt.UTC().Format("2006-01")
	m := p.months[month]
	if m == nil {
		m = &countAgg{}
		p.months[month] = m
	}
	m.n++
	if breached {
		m.breached++
	}
}

// apportion splits the request's delay hours across its stages in proportion to the
// time spent in each. Without usable history the current stage takes all of it.
func (p *partial) apportion(r workflow.Request, end time.Time, delay float64, breached bool) {
	stage := func(name string) *stageAgg {
		s := p.stages[name]
		if s == nil {
			s = &stageAgg{}
			p.stages[name] = s
		}
		return s
	}

	var total float64
	for _, ev := range r.History {
		total += ev.Residency(end).Hours()
	}

	if len(r.History) == 0 || total == 0 {
		s := stage(r.Stage)
		s.samples++
		s.delay += delay
		s.residency += end.Sub(r.SubmittedAt).Hours()
		if breached {
			s.delayed++
		}
		return
	}

	seen := map[string]bool{}
	for _, ev := range r.History {
		hours := ev.Residency(end).Hours()
		s := stage(ev.Stage)
		s.samples++
		s.residency += hours
		s.delay += delay * hours / total
		if breached && !seen[ev.Stage] {
			s.delayed++
			seen[ev.Stage] = true
		}
	}
}

func (p *partial) merge(o *partial) {
	for _, name := range sortedKeys(o.stages) {
		s := o.stages[name]
		dst := p.stages[name]
		if dst == nil {
			dst = &stageAgg{}
			p.stages[name] = dst
		}
		dst.delay += s.delay
		dst.residency += s.residency
		dst.samples += s.samples
		dst.delayed += s.delayed
	}
	for _, name := range sortedKeys(o.districts) {
		d := o.districts[name]
		dst := p.districts[name]
		if dst == nil {
			dst = &districtAgg{}
			p.districts[name] = dst
		}
		dst.n += d.n
		dst.breached += d.breached
		dst.delay += d.delay
		for h := range d.halves {
			dst.halves[h].n += d.halves[h].n
			dst.halves[h].breached += d.halves[h].breached
		}
	}
	for _, code := range sortedKeys(o.services) {
		svc := o.services[code]
		dst := p.services[code]
		if dst == nil {
			dst = &serviceAgg{}
			p.services[code] = dst
		}
		if dst.name == "" {
			dst.name = svc.name
		}
		dst.n += svc.n
		dst.breached += svc.breached
		dst.closed += svc.closed
		dst.tatHours += svc.tatHours
	}
	for _, name := range sortedKeys(o.categories) {
		c := o.categories[name]
		dst := p.categories[name]
		if dst == nil {
			dst = &[2]countAgg{}
			p.categories[name] = dst
		}
		for h := range c {
			dst[h].n += c[h].n
			dst[h].breached += c[h].breached
		}
	}
	for _, month := range sortedKeys(o.months) {
		m := o.months[month]
		dst := p.months[month]
		if dst == nil {
			dst = &countAgg{}
			p.months[month] = dst
		}
		dst.n += m.n
		dst.breached += m.breached
	}

	p.total += o.total
	p.closed += o.closed
	p.breached += o.breached
	p.tatHours += o.tatHours
	p.delayHours += o.delayHours
}

func (p *partial) report(hist *stats.Snapshot, params Params) *Report {
	r := &Report{
		TotalRequests:          p.total,
		ClosedRequests:         p.closed,
		BreachedRequests:       p.breached,
		StageBottlenecks:       []Finding{},
		DistrictHotspots:       []Finding{},
		CategoryTrends:         []Finding{},
		ServiceTrends:          []ServiceTrend{},
		InsufficientDistricts:  []string{},
		InsufficientCategories: []string{},
	}
	if p.total > 0 {
		r.SLACompliance = float64(p.total-p.breached) / float64(p.total) * 100
	}
	if p.closed > 0 {
		r.AverageTATHours = p.tatHours / float64(p.closed)
	}
	r.Trend = p.trend()

	for _, name := range sortedKeys(p.stages) {
		s := p.stages[name]
		f := Finding{
			Dimension:          DimensionStage,
			Name:               name,
			SampleSize:         s.samples,
			DelayHours:         s.delay,
			MeanResidencyHours: s.residency / float64(s.samples),
		}
		if p.delayHours > 0 {
			f.Score = s.delay / p.delayHours
		}
		if hist != nil {
			f.HistoricalBreachRate, _ = hist.StageBreachRate(name)
		}
		f.Severity = stageSeverity.severity(f.Score)
		r.StageBottlenecks = append(r.StageBottlenecks, f)
	}
	rank(r.StageBottlenecks)

	var maxRate, maxDelay float64
	for _, name := range sortedKeys(p.districts) {
		d := p.districts[name]
		if d.n < params.MinDistrictSamples {
			r.InsufficientDistricts = append(r.InsufficientDistricts, name)
			continue
		}
		f := Finding{
			Dimension:     DimensionDistrict,
			Name:          name,
			SampleSize:    d.n,
			BreachRate:    float64(d.breached) / float64(d.n),
			SLACompliance: float64(d.n-d.breached) / float64(d.n) * 100,
		}
		if d.breached > 0 {
			f.MeanDelayHours = d.delay / float64(d.breached)
		}
		f.DelayTrend = d.trend()
		maxRate = max(maxRate, f.BreachRate)
		maxDelay = max(maxDelay, f.MeanDelayHours)
		f.Severity = districtSeverity.severity(f.BreachRate)
		r.DistrictHotspots = append(r.DistrictHotspots, f)
	}
	for i := range r.DistrictHotspots {
		f := &r.DistrictHotspots[i]
		if maxRate > 0 && maxDelay > 0 {
			f.Score = (f.BreachRate / maxRate) * (f.MeanDelayHours / maxDelay)
		}
	}
	rank(r.DistrictHotspots)

	for _, name := range sortedKeys(p.categories) {
		c := p.categories[name]
		n := c[0].n + c[1].n
		if c[0].n == 0 || c[1].n == 0 || n < params.MinCategorySamples {
			r.InsufficientCategories = append(r.InsufficientCategories, name)
			continue
		}
		first := float64(c[0].breached) / float64(c[0].n)
		second := float64(c[1].breached) / float64(c[1].n)
		f := Finding{
			Dimension:            DimensionCategory,
			Name:                 name,
			SampleSize:           n,
			Score:                second - first,
			FirstHalfBreachRate:  first,
			SecondHalfBreachRate: second,
			BreachRate:           float64(c[0].breached+c[1].breached) / float64(n),
		}
		f.Severity = categorySeverity.severity(f.Score)
		r.CategoryTrends = append(r.CategoryTrends, f)
	}
	rank(r.CategoryTrends)

	for _, code := range sortedKeys(p.services) {
		svc := p.services[code]
		st := ServiceTrend{
			ServiceCode:   code,
			ServiceName:   svc.name,
			TotalRequests: svc.n,
			DelayRate:     float64(svc.breached) / float64(svc.n),
			SLACompliance: float64(svc.n-svc.breached) / float64(svc.n) * 100,
		}
		if svc.closed > 0 {
			st.AverageCompletionHours = svc.tatHours / float64(svc.closed)
		}
		r.ServiceTrends = append(r.ServiceTrends, st)
	}
	sort.SliceStable(r.ServiceTrends, func(i, j int) bool {
		return r.ServiceTrends[i].DelayRate > r.ServiceTrends[j].DelayRate
	})

	r.PrimaryCauses = p.causes(r)

	return r
}

// districtTrendMin is the sample size below which a district trend stays STABLE.
const districtTrendMin = 10

func (d *districtAgg) trend() string {
	older, recent := d.halves[0], d.halves[1]
	if d.n <= districtTrendMin || older.n == 0 || recent.n == 0 {
		return TrendStable
	}

	return directionOf(float64(older.breached)/float64(older.n), float64(recent.breached)/float64(recent.n))
}

// causes names the stage carrying the largest share of delay hours and the district
// with the most breached requests. Either is left out when nothing breached there.
func (p *partial) causes(r *Report) []Cause {
	out := []Cause{}
	if len(r.StageBottlenecks) > 0 {
		top := r.StageBottlenecks[0]
		if n := p.stages[top.Name].delayed; n > 0 {
			out = append(out, Cause{
				Dimension:        DimensionStage,
				Cause:            fmt.Sprintf("High delays at %s stage", top.Name),
				ImpactPercentage: top.Score * 100,
				AffectedServices: n,
			})
		}
	}

	var worst string
	for _, name := range sortedKeys(p.districts) {
		if worst == "" || p.districts[name].breached > p.districts[worst].breached {
			worst = name
		}
	}
	if worst != "" && p.districts[worst].breached > 0 {
		n := p.districts[worst].breached
		out = append(out, Cause{
			Dimension:        DimensionDistrict,
			Cause:            fmt.Sprintf("High delays in %s district", worst),
			ImpactPercentage: float64(n) / float64(p.total) * 100,
			AffectedServices: n,
		})
	}

	return out
}

// trend compares the breach rate of the first and last calendar month in the window.
func (p *partial) trend() Trend {
	months := sortedKeys(p.months)
	t := Trend{Direction: TrendStable, Months: len(months)}
	if len(months) < 2 {
		return t
	}

	first := p.months[months[0]]
	last := p.months[months[len(months)-1]]
	change := float64(last.breached)/float64(last.n) - float64(first.breached)/float64(first.n)
	t.RateChange = change * 100

	switch {
	case change > 0:
		t.Direction = TrendIncreasing
	case change < 0:
		t.Direction = TrendDecreasing
	}

	return t
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}
