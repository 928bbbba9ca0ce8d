package rootcause

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nadmax/slawatch/internal/faults"
	"github.com/nadmax/slawatch/internal/stats"
	"github.com/nadmax/slawatch/internal/synth"
	"github.com/nadmax/slawatch/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type leg struct {
	stage string
	hours float64
}

// closed builds a closed request that walks through legs back to back.
func closed(id, district, category string, submitted time.Time, slaDays int, legs ...leg) workflow.Request {
	r := workflow.Request{
		ID:          id,
		District:    district,
		Category:    category,
		Mandal:      "Urban",
		ServiceCode: "CAT-B-001",
		SubmittedAt: submitted,
		SLADays:     slaDays,
		Status:      workflow.StatusClosed,
	}

	at := submitted
	for _, l := range legs {
		exit := at.Add(time.Duration(l.hours * float64(time.Hour)))
		r.History = append(r.History, workflow.StageEvent{RequestID: id, Stage: l.stage, EnteredAt: at, ExitedAt: &exit})
		r.Stage = l.stage
		r.StageEnteredAt = at
		at = exit
	}
	r.CompletedAt = &at

	return r
}

func TestStageBottleneckApportioning(t *testing.T) {
	requests := []workflow.Request{
		closed("late", "Guntur", "CATEGORY_A", t0, 1, leg{"APPLICATION", 12}, leg{"VRO", 36}),
		closed("ontime", "Guntur", "CATEGORY_A", t0, 2, leg{"APPLICATION", 24}),
	}

	report, err := NewAnalyzer(1).Analyze(context.Background(), requests, nil, Params{})
	require.NoError(t, err)
	require.Len(t, report.StageBottlenecks, 2)

	vro := report.StageBottlenecks[0]
	assert.Equal(t, "VRO", vro.Name)
	assert.Equal(t, 1, vro.Rank)
	assert.InDelta(t, 0.75, vro.Score, 1e-12)
	assert.InDelta(t, 18.0, vro.DelayHours, 1e-12)
	assert.InDelta(t, 36.0, vro.MeanResidencyHours, 1e-12)
	assert.Equal(t, 1, vro.SampleSize)
	assert.Equal(t, SeverityCritical, vro.Severity)

	app := report.StageBottlenecks[1]
	assert.Equal(t, "APPLICATION", app.Name)
	assert.InDelta(t, 0.25, app.Score, 1e-12)
	assert.InDelta(t, 18.0, app.MeanResidencyHours, 1e-12)
	assert.Equal(t, 2, app.SampleSize)

	assert.Equal(t, 2, report.TotalRequests)
	assert.Equal(t, 1, report.BreachedRequests)
	assert.InDelta(t, 50.0, report.SLACompliance, 1e-12)
	assert.InDelta(t, 36.0, report.AverageTATHours, 1e-12)
	assert.Contains(t, report.Texts(), "Increase staffing/resources at VRO stage immediately; it accounts for 75% of delay hours")
}

func TestStageTieBreak(t *testing.T) {
	requests := []workflow.Request{
		closed("a", "Guntur", "CATEGORY_A", t0, 5, leg{"VRO", 1}, leg{"TAHSILDAR", 1}),
		closed("b", "Guntur", "CATEGORY_A", t0, 5, leg{"TAHSILDAR", 1}),
		closed("c", "Guntur", "CATEGORY_A", t0, 5, leg{"APPLICATION", 1}),
	}

	report, err := NewAnalyzer(1).Analyze(context.Background(), requests, nil, Params{})
	require.NoError(t, err)

	var names []string
	for _, f := range report.StageBottlenecks {
		assert.Zero(t, f.Score)
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"TAHSILDAR", "APPLICATION", "VRO"}, names)
	assert.Empty(t, report.Recommendations)
}

func TestHistoricalBreachRate(t *testing.T) {
	hist := stats.NewSnapshot(map[stats.Key]stats.Stat{
		{Stage: "VRO", District: "Guntur", Category: "CATEGORY_A"}: {Count: 3, BreachRate: 1},
		{Stage: "VRO", District: "Nellore", Category: "CATEGORY_A"}: {Count: 1, BreachRate: 0},
	})
	requests := []workflow.Request{closed("a", "Guntur", "CATEGORY_A", t0, 1, leg{"VRO", 30})}

	report, err := NewAnalyzer(1).Analyze(context.Background(), requests, hist, Params{})
	require.NoError(t, err)
	require.Len(t, report.StageBottlenecks, 1)
	assert.InDelta(t, 0.75, report.StageBottlenecks[0].HistoricalBreachRate, 1e-12)
}

func TestDistrictHotspots(t *testing.T) {
	var requests []workflow.Request
	// Guntur: 2 of 4 breached by 29h each. Nellore: 1 of 4 breached by 47h. Kurnool: 1 request.
	for i, delay := range []float64{30, 30, 0, 0} {
		requests = append(requests, closed("g"+string(rune('0'+i)), "Guntur", "CATEGORY_A", t0, 1, leg{"VRO", 24 + delay - 1}))
	}
	for i, delay := range []float64{48, 0, 0, 0} {
		requests = append(requests, closed("n"+string(rune('0'+i)), "Nellore", "CATEGORY_A", t0, 1, leg{"VRO", 24 + delay - 1}))
	}
	requests = append(requests, closed("k0", "Kurnool", "CATEGORY_A", t0, 1, leg{"VRO", 100}))

	report, err := NewAnalyzer(2).Analyze(context.Background(), requests, nil, Params{MinDistrictSamples: 2})
	require.NoError(t, err)

	assert.Equal(t, []string{"Kurnool"}, report.InsufficientDistricts)
	require.Len(t, report.DistrictHotspots, 2)

	guntur, nellore := report.DistrictHotspots[0], report.DistrictHotspots[1]
	assert.Equal(t, "Guntur", guntur.Name)
	assert.InDelta(t, 0.5, guntur.BreachRate, 1e-12)
	assert.InDelta(t, 29.0, guntur.MeanDelayHours, 1e-9)
	assert.InDelta(t, 29.0/47.0, guntur.Score, 1e-9)

	assert.Equal(t, "Nellore", nellore.Name)
	assert.InDelta(t, 0.25, nellore.BreachRate, 1e-12)
	assert.InDelta(t, 0.5, nellore.Score, 1e-9)
	assert.InDelta(t, 75.0, nellore.SLACompliance, 1e-12)

	assert.Greater(t, guntur.Score, 0.0)
	assert.LessOrEqual(t, guntur.Score, 1.0)
}

func TestCategoryTrend(t *testing.T) {
	window := Window{Start: t0, End: t0.Add(30 * 24 * time.Hour)}
	early := t0.Add(2 * 24 * time.Hour)
	late := t0.Add(25 * 24 * time.Hour)

	requests := []workflow.Request{
		closed("a1", "Guntur", "CATEGORY_A", early, 1, leg{"VRO", 10}),
		closed("a2", "Guntur", "CATEGORY_A", early, 1, leg{"VRO", 10}),
		closed("a3", "Guntur", "CATEGORY_A", late, 1, leg{"VRO", 40}),
		closed("a4", "Guntur", "CATEGORY_A", late, 1, leg{"VRO", 40}),
		closed("c1", "Guntur", "CATEGORY_C", early, 1, leg{"VRO", 40}),
		closed("c2", "Guntur", "CATEGORY_C", late, 1, leg{"VRO", 10}),
		closed("b1", "Guntur", "CATEGORY_B", early, 1, leg{"VRO", 40}),
	}

	report, err := NewAnalyzer(1).Analyze(context.Background(), requests, nil, Params{Window: window, MinCategorySamples: 2})
	require.NoError(t, err)

	assert.Equal(t, []string{"CATEGORY_B"}, report.InsufficientCategories)
	require.Len(t, report.CategoryTrends, 2)

	a := report.CategoryTrends[0]
	assert.Equal(t, "CATEGORY_A", a.Name)
	assert.InDelta(t, 1.0, a.Score, 1e-12)
	assert.Equal(t, 0.0, a.FirstHalfBreachRate)
	assert.Equal(t, 1.0, a.SecondHalfBreachRate)
	assert.Equal(t, SeverityCritical, a.Severity)

	c := report.CategoryTrends[1]
	assert.Equal(t, "CATEGORY_C", c.Name)
	assert.InDelta(t, -1.0, c.Score, 1e-12)

	assert.Contains(t, report.Texts(), "Audit CATEGORY_A services; breach rate rose 100 points over the window")
}

func TestFiltersAndCancelledRequests(t *testing.T) {
	cancelled := closed("x", "Guntur", "CATEGORY_A", t0, 1, leg{"VRO", 100})
	cancelled.Status = workflow.StatusCancelled
	cancelled.CompletedAt = nil

	requests := []workflow.Request{
		cancelled,
		closed("g", "Guntur", "CATEGORY_A", t0, 1, leg{"VRO", 30}),
		closed("n", "Nellore", "CATEGORY_A", t0, 1, leg{"VRO", 30}),
		closed("outside", "Guntur", "CATEGORY_A", t0.Add(-60*24*time.Hour), 1, leg{"VRO", 30}),
	}

	report, err := NewAnalyzer(1).Analyze(context.Background(), requests, nil, Params{
		District: "Guntur",
		Window:   Window{Start: t0.Add(-24 * time.Hour), End: t0.Add(24 * time.Hour)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalRequests)
	assert.Equal(t, 1, report.BreachedRequests)
}

func TestDerivedWindowAndOpenRequests(t *testing.T) {
	open := workflow.Request{
		ID: "open", District: "Guntur", Category: "CATEGORY_A", Stage: "VRO",
		SubmittedAt: t0, StageEnteredAt: t0, SLADays: 1, Status: workflow.StatusOpen,
		History: []workflow.StageEvent{{RequestID: "open", Stage: "VRO", EnteredAt: t0}},
	}
	later := closed("later", "Guntur", "CATEGORY_A", t0.Add(48*time.Hour), 5, leg{"VRO", 10})

	report, err := NewAnalyzer(1).Analyze(context.Background(), []workflow.Request{open, later}, nil, Params{})
	require.NoError(t, err)

	assert.Equal(t, t0, report.Window.Start)
	assert.Equal(t, t0.Add(48*time.Hour), report.Window.End)
	assert.Equal(t, report.Window.End, report.AsOf)
	assert.Equal(t, 1, report.BreachedRequests)
	assert.Equal(t, 1, report.ClosedRequests)
	assert.InDelta(t, 24.0, report.StageBottlenecks[0].DelayHours, 1e-9)
}

func TestMonthlyTrend(t *testing.T) {
	requests := []workflow.Request{
		closed("jan", "Guntur", "CATEGORY_A", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), 3, leg{"VRO", 10}),
		closed("mar", "Guntur", "CATEGORY_A", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), 1, leg{"VRO", 30}),
	}

	report, err := NewAnalyzer(1).Analyze(context.Background(), requests, nil, Params{})
	require.NoError(t, err)
	assert.Equal(t, TrendIncreasing, report.Trend.Direction)
	assert.InDelta(t, 100.0, report.Trend.RateChange, 1e-12)
	assert.Equal(t, 2, report.Trend.Months)
}

func TestReportReproducible(t *testing.T) {
	cfg := synth.DefaultConfig()
	cfg.Count = 2000
	requests := synth.Generate(cfg)
	hist := stats.NewStore().Fold(requests)
	params := Params{MinDistrictSamples: 30, MinCategorySamples: 30}

	first, err := NewAnalyzer(1).Analyze(context.Background(), requests, hist, params)
	require.NoError(t, err)
	second, err := NewAnalyzer(8).Analyze(context.Background(), requests, hist, params)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first.Texts(), second.Texts())

	require.NotEmpty(t, first.StageBottlenecks)
	assert.Equal(t, cfg.BottleneckStage, first.StageBottlenecks[0].Name)
	require.NotEmpty(t, first.DistrictHotspots)
	assert.Equal(t, cfg.HotDistrict, first.DistrictHotspots[0].Name)
}

func TestAnalyzeCancelled(t *testing.T) {
	cfg := synth.DefaultConfig()
	cfg.Count = 600
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := NewAnalyzer(2).Analyze(ctx, synth.Generate(cfg), nil, Params{})
	assert.Nil(t, report)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, faults.Cancelled, faults.KindOf(err))
}

func TestServiceTrendsAndPrimaryCauses(t *testing.T) {
	withService := func(r workflow.Request, code, name string) workflow.Request {
		r.ServiceCode = code
		r.ServiceName = name
		return r
	}
	requests := []workflow.Request{
		withService(closed("late1", "Guntur", "CATEGORY_A", t0, 1, leg{"APPLICATION", 12}, leg{"VRO", 36}), "S1", "Income certificate"),
		withService(closed("ontime", "Guntur", "CATEGORY_A", t0, 2, leg{"APPLICATION", 24}), "S2", "Caste certificate"),
		withService(closed("late2", "Krishna", "CATEGORY_A", t0, 1, leg{"APPLICATION", 6}, leg{"VRO", 30}), "S1", ""),
	}

	report, err := NewAnalyzer(2).Analyze(context.Background(), requests, nil, Params{})
	require.NoError(t, err)

	require.Len(t, report.ServiceTrends, 2)
	s1, s2 := report.ServiceTrends[0], report.ServiceTrends[1]
	assert.Equal(t, "S1", s1.ServiceCode)
	assert.Equal(t, "Income certificate", s1.ServiceName)
	assert.Equal(t, 2, s1.TotalRequests)
	assert.InDelta(t, 1.0, s1.DelayRate, 1e-12)
	assert.InDelta(t, 0.0, s1.SLACompliance, 1e-12)
	assert.InDelta(t, 42.0, s1.AverageCompletionHours, 1e-9)
	assert.Equal(t, "S2", s2.ServiceCode)
	assert.InDelta(t, 100.0, s2.SLACompliance, 1e-12)
	assert.InDelta(t, 24.0, s2.AverageCompletionHours, 1e-9)

	require.Len(t, report.PrimaryCauses, 2)
	stage := report.PrimaryCauses[0]
	assert.Equal(t, DimensionStage, stage.Dimension)
	assert.Equal(t, "High delays at VRO stage", stage.Cause)
	assert.InDelta(t, 28.0/36.0*100, stage.ImpactPercentage, 1e-9)
	assert.Equal(t, 2, stage.AffectedServices)

	district := report.PrimaryCauses[1]
	assert.Equal(t, DimensionDistrict, district.Dimension)
	assert.Equal(t, "High delays in Guntur district", district.Cause)
	assert.InDelta(t, 100.0/3, district.ImpactPercentage, 1e-9)
	assert.Equal(t, 1, district.AffectedServices)
}

func TestPrimaryCausesEmptyWithoutBreaches(t *testing.T) {
	requests := []workflow.Request{
		closed("ontime", "Guntur", "CATEGORY_A", t0, 2, leg{"APPLICATION", 24}),
	}

	report, err := NewAnalyzer(1).Analyze(context.Background(), requests, nil, Params{})
	require.NoError(t, err)
	assert.Empty(t, report.PrimaryCauses)
	assert.NotNil(t, report.PrimaryCauses)
}

func TestDistrictDelayTrend(t *testing.T) {
	window := Window{Start: t0, End: t0.Add(20 * 24 * time.Hour)}
	early := t0.Add(24 * time.Hour)
	late := t0.Add(15 * 24 * time.Hour)

	var requests []workflow.Request
	add := func(district string, at time.Time, breached int, total int) {
		for i := 0; i < total; i++ {
			hours := 12.0
			if i < breached {
				hours = 36
			}
			id := district + at.Format("0102") + string(rune('a'+i))
			requests = append(requests, closed(id, district, "CATEGORY_A", at, 1, leg{"VRO", hours}))
		}
	}
	add("Guntur", early, 0, 6)
	add("Guntur", late, 3, 6)
	add("Krishna", early, 4, 6)
	add("Krishna", late, 1, 6)
	add("Nellore", early, 0, 2)
	add("Nellore", late, 2, 2)

	report, err := NewAnalyzer(2).Analyze(context.Background(), requests, nil, Params{Window: window})
	require.NoError(t, err)

	trends := map[string]string{}
	for _, f := range report.DistrictHotspots {
		trends[f.Name] = f.DelayTrend
	}
	assert.Equal(t, map[string]string{
		"Guntur":  TrendIncreasing,
		"Krishna": TrendDecreasing,
		"Nellore": TrendStable,
	}, trends)
}

func TestDirectionOf(t *testing.T) {
	assert.Equal(t, TrendIncreasing, directionOf(0.5, 0.56))
	assert.Equal(t, TrendStable, directionOf(0.5, 0.54))
	assert.Equal(t, TrendDecreasing, directionOf(0.5, 0.44))
	assert.Equal(t, TrendStable, directionOf(0, 0))
	assert.Equal(t, TrendIncreasing, directionOf(0, 0.1))
}
