// Package dashboard serves the aggregate views behind the monitoring page: the SLA
// summary, hotspots and trends, and the background job overview.
package dashboard

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/nadmax/slawatch/internal/httputil"
	"github.com/nadmax/slawatch/internal/predict"
	"github.com/nadmax/slawatch/internal/repository"
	"github.com/nadmax/slawatch/internal/rootcause"
	"github.com/nadmax/slawatch/internal/task"
	"github.com/nadmax/slawatch/internal/workflow"
)

const hotspotLimit = 5

type (
	Predictor interface {
		Predict(ctx context.Context, requests []workflow.Request, filters predict.Filters) (*predict.Batch, error)
	}
	JobLister interface {
		GetAllTasks(ctx context.Context) ([]*task.Task, error)
	}
)

type Config struct {
	WindowDays         int
	MinDistrictSamples int
	MinCategorySamples int
}

type Dashboard struct {
	requests  repository.RequestStore
	predictor Predictor
	analyzer  *rootcause.Analyzer
	source    predict.SnapshotSource
	jobs      JobLister
	cfg       Config
	now       func() time.Time
}

type Summary struct {
	TotalServices     int       `json:"total_services"`
	ActiveServices    int       `json:"active_services"`
	CompletedServices int       `json:"completed_services"`
	SLACompliance     float64   `json:"sla_compliance"`
	AverageTATHours   float64   `json:"average_tat_hours"`
	TotalDelayed      int       `json:"total_delayed"`
	CriticalRisk      int       `json:"critical_risk_predictions"`
	HighRisk          int       `json:"high_risk_predictions"`
	MediumRisk        int       `json:"medium_risk_predictions"`
	LowRisk           int       `json:"low_risk_predictions"`
	ScorerVersion     string    `json:"model_version"`
	Degraded          bool      `json:"degraded"`
	LastUpdated       time.Time `json:"last_updated"`
}

type Hotspots struct {
	Window           rootcause.Window           `json:"window"`
	DistrictHotspots []rootcause.Finding        `json:"district_hotspots"`
	StageBottlenecks []rootcause.Finding        `json:"stage_bottlenecks"`
	PrimaryCauses    []rootcause.Cause          `json:"primary_causes"`
	Recommendations  []rootcause.Recommendation `json:"recommendations"`
}

type DistrictTrend struct {
	District      string  `json:"district"`
	TotalServices int     `json:"total_services"`
	SLACompliance float64 `json:"sla_compliance_percentage"`
	DelayTrend    string  `json:"delay_trend"`
}

type Trends struct {
	PeriodStart    time.Time                `json:"period_start"`
	PeriodEnd      time.Time                `json:"period_end"`
	Trend          rootcause.Trend          `json:"trends"`
	DistrictTrends []DistrictTrend          `json:"district_trends"`
	CategoryTrends []rootcause.Finding      `json:"category_trends"`
	ServiceTrends  []rootcause.ServiceTrend `json:"service_trends"`
	PrimaryCauses  []rootcause.Cause        `json:"primary_causes"`
}

type JobStats struct {
	TotalJobs       int            `json:"total_jobs"`
	PendingJobs     int            `json:"pending_jobs"`
	RunningJobs     int            `json:"running_jobs"`
	CompletedJobs   int            `json:"completed_jobs"`
	FailedJobs      int            `json:"failed_jobs"`
	JobsByType      map[string]int `json:"jobs_by_type"`
	AverageWaitTime string         `json:"average_wait_time"`
	LastUpdated     time.Time      `json:"last_updated"`
}

func NewDashboard(requests repository.RequestStore, p Predictor, a *rootcause.Analyzer, source predict.SnapshotSource, jobs JobLister, cfg Config) *Dashboard {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 90
	}

	return &Dashboard{
		requests:  requests,
		predictor: p,
		analyzer:  a,
		source:    source,
		jobs:      jobs,
		cfg:       cfg,
		now:       time.Now,
	}
}

// window reads ?days=N, falling back to the configured window.
func (d *Dashboard) window(r *http.Request) (rootcause.Window, bool) {
	days := d.cfg.WindowDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return rootcause.Window{}, false
		}
		days = n
	}

	end := d.now()
	return rootcause.Window{Start: end.AddDate(0, 0, -days), End: end}, true
}

func (d *Dashboard) GetSummary(w http.ResponseWriter, r *http.Request) {
	win, ok := d.window(r)
	if !ok {
		httputil.WriteJSONError(w, "days must be a positive integer", http.StatusBadRequest)
		return
	}

	reqs, err := d.requests.ListRequests(r.Context(), repository.RequestQuery{
		SubmittedFrom: win.Start,
		SubmittedTo:   win.End,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	summary := Summary{LastUpdated: d.now()}
	var tatTotal float64
	for _, req := range reqs {
		switch req.Status {
		case workflow.StatusCancelled:
			continue
		case workflow.StatusOpen:
			summary.ActiveServices++
		case workflow.StatusClosed:
			summary.CompletedServices++
			tatTotal += req.TATHours()
		}
		summary.TotalServices++
		if req.Breached(win.End) {
			summary.TotalDelayed++
		}
	}

	if summary.CompletedServices > 0 {
		onTime := 0
		for _, req := range reqs {
			if req.Status == workflow.StatusClosed && !req.Breached(win.End) {
				onTime++
			}
		}
		summary.SLACompliance = 100 * float64(onTime) / float64(summary.CompletedServices)
		summary.AverageTATHours = tatTotal / float64(summary.CompletedServices)
	}

	batch, err := d.predictor.Predict(r.Context(), reqs, predict.Filters{})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	summary.CriticalRisk = batch.Summary.CriticalCount
	summary.HighRisk = batch.Summary.HighRiskCount
	summary.MediumRisk = batch.Summary.MediumRiskCount
	summary.LowRisk = batch.Summary.LowRiskCount
	summary.ScorerVersion = batch.ScorerVersion
	summary.Degraded = batch.Degraded

	httputil.WriteJSON(w, http.StatusOK, summary)
}

// analyze runs the root cause analysis over the ?days= window and writes the error
// response itself when it fails.
func (d *Dashboard) analyze(w http.ResponseWriter, r *http.Request) (*rootcause.Report, bool) {
	win, ok := d.window(r)
	if !ok {
		httputil.WriteJSONError(w, "days must be a positive integer", http.StatusBadRequest)
		return nil, false
	}

	reqs, err := d.requests.ListRequests(r.Context(), repository.RequestQuery{
		SubmittedFrom: win.Start,
		SubmittedTo:   win.End,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return nil, false
	}

	report, err := d.analyzer.Analyze(r.Context(), reqs, d.source.Snapshot(), rootcause.Params{
		Window:             win,
		MinDistrictSamples: d.cfg.MinDistrictSamples,
		MinCategorySamples: d.cfg.MinCategorySamples,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return nil, false
	}

	return report, true
}

func (d *Dashboard) GetHotspots(w http.ResponseWriter, r *http.Request) {
	report, ok := d.analyze(w, r)
	if !ok {
		return
	}

	httputil.WriteJSON(w, http.StatusOK, Hotspots{
		Window:           report.Window,
		DistrictHotspots: top(report.DistrictHotspots),
		StageBottlenecks: top(report.StageBottlenecks),
		PrimaryCauses:    report.PrimaryCauses,
		Recommendations:  report.Recommendations,
	})
}

// GetTrends reports how delay is moving over the window: the monthly breach trend and
// the per-district, per-category and per-service breakdowns.
func (d *Dashboard) GetTrends(w http.ResponseWriter, r *http.Request) {
	report, ok := d.analyze(w, r)
	if !ok {
		return
	}

	districts := make([]DistrictTrend, 0, len(report.DistrictHotspots))
	for _, f := range report.DistrictHotspots {
		districts = append(districts, DistrictTrend{
			District:      f.Name,
			TotalServices: f.SampleSize,
			SLACompliance: f.SLACompliance,
			DelayTrend:    f.DelayTrend,
		})
	}
	sort.Slice(districts, func(i, j int) bool { return districts[i].District < districts[j].District })

	httputil.WriteJSON(w, http.StatusOK, Trends{
		PeriodStart:    report.Window.Start,
		PeriodEnd:      report.Window.End,
		Trend:          report.Trend,
		DistrictTrends: districts,
		CategoryTrends: report.CategoryTrends,
		ServiceTrends:  report.ServiceTrends,
		PrimaryCauses:  report.PrimaryCauses,
	})
}

func top(findings []rootcause.Finding) []rootcause.Finding {
	if len(findings) > hotspotLimit {
		return findings[:hotspotLimit]
	}
	if findings == nil {
		return []rootcause.Finding{}
	}

	return findings
}

func (d *Dashboard) GetJobStats(w http.ResponseWriter, r *http.Request) {
	jobs, err := d.jobs.GetAllTasks(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := JobStats{
		TotalJobs:   len(jobs),
		JobsByType:  make(map[string]int),
		LastUpdated: d.now(),
	}

	var totalWait time.Duration
	waitCount := 0
	for _, job := range jobs {
		switch job.Status {
		case task.StatusPending:
			stats.PendingJobs++
		case task.StatusRunning:
			stats.RunningJobs++
		case task.StatusCompleted:
			stats.CompletedJobs++
		case task.StatusFailed:
			stats.FailedJobs++
		}
		stats.JobsByType[string(job.Type)]++

		if job.StartedAt != nil {
			totalWait += job.StartedAt.Sub(job.CreatedAt)
			waitCount++
		}
	}

	stats.AverageWaitTime = "N/A"
	if waitCount > 0 {
		stats.AverageWaitTime = (totalWait / time.Duration(waitCount)).Round(time.Millisecond).String()
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}
