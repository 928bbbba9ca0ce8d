package predict

import (
	"fmt"
	"math"
	"time"

	"github.com/nadmax/slawatch/internal/faults"
	"github.com/nadmax/slawatch/internal/features"
	"github.com/nadmax/slawatch/internal/risk"
	"github.com/nadmax/slawatch/internal/stats"
	"github.com/nadmax/slawatch/internal/workflow"
)

const (
	StatusOK                 = "ok"
	StatusNoEligibleRequests = "no_eligible_requests"
)

type (
	Result struct {
		ServiceID           string    `json:"service_id"`
		ServiceCode         string    `json:"service_code"`
		District            string    `json:"district"`
		Mandal              string    `json:"mandal"`
		Stage               string    `json:"current_stage"`
		BreachProbability   float64   `json:"predicted_delay_probability"`
		ExpectedDelayHours  float64   `json:"predicted_delay_hours"`
		Tier                risk.Tier `json:"risk_level"`
		ScorerVersion       string    `json:"scorer_version"`
		GeneratedAt         time.Time `json:"generated_at"`
		ExpectedCompletion  time.Time `json:"expected_completion_date"`
		PredictedCompletion time.Time `json:"predicted_completion_date"`
		Confidence          float64   `json:"confidence_score"`
		LowConfidence       bool      `json:"low_confidence"`
		Factors             []string  `json:"contributing_factors"`
		UnknownFields       []string  `json:"unknown_fields,omitempty"`
	}
	Failure struct {
		ServiceID string      `json:"service_id"`
		Index     int         `json:"index"`
		Kind      faults.Kind `json:"kind"`
		Key       string      `json:"key,omitempty"`
		Reason    string      `json:"reason"`
	}
	Summary struct {
		Total              int     `json:"total_predictions"`
		Failed             int     `json:"failed"`
		CriticalCount      int     `json:"critical_risk_count"`
		HighRiskCount      int     `json:"high_risk_count"`
		MediumRiskCount    int     `json:"medium_risk_count"`
		LowRiskCount       int     `json:"low_risk_count"`
		AverageProbability float64 `json:"average_delay_probability"`
		PredictedDelays    int     `json:"total_predicted_delays"`
		HorizonDays        int     `json:"prediction_horizon_days"`
	}
	Batch struct {
		Status        string    `json:"status"`
		Results       []Result  `json:"predictions"`
		Failures      []Failure `json:"failures"`
		ScorerVersion string    `json:"model_version"`
		Degraded      bool      `json:"degraded"`
		GeneratedAt   time.Time `json:"generated_at"`
		Summary       Summary   `json:"summary"`
	}
)

// Filters select which requests of a batch are scored. Empty fields match everything.
type Filters struct {
	ServiceID   string `json:"service_id,omitempty"`
	ServiceCode string `json:"service_code,omitempty"`
	District    string `json:"district,omitempty"`
	Mandal      string `json:"mandal,omitempty"`
	Category    string `json:"category,omitempty"`
	Stage       string `json:"stage,omitempty"`
	// HorizonDays keeps requests whose SLA deadline is no later than now plus the
	// horizon. Zero uses the orchestrator default.
	HorizonDays int `json:"prediction_horizon_days,omitempty"`
}

func (f Filters) match(r workflow.Request, now time.Time, horizonDays int) bool {
	if r.Status != workflow.StatusOpen {
		return false
	}

	switch {
	case f.ServiceID != "" && r.ID != f.ServiceID:
		return false
	case f.ServiceCode != "" && r.ServiceCode != f.ServiceCode:
		return false
	case f.District != "" && r.District != f.District:
		return false
	case f.Mandal != "" && r.Mandal != f.Mandal:
		return false
	case f.Category != "" && r.Category != f.Category:
		return false
	case f.Stage != "" && r.Stage != f.Stage:
		return false
	}

	if horizonDays > 0 && !r.SubmittedAt.IsZero() {
		limit := now.Add(time.Duration(horizonDays) * 24 * time.Hour)
		if r.Deadline().After(limit) {
			return false
		}
	}

	return true
}

func failureFrom(r workflow.Request, index int, err error) Failure {
	return Failure{
		ServiceID: r.ID,
		Index:     index,
		Kind:      faults.KindOf(err),
		Key:       faults.KeyOf(err),
		Reason:    err.Error(),
	}
}

func confidence(p float64, reduced bool) float64 {
	c := math.Min(0.95, 0.5+0.45*p)
	if reduced {
		c *= 0.8
	}

	return c
}

// maxDelayHours keeps completion arithmetic inside time.Duration range.
const maxDelayHours = float64(math.MaxInt64/int64(time.Hour)) / 2

func addHours(t time.Time, hours float64) time.Time {
	if hours > maxDelayHours {
		hours = maxDelayHours
	}

	return t.Add(time.Duration(hours * float64(time.Hour)))
}

const (
	agingShare      = 0.7
	elevatedBreach  = 0.2
	bottleneckShare = 0.2
	busyQueue       = 5
)

func contributingFactors(r workflow.Request, v features.Vector, s features.Schema, snap *stats.Snapshot, lowConfidence, degraded bool) []string {
	factors := []string{}

	days := int(v.Get(s, features.DaysSinceSubmission))
	if float64(days) > float64(r.SLADays)*agingShare {
		factors = append(factors, fmt.Sprintf("Service already %d days old (SLA: %d days)", days, r.SLADays))
	}
	if rate, n := snap.StageBreachRate(r.Stage); n > 0 && rate > bottleneckShare {
		factors = append(factors, fmt.Sprintf("Currently at %s stage (historical breach rate %.1f%%)", r.Stage, rate*100))
	}
	if rate := v.Get(s, features.HistBreachRate); rate > elevatedBreach {
		factors = append(factors, fmt.Sprintf("High historical delay rate in %s for %s (%.1f%%)", r.District, r.Category, rate*100))
	}
	if w := v.Get(s, features.WorkloadAtStage); w >= busyQueue {
		factors = append(factors, fmt.Sprintf("%d open requests queued at %s in %s", int(w), r.Stage, r.District))
	}
	if lowConfidence {
		factors = append(factors, "No history for this stage, district and category; scored with default statistics")
	}
	if degraded {
		factors = append(factors, "Scored by heuristic fallback; no trained model is active")
	}

	return factors
}

func summarize(results []Result, failed, horizonDays int) Summary {
	s := Summary{Total: len(results), Failed: failed, HorizonDays: horizonDays}
	if len(results) == 0 {
		return s
	}

	var sum float64
	for _, r := range results {
		switch r.Tier {
		case risk.Critical:
			s.CriticalCount++
			s.HighRiskCount++
		case risk.High:
			s.HighRiskCount++
		case risk.Medium:
			s.MediumRiskCount++
		default:
			s.LowRiskCount++
		}
		sum += r.BreachProbability
		if r.BreachProbability > 0.5 {
			s.PredictedDelays++
		}
	}
	s.AverageProbability = sum / float64(len(results))

	return s
}
