package rootcause

import (
	"fmt"
	"sort"
	"time"
)

type (
	Dimension string
	Severity  string
)

const (
	DimensionStage    Dimension = "stage"
	DimensionDistrict Dimension = "district"
	DimensionCategory Dimension = "category"
)

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

const (
	TrendIncreasing = "INCREASING"
	TrendDecreasing = "DECREASING"
	TrendStable     = "STABLE"
)

type (
	Window struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	}
	// Finding is one ranked entry of a sub-analysis. Score is the ranking key: delay
	// contribution for stages, the normalized composite for districts and the breach-rate
	// delta for categories.
	Finding struct {
		Dimension  Dimension `json:"dimension"`
		Name       string    `json:"name"`
		Rank       int       `json:"rank"`
		Score      float64   `json:"score"`
		SampleSize int       `json:"sample_size"`
		Severity   Severity  `json:"severity"`

		DelayHours           float64 `json:"delay_hours,omitempty"`
		MeanResidencyHours   float64 `json:"mean_residency_hours,omitempty"`
		HistoricalBreachRate float64 `json:"historical_breach_rate,omitempty"`

		BreachRate     float64 `json:"breach_rate,omitempty"`
		MeanDelayHours float64 `json:"mean_delay_hours,omitempty"`
		SLACompliance  float64 `json:"sla_compliance_percentage,omitempty"`

		FirstHalfBreachRate  float64 `json:"first_half_breach_rate,omitempty"`
		SecondHalfBreachRate float64 `json:"second_half_breach_rate,omitempty"`
		// DelayTrend compares the two window halves of a district.
		DelayTrend string `json:"delay_trend,omitempty"`
	}
	// ServiceTrend is the outcome profile of one service code over the window.
	ServiceTrend struct {
		ServiceCode            string  `json:"service_code"`
		ServiceName            string  `json:"service_name,omitempty"`
		TotalRequests          int     `json:"total_requests"`
		AverageCompletionHours float64 `json:"average_completion_hours"`
		DelayRate              float64 `json:"delay_rate"`
		SLACompliance          float64 `json:"sla_compliance_percentage"`
	}
	Cause struct {
		Dimension        Dimension `json:"dimension"`
		Cause            string    `json:"cause"`
		ImpactPercentage float64   `json:"impact_percentage"`
		AffectedServices int       `json:"affected_services"`
	}
	Recommendation struct {
		Dimension Dimension `json:"dimension"`
		Target    string    `json:"target"`
		Severity  Severity  `json:"severity"`
		Text      string    `json:"text"`
	}
	Trend struct {
		Direction string `json:"delay_trend"`
		// RateChange is the breach-rate change between first and last month, in points.
		RateChange float64 `json:"delay_rate_change"`
		Months     int     `json:"months"`
	}
	Report struct {
		Window                 Window           `json:"window"`
		AsOf                   time.Time        `json:"as_of"`
		Params                 Params           `json:"params"`
		TotalRequests          int              `json:"total_services"`
		ClosedRequests         int              `json:"closed_services"`
		BreachedRequests       int              `json:"total_delayed"`
		SLACompliance          float64          `json:"overall_sla_compliance"`
		AverageTATHours        float64          `json:"average_tat_hours"`
		Trend                  Trend            `json:"trends"`
		StageBottlenecks       []Finding        `json:"stage_bottlenecks"`
		DistrictHotspots       []Finding        `json:"district_hotspots"`
		CategoryTrends         []Finding        `json:"category_trends"`
		ServiceTrends          []ServiceTrend   `json:"service_trends"`
		PrimaryCauses          []Cause          `json:"primary_causes"`
		InsufficientDistricts  []string         `json:"insufficient_districts"`
		InsufficientCategories []string         `json:"insufficient_categories"`
		Recommendations        []Recommendation `json:"recommendations"`
	}
)

// Texts returns the recommendation strings in report order.
func (r *Report) Texts() []string {
	out := make([]string, 0, len(r.Recommendations))
	for _, rec := range r.Recommendations {
		out = append(out, rec.Text)
	}

	return out
}

// rank orders findings by score desc, sample size desc, then name, and assigns 1-based ranks.
func rank(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.SampleSize != b.SampleSize {
			return a.SampleSize > b.SampleSize
		}
		return a.Name < b.Name
	})
	for i := range findings {
		findings[i].Rank = i + 1
	}
}

// directionOf labels recent against older with a 10% dead band around older.
func directionOf(older, recent float64) string {
	switch {
	case recent > older*1.1:
		return TrendIncreasing
	case recent < older*0.9:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

type ladder struct {
	medium, high, critical float64
}

func (l ladder) severity(v float64) Severity {
	switch {
	case v >= l.critical:
		return SeverityCritical
	case v >= l.high:
		return SeverityHigh
	case v >= l.medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

var (
	stageSeverity    = ladder{medium: 0.1, high: 0.25, critical: 0.4}
	districtSeverity = ladder{medium: 0.2, high: 0.35, critical: 0.5}
	categorySeverity = ladder{medium: 0.05, high: 0.1, critical: 0.2}
)

var templates = map[Dimension]map[Severity]string{
	DimensionStage: {
		SeverityCritical: "Increase staffing/resources at %s stage immediately; it accounts for %.0f%% of delay hours",
		SeverityHigh:     "Increase staffing/resources at %s stage",
		SeverityMedium:   "Review workload distribution at %s stage",
	},
	DimensionDistrict: {
		SeverityCritical: "Implement workload balancing in %s district and escalate to district administration",
		SeverityHigh:     "Implement workload balancing in %s district",
		SeverityMedium:   "Monitor SLA compliance in %s district",
	},
	DimensionCategory: {
		SeverityCritical: "Audit %s services; breach rate rose %.0f points over the window",
		SeverityHigh:     "Investigate rising delays for %s services",
		SeverityMedium:   "Track the breach trend for %s services",
	},
}

// recommend derives at most one recommendation per dimension from its top finding.
// Low severity findings produce none.
func recommend(r *Report) []Recommendation {
	out := []Recommendation{}
	for _, list := range [][]Finding{r.StageBottlenecks, r.DistrictHotspots, r.CategoryTrends} {
		if len(list) == 0 {
			continue
		}
		top := list[0]
		tmpl, ok := templates[top.Dimension][top.Severity]
		if !ok {
			continue
		}

		var text string
		if top.Severity == SeverityCritical && top.Dimension != DimensionDistrict {
			text = fmt.Sprintf(tmpl, top.Name, top.Score*100)
		} else {
			text = fmt.Sprintf(tmpl, top.Name)
		}

		out = append(out, Recommendation{Dimension: top.Dimension, Target: top.Name, Severity: top.Severity, Text: text})
	}

	return out
}
