package features

import (
	"math"
	"time"

	"github.com/nadmax/slawatch/internal/faults"
	"github.com/nadmax/slawatch/internal/stats"
	"github.com/nadmax/slawatch/internal/workflow"
)

// History is the read side of a stats snapshot.
type History interface {
	Lookup(k stats.Key) (stats.Stat, error)
	Workload(stage, district string) int
}

type Vector struct {
	Fingerprint string    `json:"fingerprint"`
	Values      []float64 `json:"values"`
	Unknown     []string  `json:"unknown,omitempty"`
}

// Get returns the value of field under schema s, or NaN when the field is absent
// or the vector does not have the schema's shape.
func (v Vector) Get(s Schema, field string) float64 {
	i := s.Index(field)
	if i < 0 || len(v.Values) != s.Len() {
		return math.NaN()
	}

	return v.Values[i]
}

type Extractor struct {
	schema  Schema
	encoder *Encoder
}

func NewExtractor(s Schema) *Extractor {
	return &Extractor{schema: s, encoder: NewEncoder(s)}
}

func (e *Extractor) Schema() Schema {
	return e.schema
}

// Extract builds the feature vector for req as of now. It fails with MissingHistory
// when hist has no usable stat for the request's (stage, district, category).
func (e *Extractor) Extract(req workflow.Request, hist History, now time.Time) (Vector, error) {
	key := stats.Key{Stage: req.Stage, District: req.District, Category: req.Category}
	st, err := hist.Lookup(key)
	if err != nil {
		return Vector{}, err
	}
	if req.SubmittedAt.IsZero() {
		return Vector{}, faults.New(faults.MalformedRecord, req.ID, "missing submission timestamp")
	}

	daysSince := math.Floor(now.Sub(req.SubmittedAt).Hours() / 24)
	if daysSince < 0 {
		daysSince = 0
	}
	pastSLA := daysSince - float64(req.SLADays)
	if pastSLA < 0 {
		pastSLA = 0
	}

	var unknown []string
	encode := func(table, value string) float64 {
		code, err := e.encoder.Encode(table, value)
		if err != nil {
			unknown = append(unknown, table)
		}
		return float64(code)
	}

	weekday := now.Weekday()
	weekend := 0.0
	if weekday == time.Saturday || weekday == time.Sunday {
		weekend = 1
	}

	values := make([]float64, e.schema.Len())
	set := func(field string, v float64) {
		values[e.schema.Index(field)] = v
	}

	set(DaysSinceSubmission, daysSince)
	set(SLADays, float64(req.SLADays))
	set(DaysPastSLA, pastSLA)
	set(StageIndex, encode(TableStage, req.Stage))
	set(DistrictCode, encode(TableDistrict, req.District))
	set(MandalCode, encode(TableMandal, req.Mandal))
	set(CategoryCode, encode(TableCategory, req.Category))
	set(ServiceCode, encode(TableService, req.ServiceCode))
	set(HistBreachRate, st.BreachRate)
	set(HistMeanDelayHours, st.MeanDelayHours)
	set(WorkloadAtStage, float64(hist.Workload(req.Stage, req.District)))
	// Monday = 0.
	set(DayOfWeek, float64((int(weekday)+6)%7))
	set(Month, float64(now.Month()))
	set(IsWeekend, weekend)

	return Vector{Fingerprint: e.schema.Fingerprint(), Values: values, Unknown: unknown}, nil
}
