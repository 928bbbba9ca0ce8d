// Package features turns a service-request snapshot and the historical aggregates into the
// fixed-shape numeric vector consumed by the delay scorers.
package features

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/nadmax/slawatch/internal/faults"
	"github.com/nadmax/slawatch/internal/workflow"
)

const (
	DaysSinceSubmission = "days_since_submission"
	SLADays             = "sla_days"
	DaysPastSLA         = "days_past_sla"
	StageIndex          = "stage_index"
	DistrictCode        = "district_code"
	MandalCode          = "mandal_code"
	CategoryCode        = "category_code"
	ServiceCode         = "service_code"
	HistBreachRate      = "hist_breach_rate"
	HistMeanDelayHours  = "hist_mean_delay_hours"
	WorkloadAtStage     = "workload_at_stage"
	DayOfWeek           = "day_of_week"
	Month               = "month"
	IsWeekend           = "is_weekend"
)

// Table names for the categorical encoders.
const (
	TableStage    = "stage"
	TableDistrict = "district"
	TableMandal   = "mandal"
	TableCategory = "category"
	TableService  = "service_code"
)

// Schema is one versioned feature contract: field order plus the lookup tables that
// encode categorical fields. Field order and count never change within a version.
type Schema struct {
	Version     int
	Fields      []string
	Tables      map[string][]string
	fingerprint string
	index       map[string]int
}

func newSchema(version int, fields []string, tables map[string][]string) Schema {
	s := Schema{
		Version: version,
		Fields:  fields,
		Tables:  tables,
		index:   make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		s.index[f] = i
	}
	s.fingerprint = computeFingerprint(s)

	return s
}

func serviceCodes(n int) []string {
	codes := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		codes = append(codes, fmt.Sprintf("CAT-B-%03d", i))
	}

	return codes
}

var schemaV1 = newSchema(1,
	[]string{
		DaysSinceSubmission,
		SLADays,
		DaysPastSLA,
		StageIndex,
		DistrictCode,
		MandalCode,
		CategoryCode,
		ServiceCode,
		HistBreachRate,
		HistMeanDelayHours,
		WorkloadAtStage,
		DayOfWeek,
		Month,
		IsWeekend,
	},
	map[string][]string{
		TableStage:    workflow.Stages,
		TableDistrict: {"Visakhapatnam", "Vijayawada", "Guntur", "Nellore", "Kurnool", "Anantapur"},
		TableMandal:   {"Urban", "Rural", "Semi-Urban"},
		TableCategory: {"CATEGORY_A", "CATEGORY_B", "CATEGORY_C"},
		TableService:  serviceCodes(50),
	},
)

var schemas = map[int]Schema{1: schemaV1}

// SchemaFor returns the registered schema for version.
func SchemaFor(version int) (Schema, error) {
	s, ok := schemas[version]
	if !ok {
		return Schema{}, faults.New(faults.InvalidConfiguration, fmt.Sprintf("schema_version=%d", version), "unknown feature schema version")
	}

	return s, nil
}

func Default() Schema {
	return schemaV1
}

func (s Schema) Fingerprint() string {
	return s.fingerprint
}

func (s Schema) Len() int {
	return len(s.Fields)
}

// Index returns the position of field, or -1.
func (s Schema) Index(field string) int {
	if i, ok := s.index[field]; ok {
		return i
	}

	return -1
}

func computeFingerprint(s Schema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "v%d|%s", s.Version, strings.Join(s.Fields, ","))

	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "|%s=%s", name, strings.Join(s.Tables[name], ","))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}
