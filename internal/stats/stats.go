// Package stats maintains the running delay aggregates keyed by (stage, district, category).
// Readers always see an immutable Snapshot; writers build a new one and publish it with an
// atomic pointer swap.
package stats

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nadmax/slawatch/internal/faults"
	"github.com/nadmax/slawatch/internal/workflow"
)

type Key struct {
	Stage    string `json:"stage"`
	District string `json:"district"`
	Category string `json:"category"`
}

func (k Key) String() string {
	return k.Stage + "/" + k.District + "/" + k.Category
}

type Stat struct {
	Count              int     `json:"count" yaml:"count"`
	MeanDelayHours     float64 `json:"mean_delay_hours" yaml:"mean_delay_hours"`
	BreachRate         float64 `json:"breach_rate" yaml:"breach_rate"`
	Variance           float64 `json:"variance" yaml:"variance"`
	M2                 float64 `json:"m2" yaml:"-"`
	MeanResidencyHours float64 `json:"mean_residency_hours" yaml:"mean_residency_hours"`
}

// Add folds one observation into the aggregate using Welford's update.
func (s Stat) Add(delayHours float64, breached bool, residencyHours float64) Stat {
	s.Count++
	n := float64(s.Count)

	d := delayHours - s.MeanDelayHours
	s.MeanDelayHours += d / n
	s.M2 += d * (delayHours - s.MeanDelayHours)
	if s.Count > 1 {
		s.Variance = s.M2 / (n - 1)
	}

	b := 0.0
	if breached {
		b = 1
	}
	s.BreachRate += (b - s.BreachRate) / n
	s.MeanResidencyHours += (residencyHours - s.MeanResidencyHours) / n

	return s
}

func (s Stat) StdDev() float64 {
	return math.Sqrt(s.Variance)
}

type workloadKey struct {
	stage    string
	district string
}

type Snapshot struct {
	Version  int64
	BuiltAt  time.Time
	entries  map[Key]Stat
	workload map[workloadKey]int
	fallback *Stat
}

func NewSnapshot(entries map[Key]Stat) *Snapshot {
	cp := make(map[Key]Stat, len(entries))
	for k, v := range entries {
		cp[k] = v
	}

	return &Snapshot{entries: cp, workload: map[workloadKey]int{}}
}

// Lookup returns the stat for k. A missing key or an empty stat is a MissingHistory
// fault unless the snapshot was derived with WithDefault.
func (s *Snapshot) Lookup(k Key) (Stat, error) {
	st, ok := s.entries[k]
	if ok && st.Count > 0 {
		return st, nil
	}
	if s.fallback != nil {
		return *s.fallback, nil
	}

	return Stat{}, faults.New(faults.MissingHistory, k.String(), "no historical stats for key")
}

// WithDefault derives a read-only view whose Lookup answers fallback for unknown keys.
func (s *Snapshot) WithDefault(fallback Stat) *Snapshot {
	view := *s
	view.fallback = &fallback

	return &view
}

func (s *Snapshot) Workload(stage, district string) int {
	return s.workload[workloadKey{stage: stage, district: district}]
}

func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Keys returns every key in deterministic order.
func (s *Snapshot) Keys() []Key {
	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	return keys
}

// StageBreachRate is the count-weighted breach rate of a stage across all districts
// and categories, with the number of folded observations behind it.
func (s *Snapshot) StageBreachRate(stage string) (float64, int) {
	var weighted float64
	var n int
	for _, k := range s.Keys() {
		if k.Stage != stage {
			continue
		}
		st := s.entries[k]
		weighted += st.BreachRate * float64(st.Count)
		n += st.Count
	}

	if n == 0 {
		return 0, 0
	}

	return weighted / float64(n), n
}

type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	now     func() time.Time
}

func NewStore() *Store {
	s := &Store{now: time.Now}
	s.current.Store(NewSnapshot(nil))

	return s
}

func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Replace publishes snap as the current version.
func (s *Store) Replace(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.Version = s.current.Load().Version + 1
	snap.BuiltAt = s.now()
	s.current.Store(snap)
}

// Fold adds closed requests to a copy of the current aggregates and publishes it.
// Open and cancelled requests are ignored.
func (s *Store) Fold(requests []workflow.Request) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	next := NewSnapshot(prev.entries)
	for k, v := range prev.workload {
		next.workload[k] = v
	}

	for _, r := range requests {
		foldRequest(next.entries, r)
	}

	next.Version = prev.Version + 1
	next.BuiltAt = s.now()
	s.current.Store(next)

	return next
}

// SetWorkload replaces the per-(stage, district) open counts with those of open.
func (s *Store) SetWorkload(open []workflow.Request) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	next := NewSnapshot(prev.entries)
	for _, r := range open {
		if r.Status != workflow.StatusOpen {
			continue
		}
		next.workload[workloadKey{stage: r.Stage, district: r.District}]++
	}

	next.Version = prev.Version + 1
	next.BuiltAt = s.now()
	s.current.Store(next)

	return next
}

func foldRequest(entries map[Key]Stat, r workflow.Request) {
	if r.Status != workflow.StatusClosed || r.CompletedAt == nil {
		return
	}

	end := *r.CompletedAt
	delay := r.DelayHours(end)
	breached := delay > 0

	if len(r.History) == 0 {
		k := Key{Stage: r.Stage, District: r.District, Category: r.Category}
		entries[k] = entries[k].Add(delay, breached, r.TATHours())
		return
	}

	for _, ev := range r.History {
		k := Key{Stage: ev.Stage, District: r.District, Category: r.Category}
		entries[k] = entries[k].Add(delay, breached, ev.Residency(end).Hours())
	}
}
