package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// StageStats summarizes the retained samples of one latency stage.
// Observed counts every sample since start, not just the retained ones.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	Observed    uint64  `json:"observed"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	// OverTarget is the number of retained samples above the target.
	OverTarget int `json:"over_target,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TimingSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageTargetsMS are the p95 budgets for the task pipeline stages.
var stageTargetsMS = map[string]float64{
	"submit_ack":           250,
	"start_to_first_event": 1000,
	"start_to_first_chunk": 5000,
}

// TimingWindow keeps the latest samples of each stage, so the reported
// percentiles follow current behavior.
type TimingWindow struct {
	mu         sync.Mutex
	size       int
	stages     map[string]*stageWindow
	indicators map[string]int
}

// stageWindow is a fixed-capacity buffer indexed by the lifetime sample
// count; the oldest sample is overwritten once it is full.
type stageWindow struct {
	buf      []float64
	observed uint64
}

func (s *stageWindow) add(ms float64) {
	if len(s.buf) < cap(s.buf) {
		s.buf = append(s.buf, ms)
	} else {
		s.buf[s.observed%uint64(cap(s.buf))] = ms
	}
	s.observed++
}

func (s *stageWindow) last() float64 {
	if s.observed == 0 {
		return 0
	}
	return s.buf[(s.observed-1)%uint64(cap(s.buf))]
}

func (s *stageWindow) stats(name string) StageStats {
	sorted := slices.Clone(s.buf)
	slices.Sort(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	target := stageTargetsMS[name]
	over := 0
	if target > 0 {
		// Samples are sorted, so everything past the first one above the
		// target is over it too.
		i, _ := slices.BinarySearch(sorted, math.Nextafter(target, math.Inf(1)))
		over = len(sorted) - i
	}
	return StageStats{
		Stage:       name,
		Samples:     len(sorted),
		Observed:    s.observed,
		LastMS:      round2(s.last()),
		AvgMS:       round2(sum / float64(len(sorted))),
		P50MS:       round2(nearestRank(sorted, 50)),
		P95MS:       round2(nearestRank(sorted, 95)),
		P99MS:       round2(nearestRank(sorted, 99)),
		MaxMS:       round2(sorted[len(sorted)-1]),
		TargetP95MS: target,
		OverTarget:  over,
	}
}

func NewTimingWindow(size int) *TimingWindow {
	if size <= 0 {
		size = 256
	}
	return &TimingWindow{
		size:       size,
		stages:     make(map[string]*stageWindow),
		indicators: make(map[string]int),
	}
}

// Observe records a stage latency in milliseconds. Negative values and
// empty stage names are ignored.
func (w *TimingWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	sw, ok := w.stages[stage]
	if !ok {
		sw = &stageWindow{buf: make([]float64, 0, w.size)}
		w.stages[stage] = sw
	}
	sw.add(ms)
}

func (w *TimingWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *TimingWindow) Snapshot() TimingSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TimingSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.stages)),
	}
	for _, name := range slices.Sorted(maps.Keys(w.stages)) {
		if sw := w.stages[name]; len(sw.buf) > 0 {
			snap.Stages = append(snap.Stages, sw.stats(name))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

// nearestRank returns the smallest sample with at least pct percent of the
// samples at or below it.
func nearestRank(sorted []float64, pct int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (pct*len(sorted) + 99) / 100
	return sorted[min(max(rank, 1), len(sorted))-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
