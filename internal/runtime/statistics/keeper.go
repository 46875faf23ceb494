// Package statistics keeps counters and distributions for adapters,
// receivers and pipeline steps, and walks them in a fixed order through a
// Handler.
package statistics

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

const defaultSampleSize = 512

var (
	// DurationBoundaries are the default bucket upper bounds for durations in milliseconds.
	DurationBoundaries = []int64{100, 1000, 2000, 10000}
	// SizeBoundaries are the default bucket upper bounds for message sizes in bytes.
	SizeBoundaries = []int64{100_000, 1_000_000, 10_000_000, 100_000_000}
)

// Bucket is one histogram bucket. The last bucket of a summary has no upper
// bound and UpperBound is -1.
type Bucket struct {
	Label      string `json:"label"`
	UpperBound int64  `json:"upper_bound"`
	Count      int64  `json:"count"`
}

// Percentiles are computed from the most recent samples only.
type Percentiles struct {
	P50        int64 `json:"p50"`
	P95        int64 `json:"p95"`
	P99        int64 `json:"p99"`
	SampleSize int   `json:"sample_size"`
}

// Summary describes the values recorded over one period.
type Summary struct {
	Count       int64       `json:"count"`
	Sum         int64       `json:"sum"`
	Min         int64       `json:"min"`
	Max         int64       `json:"max"`
	Avg         float64     `json:"avg"`
	StdDev      float64     `json:"stddev"`
	Buckets     []Bucket    `json:"buckets"`
	Percentiles Percentiles `json:"percentiles"`
}

// Snapshot is a point-in-time copy of a Keeper.
type Snapshot struct {
	Name     string   `json:"name"`
	Unit     string   `json:"unit"`
	Lifetime Summary  `json:"lifetime"`
	Interval Summary  `json:"interval"`
	Previous *Summary `json:"previous,omitempty"`
}

// KeeperOption customises a Keeper.
type KeeperOption func(*Keeper)

// WithBoundaries replaces the bucket upper bounds. Bounds are sorted.
func WithBoundaries(bounds ...int64) KeeperOption {
	return func(k *Keeper) {
		b := append([]int64(nil), bounds...)
		sort.Slice(b, func(i, j int) bool { return b[i] < b[j] })
		k.boundaries = b
	}
}

// WithUnit sets the unit label used in bucket labels.
func WithUnit(unit string) KeeperOption {
	return func(k *Keeper) { k.unit = unit }
}

// WithSampleSize sets how many recent values feed the percentiles.
func WithSampleSize(n int) KeeperOption {
	return func(k *Keeper) {
		if n > 0 {
			k.sampleSize = n
		}
	}
}

// Keeper accumulates a distribution of int64 values for its whole lifetime
// and for the current interval. It is safe for concurrent use.
type Keeper struct {
	name       string
	unit       string
	boundaries []int64
	sampleSize int

	mu       sync.Mutex
	lifetime *accumulator
	interval *accumulator
	previous *Summary
}

// NewKeeper returns a duration keeper in milliseconds.
func NewKeeper(name string, opts ...KeeperOption) *Keeper {
	k := &Keeper{
		name:       name,
		unit:       "ms",
		boundaries: DurationBoundaries,
		sampleSize: defaultSampleSize,
	}
	for _, opt := range opts {
		opt(k)
	}
	k.lifetime = newAccumulator(len(k.boundaries), k.sampleSize)
	k.interval = newAccumulator(len(k.boundaries), k.sampleSize)
	return k
}

// NewSizeKeeper returns a keeper for message sizes in bytes.
func NewSizeKeeper(name string, opts ...KeeperOption) *Keeper {
	return NewKeeper(name, append([]KeeperOption{WithUnit("B"), WithBoundaries(SizeBoundaries...)}, opts...)...)
}

// Name returns the keeper name.
func (k *Keeper) Name() string { return k.name }

// Record adds one value.
func (k *Keeper) Record(v int64) {
	idx := sort.Search(len(k.boundaries), func(i int) bool { return v < k.boundaries[i] })
	k.mu.Lock()
	k.lifetime.add(v, idx)
	k.interval.add(v, idx)
	k.mu.Unlock()
}

// RecordDuration adds d in milliseconds.
func (k *Keeper) RecordDuration(d time.Duration) {
	k.Record(d.Milliseconds())
}

// Count returns the lifetime number of recorded values.
func (k *Keeper) Count() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lifetime.count
}

// Snapshot copies the current state.
func (k *Keeper) Snapshot() Snapshot {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.snapshotLocked()
}

// Apply performs the interval part of action. Lifetime values are never
// cleared.
func (k *Keeper) Apply(action Action) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.applyLocked(action)
}

// SnapshotAndApply copies the current state and applies action in one
// step, so nothing recorded in between is lost from the interval.
func (k *Keeper) SnapshotAndApply(action Action) Snapshot {
	k.mu.Lock()
	defer k.mu.Unlock()
	snap := k.snapshotLocked()
	k.applyLocked(action)
	return snap
}

func (k *Keeper) snapshotLocked() Snapshot {
	snap := Snapshot{
		Name:     k.name,
		Unit:     k.unit,
		Lifetime: k.lifetime.summary(k.boundaries, k.unit),
		Interval: k.interval.summary(k.boundaries, k.unit),
	}
	if k.previous != nil {
		prev := *k.previous
		snap.Previous = &prev
	}
	return snap
}

func (k *Keeper) applyLocked(action Action) {
	if action != ActionMark && action != ActionReset {
		return
	}
	if action == ActionMark {
		prev := k.interval.summary(k.boundaries, k.unit)
		k.previous = &prev
	}
	k.interval = newAccumulator(len(k.boundaries), k.sampleSize)
}

type accumulator struct {
	count   int64
	sum     int64
	sumSq   float64
	min     int64
	max     int64
	buckets []int64
	window  *sampleWindow
}

func newAccumulator(bounds, sampleSize int) *accumulator {
	return &accumulator{
		buckets: make([]int64, bounds+1),
		window:  newSampleWindow(sampleSize),
	}
}

func (a *accumulator) add(v int64, bucket int) {
	if a.count == 0 || v < a.min {
		a.min = v
	}
	if a.count == 0 || v > a.max {
		a.max = v
	}
	a.count++
	a.sum += v
	a.sumSq += float64(v) * float64(v)
	a.buckets[bucket]++
	a.window.add(v)
}

func (a *accumulator) summary(bounds []int64, unit string) Summary {
	s := Summary{
		Count:       a.count,
		Sum:         a.sum,
		Min:         a.min,
		Max:         a.max,
		Buckets:     make([]Bucket, len(a.buckets)),
		Percentiles: a.window.percentiles(),
	}
	if a.count > 0 {
		n := float64(a.count)
		s.Avg = float64(a.sum) / n
		if a.count > 1 {
			variance := (a.sumSq - float64(a.sum)*s.Avg) / (n - 1)
			if variance > 0 {
				s.StdDev = math.Sqrt(variance)
			}
		}
	}
	for i, c := range a.buckets {
		if i < len(bounds) {
			s.Buckets[i] = Bucket{Label: fmt.Sprintf("< %d%s", bounds[i], unit), UpperBound: bounds[i], Count: c}
			continue
		}
		label := "all"
		if len(bounds) > 0 {
			label = fmt.Sprintf(">= %d%s", bounds[len(bounds)-1], unit)
		}
		s.Buckets[i] = Bucket{Label: label, UpperBound: -1, Count: c}
	}
	return s
}

// sampleWindow is a ring of the most recent values.
type sampleWindow struct {
	samples []int64
	next    int
	filled  int
}

func newSampleWindow(size int) *sampleWindow {
	if size <= 0 {
		size = defaultSampleSize
	}
	return &sampleWindow{samples: make([]int64, size)}
}

func (w *sampleWindow) add(v int64) {
	w.samples[w.next] = v
	w.next = (w.next + 1) % len(w.samples)
	if w.filled < len(w.samples) {
		w.filled++
	}
}

func (w *sampleWindow) percentiles() Percentiles {
	if w.filled == 0 {
		return Percentiles{}
	}
	samples := make([]int64, w.filled)
	for i := 0; i < w.filled; i++ {
		idx := w.next - w.filled + i
		if idx < 0 {
			idx += len(w.samples)
		}
		samples[i] = w.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return Percentiles{
		P50:        percentile(samples, 0.50),
		P95:        percentile(samples, 0.95),
		P99:        percentile(samples, 0.99),
		SampleSize: w.filled,
	}
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}
