package admin

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ResourceUsage is a coarse view of the process.
type ResourceUsage struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryBytes uint64    `json:"memory_bytes"`
	Goroutines  int       `json:"goroutines"`
	NumCPU      int       `json:"num_cpu"`
	GoVersion   string    `json:"go_version"`
	StartedAt   time.Time `json:"started_at"`
	Uptime      string    `json:"uptime"`
}

// resourceTracker derives CPU usage from the difference between two
// samples, so the first snapshot always reports zero.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         int
	started        time.Time
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{{Name: "/sched/cpu:seconds"}},
		numCPU:  runtime.NumCPU(),
		started: time.Now(),
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = []metrics.Sample{{Name: "/sched/cpu:seconds"}}
	}
	metrics.Read(r.samples)
	sample := r.samples[0]
	haveCPU := sample.Value.Kind() == metrics.KindFloat64
	var cpuSeconds float64
	if haveCPU {
		cpuSeconds = sample.Value.Float64()
	}
	now := time.Now()

	var cpuPercent float64
	if haveCPU && !r.lastSample.IsZero() {
		deltaWall := now.Sub(r.lastSample).Seconds()
		if deltaWall > 0 && r.numCPU > 0 {
			cpuPercent = ((cpuSeconds - r.lastCPUSeconds) / deltaWall) / float64(r.numCPU) * 100
		}
	}
	if haveCPU {
		r.lastCPUSeconds = cpuSeconds
	}
	r.lastSample = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	usage := ResourceUsage{
		CPUPercent:  cpuPercent,
		MemoryBytes: mem.Alloc,
		Goroutines:  runtime.NumGoroutine(),
		NumCPU:      r.numCPU,
		GoVersion:   runtime.Version(),
	}
	if !r.started.IsZero() {
		usage.StartedAt = r.started
		usage.Uptime = now.Sub(r.started).Round(time.Second).String()
	}
	return usage
}
