// Package metrics implements the performance observatory: bounded rolling
// windows with on-demand percentiles, threshold violation events with
// cooldown, and a heap pressure sampler. Prometheus mirrors live in
// prometheus.go.
package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/veriscan/backend/internal/events"
)

// Window capacities per metric class.
const (
	CapacityRequest = 1000
	CapacityBus     = 500
	CapacityHeavy   = 200
)

// Well-known metric names.
const (
	MetricRequestLatency = "request.latency"
	MetricBusRoundTrip   = "bus.roundtrip"
	MetricAnalyzerRun    = "analyzer.run"
	MetricFileHash       = "file.hash"
)

// Thresholds configures violation detection for one metric.
type Thresholds struct {
	P95Ms float64
	P99Ms float64
}

// Percentiles is an on-demand percentile snapshot of one window.
type Percentiles struct {
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// window is one bounded sample ring. Samples overwrite oldest-first.
type window struct {
	samples    []float64
	next       int
	filled     bool
	thresholds Thresholds
	lastAlert  time.Time
}

// Observatory tracks rolling latency windows and heap pressure.
type Observatory struct {
	mu       sync.Mutex
	windows  map[string]*window
	caps     map[string]int
	bus      *events.Bus
	cooldown time.Duration

	heapLimitMB    int
	heapPressure   bool
	heapUsedMB     float64
	lastHeapAlert  time.Time
	violationCount map[string]int

	stop chan struct{}
	wg   sync.WaitGroup
	prom *PromMetrics
}

// NewObservatory creates an observatory publishing violations on bus.
// heapLimitMB bounds heap usage before MemoryPressure events fire.
func NewObservatory(bus *events.Bus, heapLimitMB int, prom *PromMetrics) *Observatory {
	o := &Observatory{
		windows:        make(map[string]*window),
		caps:           make(map[string]int),
		bus:            bus,
		cooldown:       60 * time.Second,
		heapLimitMB:    heapLimitMB,
		violationCount: make(map[string]int),
		stop:           make(chan struct{}),
		prom:           prom,
	}
	return o
}

// Track registers a metric window with a capacity and thresholds. Calling
// Track again for the same name replaces the thresholds but keeps samples.
func (o *Observatory) Track(name string, capacity int, t Thresholds) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if w, ok := o.windows[name]; ok {
		w.thresholds = t
		return
	}
	if capacity <= 0 {
		capacity = CapacityBus
	}
	o.caps[name] = capacity
	o.windows[name] = &window{
		samples:    make([]float64, 0, capacity),
		thresholds: t,
	}
}

// Observe records one sample in milliseconds. Unknown metrics get a default
// window so callers never need to pre-register. Never panics.
func (o *Observatory) Observe(name string, ms float64) {
	o.mu.Lock()
	w, ok := o.windows[name]
	if !ok {
		w = &window{samples: make([]float64, 0, CapacityBus)}
		o.windows[name] = w
		o.caps[name] = CapacityBus
	}
	if len(w.samples) < cap(w.samples) {
		w.samples = append(w.samples, ms)
	} else {
		w.samples[w.next] = ms
		w.next = (w.next + 1) % cap(w.samples)
		w.filled = true
	}

	var violated string
	if w.thresholds.P99Ms > 0 && ms > w.thresholds.P99Ms {
		violated = "p99"
	} else if w.thresholds.P95Ms > 0 && ms > w.thresholds.P95Ms {
		violated = "p95"
	}

	fire := false
	if violated != "" && time.Since(w.lastAlert) >= o.cooldown {
		w.lastAlert = time.Now()
		o.violationCount[name]++
		fire = true
	}
	o.mu.Unlock()

	if o.prom != nil {
		o.prom.ObserveLatency(name, ms)
	}
	if fire {
		o.bus.Emit(events.TypeViolation, "metrics", "", map[string]interface{}{
			"metric":    name,
			"threshold": violated,
			"value_ms":  ms,
		})
	}
}

// Snapshot computes P50/P95/P99 for one metric by sorting the current window.
func (o *Observatory) Snapshot(name string) Percentiles {
	o.mu.Lock()
	w, ok := o.windows[name]
	if !ok || len(w.samples) == 0 {
		o.mu.Unlock()
		return Percentiles{}
	}
	sorted := make([]float64, len(w.samples))
	copy(sorted, w.samples)
	o.mu.Unlock()

	sort.Float64s(sorted)
	return Percentiles{
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
		Count: len(sorted),
	}
}

// SnapshotAll returns percentiles for every tracked metric.
func (o *Observatory) SnapshotAll() map[string]Percentiles {
	o.mu.Lock()
	names := make([]string, 0, len(o.windows))
	for name := range o.windows {
		names = append(names, name)
	}
	o.mu.Unlock()

	out := make(map[string]Percentiles, len(names))
	for _, name := range names {
		out[name] = o.Snapshot(name)
	}
	return out
}

// ViolationCounts returns recent violation counts per metric.
func (o *Observatory) ViolationCounts() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int, len(o.violationCount))
	for k, v := range o.violationCount {
		out[k] = v
	}
	return out
}

// HeapStatus returns the last sampled heap usage in MB and the pressure flag.
func (o *Observatory) HeapStatus() (usedMB float64, pressure bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.heapUsedMB, o.heapPressure
}

// Start launches the heap sampler on the given cadence.
func (o *Observatory) Start(ctx context.Context, cadence time.Duration) {
	if cadence <= 0 {
		cadence = 10 * time.Second
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(cadence)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.sampleHeap()
			case <-o.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts background sampling and waits for it to exit.
func (o *Observatory) Stop() {
	close(o.stop)
	o.wg.Wait()
}

func (o *Observatory) sampleHeap() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	usedMB := float64(ms.HeapAlloc) / (1024 * 1024)

	o.mu.Lock()
	o.heapUsedMB = usedMB
	over := o.heapLimitMB > 0 && usedMB > float64(o.heapLimitMB)
	o.heapPressure = over
	fire := over && time.Since(o.lastHeapAlert) >= o.cooldown
	if fire {
		o.lastHeapAlert = time.Now()
	}
	o.mu.Unlock()

	if o.prom != nil {
		o.prom.SetHeapMB(usedMB)
	}
	if fire {
		slog.Warn("[Metrics] Heap pressure", "used_mb", usedMB, "limit_mb", o.heapLimitMB)
		o.bus.Emit(events.TypeMemoryPressure, "metrics", "", map[string]interface{}{
			"used_mb":  usedMB,
			"limit_mb": o.heapLimitMB,
		})
	}
}

// percentile returns the nearest-rank percentile of a sorted slice.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
