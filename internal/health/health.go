// Package health aggregates component state into one probe snapshot with an
// overall status derived from degradation rules.
package health

import (
	"context"
	"time"

	"github.com/veriscan/backend/internal/analyzer"
	"github.com/veriscan/backend/internal/bus"
	"github.com/veriscan/backend/internal/circuitbreaker"
	"github.com/veriscan/backend/internal/config"
	"github.com/veriscan/backend/internal/governor"
	"github.com/veriscan/backend/internal/metrics"
	"github.com/veriscan/backend/internal/vcache"
)

// Status is the overall health grade.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Snapshot is the full probe response.
type Snapshot struct {
	Status       Status                         `json:"status"`
	Timestamp    time.Time                      `json:"timestamp"`
	Percentiles  map[string]metrics.Percentiles `json:"percentiles"`
	HeapUsedMB   float64                        `json:"heap_used_mb"`
	HeapPressure bool                           `json:"heap_pressure"`
	Circuit      circuitbreaker.Snapshot        `json:"circuit"`
	Governor     governor.Stats                 `json:"governor"`
	BusDegraded  bool                           `json:"bus_degraded"`
	Analyzers    []analyzer.Info                `json:"analyzers"`
	LoadErrors   []analyzer.LoadError           `json:"analyzer_load_errors,omitempty"`
	CacheSize    int                            `json:"cache_size"`
	Violations   map[string]int                 `json:"violations"`
}

// Checker assembles snapshots from the live components.
type Checker struct {
	cfg         *config.Config
	observatory *metrics.Observatory
	breaker     *circuitbreaker.CircuitBreaker
	governor    *governor.Governor
	bus         *bus.Client
	registry    *analyzer.Registry
	cache       *vcache.Cache
}

// New creates a checker over the given components.
func New(cfg *config.Config, obs *metrics.Observatory, cb *circuitbreaker.CircuitBreaker,
	gov *governor.Governor, busClient *bus.Client, reg *analyzer.Registry, cache *vcache.Cache) *Checker {
	return &Checker{
		cfg:         cfg,
		observatory: obs,
		breaker:     cb,
		governor:    gov,
		bus:         busClient,
		registry:    reg,
		cache:       cache,
	}
}

// Snapshot gathers current state and grades it.
func (c *Checker) Snapshot(ctx context.Context) Snapshot {
	s := Snapshot{
		Timestamp:   time.Now().UTC(),
		Percentiles: c.observatory.SnapshotAll(),
		Circuit:     c.breaker.Snapshot(),
		Governor:    c.governor.Snapshot(),
		BusDegraded: c.bus.Degraded(),
		Analyzers:   c.registry.List(),
		LoadErrors:  c.registry.LoadErrors(),
		CacheSize:   c.cache.Size(ctx),
		Violations:  c.observatory.ViolationCounts(),
	}
	s.HeapUsedMB, s.HeapPressure = c.observatory.HeapStatus()
	s.Status = c.grade(s)
	return s
}

// grade applies the degradation rules: any open circuit or unreachable bus
// is at least degraded, two or more such conditions are critical; slow P95
// or heap pressure also degrade.
func (c *Checker) grade(s Snapshot) Status {
	hardFailures := 0
	if s.Circuit.State == circuitbreaker.StateOpen.String() {
		hardFailures++
	}
	if s.BusDegraded {
		hardFailures++
	}
	if hardFailures >= 2 {
		return StatusCritical
	}

	degraded := hardFailures == 1 || s.HeapPressure
	if p, ok := s.Percentiles[metrics.MetricRequestLatency]; ok && p.Count > 0 {
		target := float64(c.cfg.Performance.FileProcP95Ms)
		if target > 0 && p.P95 > 1.5*target {
			degraded = true
		}
	}
	if degraded {
		return StatusDegraded
	}
	return StatusOK
}
