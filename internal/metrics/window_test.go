package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriscan/backend/internal/events"
)

func newTestObservatory() (*Observatory, *events.Bus) {
	bus := events.NewBus()
	return NewObservatory(bus, 0, nil), bus
}

func TestSnapshotPercentiles(t *testing.T) {
	o, _ := newTestObservatory()
	o.Track("lat", 1000, Thresholds{})

	for i := 1; i <= 100; i++ {
		o.Observe("lat", float64(i))
	}

	p := o.Snapshot("lat")
	assert.Equal(t, 100, p.Count)
	assert.InDelta(t, 51, p.P50, 1)
	assert.InDelta(t, 96, p.P95, 1)
	assert.InDelta(t, 100, p.P99, 1)
}

func TestSnapshotEmptyWindow(t *testing.T) {
	o, _ := newTestObservatory()
	o.Track("lat", 100, Thresholds{})
	assert.Equal(t, Percentiles{}, o.Snapshot("lat"))
	assert.Equal(t, Percentiles{}, o.Snapshot("never-registered"))
}

func TestWindowIsBounded(t *testing.T) {
	o, _ := newTestObservatory()
	o.Track("lat", 10, Thresholds{})

	// 10 low samples, then 10 high: the lows must be fully evicted.
	for i := 0; i < 10; i++ {
		o.Observe("lat", 1)
	}
	for i := 0; i < 10; i++ {
		o.Observe("lat", 1000)
	}

	p := o.Snapshot("lat")
	assert.Equal(t, 10, p.Count)
	assert.Equal(t, float64(1000), p.P50)
}

func TestObserveUnknownMetricAutoRegisters(t *testing.T) {
	o, _ := newTestObservatory()
	assert.NotPanics(t, func() { o.Observe("surprise", 5) })
	assert.Equal(t, 1, o.Snapshot("surprise").Count)
}

func TestViolationEventWithCooldown(t *testing.T) {
	o, bus := newTestObservatory()
	rec := events.NewRecorder(bus, events.TypeViolation)
	o.Track("lat", 100, Thresholds{P95Ms: 10})

	// Many violations inside one cooldown window emit exactly one event.
	for i := 0; i < 5; i++ {
		o.Observe("lat", 100)
	}

	assert.Eventually(t, func() bool {
		return rec.CountByType(events.TypeViolation) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.CountByType(events.TypeViolation))
	assert.Equal(t, map[string]int{"lat": 1}, o.ViolationCounts())
}

func TestP99ThresholdTakesPrecedence(t *testing.T) {
	o, bus := newTestObservatory()
	rec := events.NewRecorder(bus, events.TypeViolation)
	o.Track("lat", 100, Thresholds{P95Ms: 10, P99Ms: 50})

	o.Observe("lat", 100)

	assert.Eventually(t, func() bool {
		evs := rec.Events()
		return len(evs) == 1 && evs[0].Data["threshold"] == "p99"
	}, time.Second, 5*time.Millisecond)
}

func TestBelowThresholdNoEvent(t *testing.T) {
	o, bus := newTestObservatory()
	rec := events.NewRecorder(bus, events.TypeViolation)
	o.Track("lat", 100, Thresholds{P95Ms: 100})

	o.Observe("lat", 50)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.CountByType(events.TypeViolation))
}

func TestTrackAgainKeepsSamples(t *testing.T) {
	o, _ := newTestObservatory()
	o.Track("lat", 100, Thresholds{})
	o.Observe("lat", 5)

	o.Track("lat", 100, Thresholds{P95Ms: 1000})
	assert.Equal(t, 1, o.Snapshot("lat").Count)
}

func TestSnapshotAll(t *testing.T) {
	o, _ := newTestObservatory()
	o.Track("a", 100, Thresholds{})
	o.Track("b", 100, Thresholds{})
	o.Observe("a", 1)
	o.Observe("b", 2)

	all := o.SnapshotAll()
	require.Len(t, all, 2)
	assert.Equal(t, 1, all["a"].Count)
	assert.Equal(t, 1, all["b"].Count)
}

func TestHeapSamplerRuns(t *testing.T) {
	o, _ := newTestObservatory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o.Start(ctx, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		used, _ := o.HeapStatus()
		return used > 0
	}, time.Second, 10*time.Millisecond)
	o.Stop()
}
