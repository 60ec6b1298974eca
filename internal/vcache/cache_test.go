package vcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriscan/backend/internal/core"
)

func testVerdict(conf core.ConfidenceLevel) *core.Verdict {
	return &core.Verdict{
		IsAuthentic:       true,
		ConfidenceLevel:   conf,
		ArtifactClass:     core.ClassImage,
		ContentHashPrefix: "abcd1234abcd1234",
		PerformanceClass:  core.PerfOptimal,
		CorrelationID:     "corr-1",
		TimestampUTC:      time.Now().UTC(),
	}
}

func TestStoreAndLookup(t *testing.T) {
	cache := New(NewMemoryKV(), nil)
	ctx := context.Background()

	require.NoError(t, cache.Store(ctx, "hash-1", testVerdict(core.ConfidenceHigh)))

	got, err := cache.Lookup(ctx, "hash-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsAuthentic)
	assert.Equal(t, core.ConfidenceHigh, got.ConfidenceLevel)
	assert.True(t, got.CacheHit, "returned verdict must be marked as a cache hit")
}

func TestLookupMiss(t *testing.T) {
	cache := New(NewMemoryKV(), nil)

	got, err := cache.Lookup(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTTLByConfidence(t *testing.T) {
	table := DefaultTTLTable()
	assert.Equal(t, 4*time.Hour, table[core.ConfidenceHigh])
	assert.Equal(t, 2*time.Hour, table[core.ConfidenceMedium])
	assert.Equal(t, 1*time.Hour, table[core.ConfidenceLow])
	assert.Equal(t, 30*time.Minute, table[core.ConfidenceReviewRequired])
}

func TestEntryExpires(t *testing.T) {
	cache := New(NewMemoryKV(), TTLTable{
		core.ConfidenceHigh: 20 * time.Millisecond,
		core.ConfidenceLow:  20 * time.Millisecond,
	})
	ctx := context.Background()

	require.NoError(t, cache.Store(ctx, "hash-1", testVerdict(core.ConfidenceHigh)))

	got, err := cache.Lookup(ctx, "hash-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	time.Sleep(30 * time.Millisecond)
	got, err = cache.Lookup(ctx, "hash-1")
	require.NoError(t, err)
	assert.Nil(t, got, "expired entry must read as a miss")
}

func TestStoreOverwrites(t *testing.T) {
	cache := New(NewMemoryKV(), nil)
	ctx := context.Background()

	first := testVerdict(core.ConfidenceLow)
	require.NoError(t, cache.Store(ctx, "hash-1", first))

	second := testVerdict(core.ConfidenceHigh)
	second.IsAuthentic = false
	require.NoError(t, cache.Store(ctx, "hash-1", second))

	got, err := cache.Lookup(ctx, "hash-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.IsAuthentic)
	assert.Equal(t, core.ConfidenceHigh, got.ConfidenceLevel)
}

func TestUnknownConfidenceFallsBackToLowTTL(t *testing.T) {
	kv := NewMemoryKV()
	cache := New(kv, TTLTable{core.ConfidenceLow: time.Hour})
	ctx := context.Background()

	v := testVerdict(core.ConfidenceLevel("weird"))
	require.NoError(t, cache.Store(ctx, "hash-1", v))

	got, err := cache.Lookup(ctx, "hash-1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestCorruptEntryReadsAsMiss(t *testing.T) {
	kv := NewMemoryKV()
	cache := New(kv, nil)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "verdict:hash-1", []byte("{not json"), time.Hour))

	got, err := cache.Lookup(ctx, "hash-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSize(t *testing.T) {
	cache := New(NewMemoryKV(), nil)
	ctx := context.Background()

	assert.Equal(t, 0, cache.Size(ctx))
	require.NoError(t, cache.Store(ctx, "hash-1", testVerdict(core.ConfidenceHigh)))
	require.NoError(t, cache.Store(ctx, "hash-2", testVerdict(core.ConfidenceLow)))
	assert.Equal(t, 2, cache.Size(ctx))
}

func TestMemoryKVSweep(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "stale", []byte("v"), 5*time.Millisecond))
	require.NoError(t, kv.Set(ctx, "fresh", []byte("v"), time.Hour))

	time.Sleep(10 * time.Millisecond)
	kv.Sweep()

	n, err := kv.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
