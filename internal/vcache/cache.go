// Package vcache is the dedup/result cache: content hash → verdict, with a
// TTL chosen from the verdict's confidence level. Backed by any key/value
// store with TTL semantics; deployments use Redis, tests and degraded mode
// use the in-memory store.
package vcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veriscan/backend/internal/core"
)

const entryVersion = 1

// KV is the minimal store contract. Get returns ok=false on a miss.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Size(ctx context.Context) (int, error)
}

// TTLTable maps confidence level → entry lifetime.
type TTLTable map[core.ConfidenceLevel]time.Duration

// DefaultTTLTable returns the standard lifetimes.
func DefaultTTLTable() TTLTable {
	return TTLTable{
		core.ConfidenceHigh:           4 * time.Hour,
		core.ConfidenceMedium:         2 * time.Hour,
		core.ConfidenceLow:            1 * time.Hour,
		core.ConfidenceReviewRequired: 30 * time.Minute,
	}
}

// Entry is the stored record: the verdict plus cache metadata.
type Entry struct {
	Verdict    core.Verdict         `json:"verdict"`
	CachedAtMs int64                `json:"cached_at_ms"`
	TTLMs      int64                `json:"ttl_ms"`
	Confidence core.ConfidenceLevel `json:"confidence"`
	Version    int                  `json:"version"`
}

// Cache is the verdict cache.
type Cache struct {
	kv     KV
	ttls   TTLTable
	prefix string
}

// New creates a cache over kv. A nil TTL table gets the defaults.
func New(kv KV, ttls TTLTable) *Cache {
	if ttls == nil {
		ttls = DefaultTTLTable()
	}
	return &Cache{kv: kv, ttls: ttls, prefix: "verdict:"}
}

// Lookup returns the cached verdict for hash, or nil on miss/expiry.
// The returned verdict is marked CacheHit.
func (c *Cache) Lookup(ctx context.Context, hash string) (*core.Verdict, error) {
	data, ok, err := c.kv.Get(ctx, c.prefix+hash)
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		slog.Warn("[Cache] Corrupt entry dropped", "hash", hash, "error", err)
		return nil, nil
	}
	// Expiry double-check for stores without server-side TTL.
	if time.Now().UnixMilli() > entry.CachedAtMs+entry.TTLMs {
		return nil, nil
	}

	verdict := entry.Verdict
	verdict.CacheHit = true
	return &verdict, nil
}

// Store writes the verdict under hash with the confidence-derived TTL,
// overwriting any prior entry.
func (c *Cache) Store(ctx context.Context, hash string, verdict *core.Verdict) error {
	ttl, ok := c.ttls[verdict.ConfidenceLevel]
	if !ok {
		ttl = c.ttls[core.ConfidenceLow]
	}
	entry := Entry{
		Verdict:    *verdict,
		CachedAtMs: time.Now().UnixMilli(),
		TTLMs:      ttl.Milliseconds(),
		Confidence: verdict.ConfidenceLevel,
		Version:    entryVersion,
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	if err := c.kv.Set(ctx, c.prefix+hash, data, ttl); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Size reports the number of stored entries, best effort.
func (c *Cache) Size(ctx context.Context) int {
	n, err := c.kv.Size(ctx)
	if err != nil {
		return -1
	}
	return n
}

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryKV is a process-local KV used in tests and degraded deployments.
// Writes replace atomically under the lock so concurrent readers observe
// either the old or the new value, never a torn one.
type MemoryKV struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]memEntry)}
}

func (m *MemoryKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	m.entries[key] = memEntry{value: cp, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryKV) Size(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Sweep drops expired entries. The owner calls this on a timer.
func (m *MemoryKV) Sweep() {
	now := time.Now()
	m.mu.Lock()
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()
}
