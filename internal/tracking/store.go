// Package tracking keeps the per-artifact stage log used for forensics.
// Appends never fail the caller: storage errors are logged and swallowed,
// because losing a trace entry must never fail a request.
package tracking

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/veriscan/backend/internal/core"
)

// recordTTL is the sliding lifetime of one artifact's log.
const recordTTL = 2 * time.Hour

// evictionDelay keeps logs queryable briefly after a request finishes.
const evictionDelay = 5 * time.Minute

// ListStore is the minimal append-log contract the tracker needs.
type ListStore interface {
	RPush(ctx context.Context, key string, value []byte) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	LRange(ctx context.Context, key string) ([][]byte, error)
	Del(ctx context.Context, keys ...string) error
}

// Tracker records ordered stage transitions per artifact.
type Tracker struct {
	store  ListStore
	prefix string

	mu     sync.Mutex
	lastMs map[string]int64 // clamp so per-artifact timestamps never regress
	timers map[string]*time.Timer
}

// New creates a tracker over the given store.
func New(store ListStore) *Tracker {
	return &Tracker{
		store:  store,
		prefix: "track:",
		lastMs: make(map[string]int64),
		timers: make(map[string]*time.Timer),
	}
}

// Append records a stage transition. Timestamps are monotonic per artifact.
// Never returns an error; failures are logged.
func (t *Tracker) Append(ctx context.Context, artifactID, stage string, payload map[string]interface{}) {
	// The lock covers the push too, so list order matches timestamp order.
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UnixMilli()
	if last, ok := t.lastMs[artifactID]; ok && now < last {
		now = last
	}
	t.lastMs[artifactID] = now

	entry := core.StageEntry{Stage: stage, TimestampMs: now, Payload: payload}
	data, err := json.Marshal(&entry)
	if err != nil {
		slog.Warn("[Tracking] Marshal failed", "artifact_id", artifactID, "stage", stage, "error", err)
		return
	}

	key := t.prefix + artifactID
	if err := t.store.RPush(ctx, key, data); err != nil {
		slog.Warn("[Tracking] Append failed", "artifact_id", artifactID, "stage", stage, "error", err)
		return
	}
	if err := t.store.Expire(ctx, key, recordTTL); err != nil {
		slog.Warn("[Tracking] Expire failed", "artifact_id", artifactID, "error", err)
	}
}

// Record returns the full stage log for an artifact.
func (t *Tracker) Record(ctx context.Context, artifactID string) []core.StageEntry {
	raws, err := t.store.LRange(ctx, t.prefix+artifactID)
	if err != nil {
		slog.Warn("[Tracking] Read failed", "artifact_id", artifactID, "error", err)
		return nil
	}
	entries := make([]core.StageEntry, 0, len(raws))
	for _, raw := range raws {
		var e core.StageEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// ScheduleEviction removes the artifact's log after the grace delay so it
// stays queryable briefly after completion.
func (t *Tracker) ScheduleEviction(artifactID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.timers[artifactID]; ok {
		prev.Stop()
	}
	t.timers[artifactID] = time.AfterFunc(evictionDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.store.Del(ctx, t.prefix+artifactID); err != nil {
			slog.Warn("[Tracking] Eviction failed", "artifact_id", artifactID, "error", err)
		}
		t.mu.Lock()
		delete(t.timers, artifactID)
		delete(t.lastMs, artifactID)
		t.mu.Unlock()
	})
}

// Close stops pending eviction timers.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

type memList struct {
	values    [][]byte
	expiresAt time.Time
}

// MemoryListStore is a process-local ListStore for tests and degraded mode.
type MemoryListStore struct {
	mu    sync.Mutex
	lists map[string]*memList
}

// NewMemoryListStore creates an empty store.
func NewMemoryListStore() *MemoryListStore {
	return &MemoryListStore{lists: make(map[string]*memList)}
}

func (m *MemoryListStore) RPush(ctx context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[key]
	if !ok || (!l.expiresAt.IsZero() && time.Now().After(l.expiresAt)) {
		l = &memList{}
		m.lists[key] = l
	}
	l.values = append(l.values, cp)
	return nil
}

func (m *MemoryListStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lists[key]; ok {
		l.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

func (m *MemoryListStore) LRange(ctx context.Context, key string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[key]
	if !ok || (!l.expiresAt.IsZero() && time.Now().After(l.expiresAt)) {
		return nil, nil
	}
	out := make([][]byte, len(l.values))
	copy(out, l.values)
	return out, nil
}

func (m *MemoryListStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.lists, k)
	}
	return nil
}
