// Package governor admits requests into the pipeline: a counted semaphore
// capped at maxConcurrent, a priority queue for waiters, and a per-client
// fixed-window rate limit in front of both.
package governor

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Admission errors. All three are retryable from the client's view.
var (
	ErrRateLimited  = errors.New("client rate limit exceeded")
	ErrQueueFull    = errors.New("admission queue is full")
	ErrQueueTimeout = errors.New("timed out waiting for a slot")
)

// Config holds governor limits.
type Config struct {
	MaxConcurrent int
	QueueLimit    int
	RateWindow    time.Duration
	RateMax       int
}

// Ticket is a queued admission request.
type Ticket struct {
	ArtifactID string
	ClientID   string
	Priority   int // higher first
	EnqueuedAt time.Time

	admit     chan struct{}
	cancelled bool
	index     int // heap bookkeeping
}

// ticketHeap orders by priority descending, then enqueue time ascending.
type ticketHeap []*Ticket

func (h ticketHeap) Len() int { return len(h) }
func (h ticketHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}
func (h ticketHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *ticketHeap) Push(x interface{}) {
	t := x.(*Ticket)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *ticketHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

// Governor is the concurrency and rate admission controller.
type Governor struct {
	mu     sync.Mutex
	cfg    Config
	active map[string]struct{} // artifactID → slot held
	queue  ticketHeap
	rates  map[string]*rateWindow
	logger *slog.Logger
}

// New creates a governor. Zero limits fall back to safe defaults except
// QueueLimit, where zero is honored (everything beyond maxConcurrent is
// rejected with ErrQueueFull).
func New(cfg Config) *Governor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 50
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.RateMax <= 0 {
		cfg.RateMax = 100
	}
	return &Governor{
		cfg:    cfg,
		active: make(map[string]struct{}),
		rates:  make(map[string]*rateWindow),
		logger: slog.Default(),
	}
}

// Acquire admits the artifact or blocks up to timeout for a slot.
// Returns the time spent waiting.
func (g *Governor) Acquire(ctx context.Context, artifactID, clientID string, priority int, timeout time.Duration) (time.Duration, error) {
	g.mu.Lock()

	if !g.allowRateLocked(clientID) {
		g.mu.Unlock()
		return 0, ErrRateLimited
	}

	if len(g.active) < g.cfg.MaxConcurrent {
		g.active[artifactID] = struct{}{}
		g.mu.Unlock()
		return 0, nil
	}

	if len(g.queue) >= g.cfg.QueueLimit {
		g.mu.Unlock()
		return 0, ErrQueueFull
	}

	ticket := &Ticket{
		ArtifactID: artifactID,
		ClientID:   clientID,
		Priority:   priority,
		EnqueuedAt: time.Now(),
		admit:      make(chan struct{}),
	}
	heap.Push(&g.queue, ticket)
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ticket.admit:
		return time.Since(ticket.EnqueuedAt), nil
	case <-timer.C:
		g.abandon(ticket)
		return time.Since(ticket.EnqueuedAt), ErrQueueTimeout
	case <-ctx.Done():
		g.abandon(ticket)
		return time.Since(ticket.EnqueuedAt), ctx.Err()
	}
}

// abandon removes a waiting ticket. If admission raced the timeout, the
// granted slot is handed back so accounting stays exact.
func (g *Governor) abandon(ticket *Ticket) {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-ticket.admit:
		// Admitted concurrently; release the slot we will not use.
		delete(g.active, ticket.ArtifactID)
		g.processQueueLocked()
		return
	default:
	}
	if ticket.index >= 0 {
		heap.Remove(&g.queue, ticket.index)
	}
	ticket.cancelled = true
}

// Release frees the artifact's slot and wakes the highest-priority waiter.
// Releasing an unknown artifact is a logged no-op.
func (g *Governor) Release(artifactID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, held := g.active[artifactID]; !held {
		g.logger.Warn("[Governor] Release without matching acquire", "artifact_id", artifactID)
		return
	}
	delete(g.active, artifactID)
	g.processQueueLocked()
}

// processQueueLocked admits waiters while capacity remains. Caller holds g.mu.
func (g *Governor) processQueueLocked() {
	for len(g.active) < g.cfg.MaxConcurrent && g.queue.Len() > 0 {
		ticket := heap.Pop(&g.queue).(*Ticket)
		if ticket.cancelled {
			continue
		}
		g.active[ticket.ArtifactID] = struct{}{}
		close(ticket.admit)
	}
}

// allowRateLocked applies the per-client fixed window. Caller holds g.mu.
func (g *Governor) allowRateLocked(clientID string) bool {
	now := time.Now()
	w, ok := g.rates[clientID]
	if !ok || now.Sub(w.windowStart) >= g.cfg.RateWindow {
		g.rates[clientID] = &rateWindow{count: 1, windowStart: now}
		return true
	}
	w.count++
	return w.count <= g.cfg.RateMax
}

// Stats is a point-in-time utilization view.
type Stats struct {
	Active        int `json:"active"`
	MaxConcurrent int `json:"max_concurrent"`
	Queued        int `json:"queued"`
	QueueLimit    int `json:"queue_limit"`
	RateClients   int `json:"rate_clients"`
}

// Snapshot returns current utilization.
func (g *Governor) Snapshot() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Active:        len(g.active),
		MaxConcurrent: g.cfg.MaxConcurrent,
		Queued:        g.queue.Len(),
		QueueLimit:    g.cfg.QueueLimit,
		RateClients:   len(g.rates),
	}
}

// SweepRates drops rate windows older than two windows. Called periodically
// by the owner so the map stays bounded.
func (g *Governor) SweepRates() {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := time.Now().Add(-2 * g.cfg.RateWindow)
	for id, w := range g.rates {
		if w.windowStart.Before(cutoff) {
			delete(g.rates, id)
		}
	}
}
