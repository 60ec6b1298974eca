package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStreamClient is an in-process StreamClient with consumer-group
// semantics: per-group cursors, pending-until-ack, monotonic IDs. It backs
// tests and local development without a bus.
type MemoryStreamClient struct {
	mu      sync.Mutex
	streams map[string]*memStream
	seq     int64
	failing bool // simulate an unreachable bus
}

type memStream struct {
	entries []Message
	groups  map[string]*memGroup
}

type memGroup struct {
	cursor  int
	pending map[string]Message
}

// NewMemoryStreamClient creates an empty in-memory bus.
func NewMemoryStreamClient() *MemoryStreamClient {
	return &MemoryStreamClient{streams: make(map[string]*memStream)}
}

// SetFailing toggles simulated unreachability. While failing, every
// operation returns an error.
func (m *MemoryStreamClient) SetFailing(failing bool) {
	m.mu.Lock()
	m.failing = failing
	m.mu.Unlock()
}

func (m *MemoryStreamClient) failed() error {
	if m.failing {
		return fmt.Errorf("bus unreachable (simulated)")
	}
	return nil
}

func (m *MemoryStreamClient) stream(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		m.streams[name] = s
	}
	return s
}

func (m *MemoryStreamClient) Add(ctx context.Context, stream string, values map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failed(); err != nil {
		return "", err
	}

	m.seq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), m.seq)
	vals := make(map[string]string, len(values))
	for k, v := range values {
		vals[k] = v
	}
	s := m.stream(stream)
	s.entries = append(s.entries, Message{ID: id, Stream: stream, Values: vals})
	return id, nil
}

func (m *MemoryStreamClient) CreateGroup(ctx context.Context, stream, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failed(); err != nil {
		return err
	}

	s := m.stream(stream)
	if _, exists := s.groups[group]; exists {
		return ErrGroupExists
	}
	// Groups read from new messages only, mirroring XGROUP CREATE with $.
	s.groups[group] = &memGroup{cursor: len(s.entries), pending: make(map[string]Message)}
	return nil
}

func (m *MemoryStreamClient) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	deadline := time.Now().Add(block)
	for {
		m.mu.Lock()
		if err := m.failed(); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		s := m.stream(stream)
		g, ok := s.groups[group]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("no such group %q on stream %q", group, stream)
		}
		if g.cursor < len(s.entries) {
			end := g.cursor + int(count)
			if end > len(s.entries) {
				end = len(s.entries)
			}
			msgs := make([]Message, end-g.cursor)
			copy(msgs, s.entries[g.cursor:end])
			for _, msg := range msgs {
				g.pending[msg.ID] = msg
			}
			g.cursor = end
			m.mu.Unlock()
			return msgs, nil
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *MemoryStreamClient) Ack(ctx context.Context, stream, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failed(); err != nil {
		return err
	}

	s := m.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return fmt.Errorf("no such group %q on stream %q", group, stream)
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (m *MemoryStreamClient) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed()
}

// Entries returns a copy of a stream's entries. Test helper.
func (m *MemoryStreamClient) Entries(stream string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(stream)
	out := make([]Message, len(s.entries))
	copy(out, s.entries)
	return out
}

// PendingCount returns the number of unacked messages for a group.
func (m *MemoryStreamClient) PendingCount(stream, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(stream)
	if g, ok := s.groups[group]; ok {
		return len(g.pending)
	}
	return 0
}
