// Package bus models the message fabric between the core and the remote
// decision networks: an append-only log with consumer groups, equivalent in
// semantics to Redis Streams. The concrete driver is injected behind the
// StreamClient interface; internal/infra provides the go-redis adapter and
// MemoryStreamClient backs tests.
package bus

import (
	"context"
	"errors"
	"time"
)

// Field names of the message schema shared with collaborators.
const (
	FieldArtifactID    = "artifact_id"
	FieldCorrelationID = "correlation_id"
	FieldPayload       = "payload"
	FieldTimestampMs   = "timestamp_ms"
	FieldVersion       = "version"
)

// schemaVersion is the wire schema version stamped on every message.
const schemaVersion = "1"

// StreamNames holds the stream identifiers. All are configurable; the zero
// value is filled with the defaults.
type StreamNames struct {
	ReqMirror      string
	RespMirror     string
	ReqSuperior    string
	RespSuperior   string
	Status         string
	PerfMetrics    string
	ErrorAlerts    string
	SecurityEvents string
	Audit          string
}

// DefaultStreamNames returns the default stream identifiers.
func DefaultStreamNames() StreamNames {
	return StreamNames{
		ReqMirror:      "req.mirror",
		RespMirror:     "resp.mirror",
		ReqSuperior:    "req.superior",
		RespSuperior:   "resp.superior",
		Status:         "status",
		PerfMetrics:    "perf.metrics",
		ErrorAlerts:    "error.alerts",
		SecurityEvents: "security.events",
		Audit:          "audit",
	}
}

// Message is one delivered stream entry.
type Message struct {
	ID     string
	Stream string
	Values map[string]string
}

// ErrGroupExists is returned by StreamClient.CreateGroup when the consumer
// group already exists. Treated as success everywhere.
var ErrGroupExists = errors.New("consumer group already exists")

// StreamClient is the minimal driver contract. Any log-structured bus with
// consumer groups can satisfy it.
type StreamClient interface {
	// Add appends an entry and returns its monotonic message ID.
	Add(ctx context.Context, stream string, values map[string]string) (string, error)

	// CreateGroup creates a consumer group reading from new messages.
	// Returns ErrGroupExists if the group is already present.
	CreateGroup(ctx context.Context, stream, group string) error

	// ReadGroup delivers up to count pending-new messages to the named
	// consumer, blocking up to block. Delivered messages stay pending
	// until acked.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)

	// Ack removes delivered messages from the group's pending list.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Ping reports connectivity.
	Ping(ctx context.Context) error
}
