package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the two request/response channels.
type Kind string

const (
	KindMirror   Kind = "mirror"
	KindSuperior Kind = "superior"
)

// Response pairing errors.
var (
	ErrAwaitTimeout = fmt.Errorf("timed out awaiting bus response")
	ErrPublish      = fmt.Errorf("bus publish failed")
)

// degradedSimDelay bounds the synthesized delay of a degraded response so
// degraded mode still behaves like a remote call, not a tight loop.
const degradedSimDelay = 50 * time.Millisecond

const consumerGroup = "veriscan-core"

type waiterKey struct {
	kind       Kind
	artifactID string
}

// Client is the stream manager: publish, consumer-group read with ack, and
// request/response pairing keyed by (kind, artifactId). When the underlying
// bus is unreachable it runs in degraded mode: publishes become no-ops and
// awaited responses are synthesized with Degraded set.
type Client struct {
	sc       StreamClient
	streams  StreamNames
	consumer string

	mu      sync.Mutex
	waiters map[waiterKey]chan json.RawMessage

	degraded atomic.Bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewClient creates a client over sc. A nil sc starts permanently degraded.
func NewClient(sc StreamClient, streams StreamNames) *Client {
	if streams == (StreamNames{}) {
		streams = DefaultStreamNames()
	}
	c := &Client{
		sc:       sc,
		streams:  streams,
		consumer: "core-" + uuid.New().String()[:8],
		waiters:  make(map[waiterKey]chan json.RawMessage),
		stop:     make(chan struct{}),
	}
	if sc == nil {
		c.degraded.Store(true)
	}
	return c
}

// Degraded reports whether the client is in degraded mode.
func (c *Client) Degraded() bool { return c.degraded.Load() }

// EnsureGroups creates the consumer groups for both response streams.
// Creation is idempotent and retried with exponential backoff on transient
// failure (3 attempts, 1s × 2^attempt).
func (c *Client) EnsureGroups(ctx context.Context) error {
	if c.degraded.Load() {
		return nil
	}
	for _, stream := range []string{c.streams.RespMirror, c.streams.RespSuperior} {
		if err := c.createGroupWithRetry(ctx, stream); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) createGroupWithRetry(ctx context.Context, stream string) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := c.sc.CreateGroup(ctx, stream, consumerGroup)
		if err == nil || err == ErrGroupExists {
			return nil
		}
		lastErr = err
		slog.Warn("[Bus] Group create failed, retrying", "stream", stream, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("create group on %s: %w", stream, lastErr)
}

// Start launches the response consumers and the connectivity monitor.
func (c *Client) Start(ctx context.Context) {
	if c.sc == nil {
		slog.Warn("[Bus] No stream client, running degraded")
		return
	}
	c.wg.Add(3)
	go c.consumeLoop(ctx, c.streams.RespMirror, KindMirror)
	go c.consumeLoop(ctx, c.streams.RespSuperior, KindSuperior)
	go c.monitorLoop(ctx)
}

// Close stops background loops and fails any outstanding waiters.
func (c *Client) Close() {
	close(c.stop)
	c.wg.Wait()

	c.mu.Lock()
	for key, ch := range c.waiters {
		close(ch)
		delete(c.waiters, key)
	}
	c.mu.Unlock()
}

// Publish appends a request message. In degraded mode it is a no-op
// returning an empty message ID.
func (c *Client) Publish(ctx context.Context, stream, artifactID, correlationID string, payload interface{}) (string, error) {
	if c.degraded.Load() {
		return "", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id, err := c.sc.Add(ctx, stream, map[string]string{
		FieldArtifactID:    artifactID,
		FieldCorrelationID: correlationID,
		FieldPayload:       string(data),
		FieldTimestampMs:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		FieldVersion:       schemaVersion,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrPublish, stream, err)
	}
	return id, nil
}

// Request publishes to the kind's request stream and awaits the paired
// response. Returns degraded=true with a nil payload when the bus is down;
// ErrAwaitTimeout when the deadline expires.
func (c *Client) Request(ctx context.Context, kind Kind, artifactID, correlationID string, payload interface{}, timeout time.Duration) (json.RawMessage, bool, error) {
	if c.degraded.Load() {
		select {
		case <-time.After(degradedSimDelay):
		case <-ctx.Done():
			return nil, true, ctx.Err()
		}
		return nil, true, nil
	}

	reqStream := c.streams.ReqMirror
	if kind == KindSuperior {
		reqStream = c.streams.ReqSuperior
	}

	key := waiterKey{kind: kind, artifactID: artifactID}
	ch := make(chan json.RawMessage, 1)

	c.mu.Lock()
	c.waiters[key] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, key)
		c.mu.Unlock()
	}()

	if _, err := c.Publish(ctx, reqStream, artifactID, correlationID, payload); err != nil {
		return nil, false, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case raw, ok := <-ch:
		if !ok {
			return nil, true, nil // client closing; treat as degraded
		}
		return raw, false, nil
	case <-timer.C:
		return nil, false, ErrAwaitTimeout
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// CancelWaiters drops any pending waiters for an artifact. Responses that
// arrive later are consumed, acked, and discarded by the consumer loop.
func (c *Client) CancelWaiters(artifactID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, kind := range []Kind{KindMirror, KindSuperior} {
		key := waiterKey{kind: kind, artifactID: artifactID}
		if ch, ok := c.waiters[key]; ok {
			close(ch)
			delete(c.waiters, key)
		}
	}
}

// consumeLoop reads the response stream and completes matching waiters.
// Every delivered message is acked exactly once, matched or not.
func (c *Client) consumeLoop(ctx context.Context, stream string, kind Kind) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		if c.degraded.Load() {
			select {
			case <-time.After(time.Second):
			case <-c.stop:
				return
			}
			continue
		}

		msgs, err := c.sc.ReadGroup(ctx, stream, consumerGroup, c.consumer, 16, 2*time.Second)
		if err != nil {
			slog.Warn("[Bus] Read failed", "stream", stream, "error", err)
			select {
			case <-time.After(time.Second):
			case <-c.stop:
				return
			}
			continue
		}

		for _, msg := range msgs {
			c.deliver(kind, msg)
			if err := c.sc.Ack(ctx, stream, consumerGroup, msg.ID); err != nil {
				slog.Warn("[Bus] Ack failed", "stream", stream, "id", msg.ID, "error", err)
			}
		}
	}
}

// deliver completes the waiter matching a response message, if any.
func (c *Client) deliver(kind Kind, msg Message) {
	artifactID := msg.Values[FieldArtifactID]
	if artifactID == "" {
		return
	}
	payload := json.RawMessage(msg.Values[FieldPayload])

	c.mu.Lock()
	key := waiterKey{kind: kind, artifactID: artifactID}
	ch, ok := c.waiters[key]
	if ok {
		delete(c.waiters, key)
	}
	c.mu.Unlock()

	if !ok {
		// Late or abandoned response; already acked by the caller loop.
		return
	}
	ch <- payload
	close(ch)
}

// monitorLoop probes connectivity and flips degraded mode accordingly.
func (c *Client) monitorLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := c.sc.Ping(pingCtx)
			cancel()
			was := c.degraded.Load()
			now := err != nil
			if now != was {
				c.degraded.Store(now)
				if now {
					slog.Warn("[Bus] Entering degraded mode", "error", err)
				} else {
					slog.Info("[Bus] Bus reachable again, leaving degraded mode")
				}
			}
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ============================================================================
// OPERATIONAL PUBLISHERS
// ============================================================================

// PublishAlert emits a high-severity error onto the alert stream. Emission
// failure is logged, never raised.
func (c *Client) PublishAlert(ctx context.Context, category, severity, correlationID string) {
	_, err := c.Publish(ctx, c.streams.ErrorAlerts, "", correlationID, map[string]interface{}{
		"category":     category,
		"severity":     severity,
		"timestamp_ms": time.Now().UnixMilli(),
	})
	if err != nil {
		slog.Warn("[Bus] Alert publish failed", "category", category, "error", err)
	}
}

// PublishSecurityEvent emits a security event onto its stream.
func (c *Client) PublishSecurityEvent(ctx context.Context, correlationID string, detail map[string]interface{}) {
	_, err := c.Publish(ctx, c.streams.SecurityEvents, "", correlationID, detail)
	if err != nil {
		slog.Warn("[Bus] Security event publish failed", "error", err)
	}
}

// PublishStatus emits a health heartbeat onto the status stream.
func (c *Client) PublishStatus(ctx context.Context, snapshot interface{}) {
	_, err := c.Publish(ctx, c.streams.Status, "", "", snapshot)
	if err != nil {
		slog.Warn("[Bus] Status publish failed", "error", err)
	}
}

// PublishPerf emits a latency-percentile snapshot onto the performance stream.
func (c *Client) PublishPerf(ctx context.Context, snapshot interface{}) {
	_, err := c.Publish(ctx, c.streams.PerfMetrics, "", "", snapshot)
	if err != nil {
		slog.Warn("[Bus] Perf publish failed", "error", err)
	}
}

// PublishAudit appends a completed-verdict record to the audit stream.
func (c *Client) PublishAudit(ctx context.Context, artifactID, correlationID string, record map[string]interface{}) {
	_, err := c.Publish(ctx, c.streams.Audit, artifactID, correlationID, record)
	if err != nil {
		slog.Warn("[Bus] Audit publish failed", "artifact_id", artifactID, "error", err)
	}
}
