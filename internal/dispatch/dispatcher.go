// Package dispatch orchestrates one analysis request end to end: admission,
// dedup, local analyzers, mirror and superior rounds over the bus, fusion,
// caching, and cleanup. The dispatcher owns no durable state; every
// collaborator is injected at construction.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veriscan/backend/internal/analyzer"
	"github.com/veriscan/backend/internal/apperr"
	"github.com/veriscan/backend/internal/artifact"
	"github.com/veriscan/backend/internal/bus"
	"github.com/veriscan/backend/internal/circuitbreaker"
	"github.com/veriscan/backend/internal/config"
	"github.com/veriscan/backend/internal/core"
	"github.com/veriscan/backend/internal/events"
	"github.com/veriscan/backend/internal/fusion"
	"github.com/veriscan/backend/internal/governor"
	"github.com/veriscan/backend/internal/metrics"
	"github.com/veriscan/backend/internal/tracking"
	"github.com/veriscan/backend/internal/vcache"
)

// Request is one submission into the pipeline.
type Request struct {
	Artifact      *artifact.FileArtifact
	ClientID      string
	Priority      int
	CorrelationID string
	Deadline      time.Duration
}

// Deps bundles the collaborators the dispatcher is built from.
type Deps struct {
	Config      *config.Config
	Governor    *governor.Governor
	Breaker     *circuitbreaker.CircuitBreaker
	Cache       *vcache.Cache
	Tracker     *tracking.Tracker
	Bus         *bus.Client
	Runner      *analyzer.Runner
	Registry    *analyzer.Registry
	Observatory *metrics.Observatory
	Events      *events.Bus
	Prom        *metrics.PromMetrics
}

// Dispatcher coordinates the full per-request pipeline.
type Dispatcher struct {
	cfg         *config.Config
	governor    *governor.Governor
	breaker     *circuitbreaker.CircuitBreaker
	cache       *vcache.Cache
	tracker     *tracking.Tracker
	bus         *bus.Client
	runner      *analyzer.Runner
	registry    *analyzer.Registry
	observatory *metrics.Observatory
	events      *events.Bus
	prom        *metrics.PromMetrics
	policy      artifact.Policy

	mu       sync.Mutex
	inflight map[string]chan struct{} // content hash → done signal
}

// New builds a dispatcher.
func New(d Deps) *Dispatcher {
	classes := make([]core.MimeClass, 0, len(d.Config.Security.AllowedMimeClasses))
	for _, c := range d.Config.Security.AllowedMimeClasses {
		classes = append(classes, core.MimeClass(c))
	}
	return &Dispatcher{
		cfg:         d.Config,
		governor:    d.Governor,
		breaker:     d.Breaker,
		cache:       d.Cache,
		tracker:     d.Tracker,
		bus:         d.Bus,
		runner:      d.Runner,
		registry:    d.Registry,
		observatory: d.Observatory,
		events:      d.Events,
		prom:        d.Prom,
		policy: artifact.Policy{
			MaxBytes:       d.Config.MaxFileBytes(),
			AllowedClasses: classes,
		},
		inflight: make(map[string]chan struct{}),
	}
}

// Submit runs one request through the pipeline and returns its verdict.
// The artifact's temporary file is always unlinked before return.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*core.Verdict, error) {
	start := time.Now()
	art := req.Artifact
	corrID := req.CorrelationID

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = time.Duration(d.cfg.Concurrency.DefaultTimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	acquired := false
	defer func() {
		if acquired {
			d.governor.Release(art.ID)
			if d.prom != nil {
				d.prom.ActiveRequests.Dec()
			}
		}
		d.bus.CancelWaiters(art.ID)
		d.tracker.ScheduleEviction(art.ID)
		art.Unlink()
		d.observatory.Observe(metrics.MetricRequestLatency, float64(time.Since(start).Milliseconds()))
	}()

	// Stage 1: received — validate inputs.
	d.track(ctx, art.ID, "received", map[string]interface{}{
		"correlation_id": corrID,
		"class":          string(art.Class),
		"size_bytes":     art.SizeBytes,
	})
	if err := d.policy.Validate(art); err != nil {
		secErr := apperr.Wrap(apperr.CategoryValidation, corrID, "input rejected", err)
		d.emitFailure(ctx, art.ID, secErr)
		return nil, secErr
	}

	// Stage 2: acquire-slot.
	d.track(ctx, art.ID, "acquire-slot", nil)
	waited, err := d.governor.Acquire(ctx, art.ID, req.ClientID, req.Priority, deadline)
	if err != nil {
		appErr := d.admissionError(corrID, err)
		d.emitFailure(ctx, art.ID, appErr)
		return nil, appErr
	}
	acquired = true
	if d.prom != nil {
		d.prom.ActiveRequests.Inc()
	}
	d.track(ctx, art.ID, "slot-acquired", map[string]interface{}{"wait_ms": waited.Milliseconds()})

	// Stage 3: hash.
	hashStart := time.Now()
	hash, err := art.ContentHash()
	if err != nil {
		appErr := apperr.Wrap(apperr.CategoryInternal, corrID, "content hashing failed", err)
		d.emitFailure(ctx, art.ID, appErr)
		return nil, appErr
	}
	d.observatory.Observe(metrics.MetricFileHash, float64(time.Since(hashStart).Milliseconds()))
	d.track(ctx, art.ID, "hash", map[string]interface{}{"prefix": artifact.HashPrefix(hash)})

	// Stage 4: cache-lookup. A hit short-circuits straight to the stored
	// verdict; identical content already being computed is joined, not raced.
	cached, release, err := d.lookupOrClaim(ctx, art.ID, hash)
	if err != nil {
		appErr := apperr.Wrap(apperr.CategoryTimeout, corrID, "request deadline during dedup wait", err)
		d.emitFailure(ctx, art.ID, appErr)
		return nil, appErr
	}
	if cached != nil {
		cached.CorrelationID = corrID
		d.track(ctx, art.ID, "completed", map[string]interface{}{"cache_hit": true})
		if d.prom != nil {
			d.prom.CacheHits.Inc()
		}
		return cached, nil
	}
	if d.prom != nil {
		d.prom.CacheMisses.Inc()
	}
	defer release()

	// Stages 5–9 run inside the circuit breaker, unless it is disabled.
	var verdict *core.Verdict
	remaining := time.Until(deadlineOf(ctx))
	analyzeOp := func(opCtx context.Context) error {
		var opErr error
		verdict, opErr = d.analyze(opCtx, req, hash, start)
		return opErr
	}
	if d.cfg.CircuitBreaker.Enabled {
		err = d.breaker.Call(ctx, remaining, analyzeOp)
	} else {
		opCtx, opCancel := context.WithTimeout(ctx, remaining)
		err = analyzeOp(opCtx)
		opCancel()
	}
	if err != nil {
		appErr := d.breakerError(corrID, err)
		d.emitFailure(ctx, art.ID, appErr)
		return nil, appErr
	}

	// Stage 10: store-cache.
	if err := d.cache.Store(ctx, hash, verdict); err != nil {
		slog.Warn("[Dispatcher] Cache store failed", "artifact_id", art.ID, "error", err)
	}
	d.track(ctx, art.ID, "store-cache", nil)

	// Stage 11: completed.
	d.track(ctx, art.ID, "completed", map[string]interface{}{
		"is_authentic": verdict.IsAuthentic,
		"confidence":   string(verdict.ConfidenceLevel),
	})
	if d.prom != nil {
		d.prom.RecordVerdict(verdict.IsAuthentic, string(verdict.ConfidenceLevel))
	}
	d.bus.PublishAudit(ctx, art.ID, corrID, map[string]interface{}{
		"is_authentic": verdict.IsAuthentic,
		"confidence":   string(verdict.ConfidenceLevel),
		"class":        string(verdict.ArtifactClass),
		"hash_prefix":  verdict.ContentHashPrefix,
	})
	return verdict, nil
}

// analyze runs stages 5–9: local analyzers, mirror round, fusion, superior
// round, verdict composition.
func (d *Dispatcher) analyze(ctx context.Context, req Request, hash string, start time.Time) (*core.Verdict, error) {
	art := req.Artifact
	corrID := req.CorrelationID

	// Stage 5: analyzers.
	d.track(ctx, art.ID, "analyzers", map[string]interface{}{"count": d.registry.Count()})
	runStart := time.Now()
	agg := d.runner.Run(ctx, analyzer.Input{
		FilePath:      art.Path,
		ArtifactID:    art.ID,
		CorrelationID: corrID,
		Class:         art.Class,
	})
	d.observatory.Observe(metrics.MetricAnalyzerRun, float64(time.Since(runStart).Milliseconds()))

	// Stage 6: mirror round.
	mirror, err := d.mirrorRound(ctx, art, corrID, hash, agg)
	if err != nil {
		return nil, err
	}

	// Stage 7: fuse local + mirror.
	consensus := fusion.Fuse(agg, mirror)
	d.track(ctx, art.ID, "fuse-local-mirror", map[string]interface{}{
		"votes":          consensus.VoteCount,
		"positive_ratio": consensus.PositiveRatio,
	})

	// Stage 8: superior round.
	superior, err := d.superiorRound(ctx, art, corrID, hash, consensus)
	if err != nil {
		return nil, err
	}

	// Stage 9: compose verdict.
	level := fusion.ApplySuperior(consensus, superior)
	total := time.Since(start)
	verdict := &core.Verdict{
		IsAuthentic:       consensus.IsAuthentic,
		ConfidenceLevel:   level,
		ArtifactClass:     art.Class,
		ContentHashPrefix: artifact.HashPrefix(hash),
		PerformanceClass:  d.classifyPerformance(total),
		CorrelationID:     corrID,
		TimestampUTC:      time.Now().UTC(),
		Degraded:          mirror.Degraded || superior.Degraded,
		Details: &core.VerdictDetails{
			Local:     agg.Ordered(),
			Mirror:    mirror,
			Consensus: consensus,
			Superior:  superior,
		},
	}
	d.track(ctx, art.ID, "compose-verdict", map[string]interface{}{
		"performance": string(verdict.PerformanceClass),
	})
	return verdict, nil
}

// mirrorRound sends the mirror request and awaits the paired response.
// Timeout and degraded mode both produce a non-blocking envelope; a publish
// failure fails the request so the breaker counts it.
func (d *Dispatcher) mirrorRound(ctx context.Context, art *artifact.FileArtifact, corrID, hash string, agg *analyzer.Aggregate) (*core.MirrorEnvelope, error) {
	d.track(ctx, art.ID, "mirror-send", nil)
	timeout := time.Duration(d.cfg.Analyzers.MirrorTimeoutMs) * time.Millisecond
	busStart := time.Now()
	raw, degraded, err := d.bus.Request(ctx, bus.KindMirror, art.ID, corrID, map[string]interface{}{
		"content_hash": hash,
		"class":        string(art.Class),
		"size_bytes":   art.SizeBytes,
		"local_votes":  agg.SuccessCount,
	}, timeout)
	d.observatory.Observe(metrics.MetricBusRoundTrip, float64(time.Since(busStart).Milliseconds()))

	envelope := &core.MirrorEnvelope{}
	switch {
	case degraded:
		envelope.Degraded = true
	case errors.Is(err, bus.ErrPublish):
		return nil, err
	case errors.Is(err, bus.ErrAwaitTimeout) || errors.Is(err, context.DeadlineExceeded):
		envelope.Timeout = true
	case err != nil:
		slog.Warn("[Dispatcher] Mirror round failed", "artifact_id", art.ID, "error", err)
		envelope.Timeout = true
	default:
		var decoded struct {
			Networks []core.MirrorNetworkVote `json:"networks"`
		}
		if uerr := decodeJSON(raw, &decoded); uerr != nil {
			slog.Warn("[Dispatcher] Malformed mirror response", "artifact_id", art.ID, "error", uerr)
			envelope.Timeout = true
		} else {
			envelope.OK = true
			envelope.Networks = decoded.Networks
		}
	}
	d.track(ctx, art.ID, "mirror-await", map[string]interface{}{
		"ok": envelope.OK, "timeout": envelope.Timeout, "degraded": envelope.Degraded,
	})
	return envelope, nil
}

// superiorRound sends the superior request and awaits the response.
func (d *Dispatcher) superiorRound(ctx context.Context, art *artifact.FileArtifact, corrID, hash string, consensus *core.LocalConsensus) (*core.SuperiorEnvelope, error) {
	d.track(ctx, art.ID, "superior-send", nil)
	timeout := time.Duration(d.cfg.Analyzers.SuperiorTimeoutMs) * time.Millisecond
	busStart := time.Now()
	raw, degraded, err := d.bus.Request(ctx, bus.KindSuperior, art.ID, corrID, map[string]interface{}{
		"content_hash": hash,
		"consensus":    consensus,
	}, timeout)
	d.observatory.Observe(metrics.MetricBusRoundTrip, float64(time.Since(busStart).Milliseconds()))

	envelope := &core.SuperiorEnvelope{}
	switch {
	case degraded:
		envelope.Degraded = true
	case errors.Is(err, bus.ErrPublish):
		return nil, err
	case errors.Is(err, bus.ErrAwaitTimeout) || errors.Is(err, context.DeadlineExceeded):
		envelope.Timeout = true
	case err != nil:
		slog.Warn("[Dispatcher] Superior round failed", "artifact_id", art.ID, "error", err)
		envelope.Timeout = true
	default:
		var decoded core.SuperiorEnvelope
		if uerr := decodeJSON(raw, &decoded); uerr != nil {
			slog.Warn("[Dispatcher] Malformed superior response", "artifact_id", art.ID, "error", uerr)
			envelope.Timeout = true
		} else {
			envelope = &decoded
			envelope.OK = true
		}
	}
	d.track(ctx, art.ID, "superior-await", map[string]interface{}{
		"ok": envelope.OK, "timeout": envelope.Timeout, "degraded": envelope.Degraded,
	})
	return envelope, nil
}

// lookupOrClaim resolves the dedup gate for a content hash. It either returns
// the cached verdict, or claims the hash for this request and returns the
// release func (idempotent, call when the computation is over). Check and
// claim happen in one critical section, so a hash maps to at most one
// in-flight computation; losers wait on the owner's channel and re-check.
func (d *Dispatcher) lookupOrClaim(ctx context.Context, artifactID, hash string) (*core.Verdict, func(), error) {
	for {
		d.mu.Lock()
		done, inflight := d.inflight[hash]
		if !inflight {
			claimed := make(chan struct{})
			d.inflight[hash] = claimed
			d.mu.Unlock()

			var once sync.Once
			release := func() {
				once.Do(func() {
					d.mu.Lock()
					delete(d.inflight, hash)
					d.mu.Unlock()
					close(claimed)
				})
			}

			d.track(ctx, artifactID, "cache-lookup", nil)
			verdict, err := d.cache.Lookup(ctx, hash)
			if err != nil {
				slog.Warn("[Dispatcher] Cache lookup failed", "error", err)
			}
			if verdict != nil {
				release()
				return verdict, nil, nil
			}
			return nil, release, nil
		}
		d.mu.Unlock()

		d.track(ctx, artifactID, "dedup-wait", nil)
		select {
		case <-done:
			// The owner stores before releasing, so the next pass hits cache
			// unless the owner failed; then this request claims and computes.
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// classifyPerformance grades total latency against the processing targets.
// No separate P99 target is configured; twice the P95 target stands in for
// the upper bound of the acceptable band.
func (d *Dispatcher) classifyPerformance(total time.Duration) core.PerformanceClass {
	p95 := time.Duration(d.cfg.Performance.FileProcP95Ms) * time.Millisecond
	switch {
	case total <= p95:
		return core.PerfOptimal
	case total <= 2*p95:
		return core.PerfAcceptable
	default:
		return core.PerfDegraded
	}
}

func (d *Dispatcher) admissionError(corrID string, err error) *apperr.Error {
	switch {
	case errors.Is(err, governor.ErrRateLimited):
		d.countRejection("rate_limited")
		return apperr.Wrap(apperr.CategoryRateLimited, corrID, "client rate limit exceeded", err)
	case errors.Is(err, governor.ErrQueueFull):
		d.countRejection("queue_full")
		return apperr.Wrap(apperr.CategoryQueueFull, corrID, "admission queue full", err)
	case errors.Is(err, governor.ErrQueueTimeout):
		d.countRejection("queue_timeout")
		return apperr.Wrap(apperr.CategoryQueueTimeout, corrID, "timed out waiting for slot", err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return apperr.Wrap(apperr.CategoryTimeout, corrID, "request deadline during admission", err)
	default:
		return apperr.Wrap(apperr.CategoryInternal, corrID, "admission failed", err)
	}
}

func (d *Dispatcher) breakerError(corrID string, err error) *apperr.Error {
	switch {
	case circuitbreaker.IsRejection(err):
		return apperr.Wrap(apperr.CategoryCircuitOpen, corrID, "service unavailable", err)
	case errors.Is(err, circuitbreaker.ErrCallTimeout) || errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.CategoryTimeout, corrID, "analysis deadline exceeded", err)
	case errors.Is(err, bus.ErrPublish):
		return apperr.Wrap(apperr.CategoryBus, corrID, "bus publish failed", err)
	default:
		return apperr.Wrap(apperr.CategoryInternal, corrID, "analysis failed", err)
	}
}

// emitFailure tracks the failure stage and raises alerts per the severity
// policy. Security failures additionally emit a security event.
func (d *Dispatcher) emitFailure(ctx context.Context, artifactID string, appErr *apperr.Error) {
	d.track(ctx, artifactID, "failed", map[string]interface{}{
		"category": string(appErr.Category),
		"severity": string(appErr.Severity),
	})
	if apperr.ShouldAlert(appErr) {
		d.bus.PublishAlert(ctx, string(appErr.Category), string(appErr.Severity), appErr.CorrelationID)
	}
	if appErr.Category == apperr.CategorySecurity {
		d.events.Emit(events.TypeSecurity, "dispatcher", appErr.CorrelationID, map[string]interface{}{
			"artifact_id": artifactID,
			"reason":      appErr.Message,
		})
		d.bus.PublishSecurityEvent(ctx, appErr.CorrelationID, map[string]interface{}{
			"artifact_id": artifactID,
			"reason":      appErr.Message,
		})
	}
}

func (d *Dispatcher) countRejection(reason string) {
	if d.prom != nil {
		d.prom.GovernorRejections.WithLabelValues(reason).Inc()
	}
}

func (d *Dispatcher) track(ctx context.Context, artifactID, stage string, payload map[string]interface{}) {
	d.tracker.Append(ctx, artifactID, stage, payload)
}

func deadlineOf(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(30 * time.Second)
}

func decodeJSON(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(raw, v)
}
