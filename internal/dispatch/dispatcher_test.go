package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriscan/backend/internal/analyzer"
	"github.com/veriscan/backend/internal/apperr"
	"github.com/veriscan/backend/internal/artifact"
	"github.com/veriscan/backend/internal/bus"
	"github.com/veriscan/backend/internal/circuitbreaker"
	"github.com/veriscan/backend/internal/config"
	"github.com/veriscan/backend/internal/core"
	"github.com/veriscan/backend/internal/events"
	"github.com/veriscan/backend/internal/governor"
	"github.com/veriscan/backend/internal/metrics"
	"github.com/veriscan/backend/internal/tracking"
	"github.com/veriscan/backend/internal/vcache"
)

// stubAnalyzer returns a fixed result for every artifact class, optionally
// after a delay.
type stubAnalyzer struct {
	name  string
	score float64
	conf  core.ConfidenceLevel
	delay time.Duration
}

func (s *stubAnalyzer) Name() string                { return s.name }
func (s *stubAnalyzer) Version() string             { return "1.0.0" }
func (s *stubAnalyzer) Handles(core.MimeClass) bool { return true }
func (s *stubAnalyzer) Analyze(ctx context.Context, in analyzer.Input) (core.AnalyzerResult, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return core.AnalyzerResult{}, ctx.Err()
		}
	}
	sc := s.score
	return core.AnalyzerResult{Score: &sc, Confidence: s.conf, OK: true}, nil
}

// responder answers mirror and superior requests on the in-memory bus the way
// the remote decision networks would.
type responder struct {
	sc       *bus.MemoryStreamClient
	stop     chan struct{}
	wg       sync.WaitGroup
	superior core.SuperiorEnvelope
	mirror   []core.MirrorNetworkVote
}

func startResponder(sc *bus.MemoryStreamClient, mirror []core.MirrorNetworkVote, superior core.SuperiorEnvelope) *responder {
	r := &responder{sc: sc, stop: make(chan struct{}), mirror: mirror, superior: superior}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *responder) loop() {
	defer r.wg.Done()
	answered := map[string]bool{}
	for {
		select {
		case <-r.stop:
			return
		case <-time.After(5 * time.Millisecond):
		}
		for _, msg := range r.sc.Entries("req.mirror") {
			if answered["m"+msg.ID] {
				continue
			}
			answered["m"+msg.ID] = true
			payload, _ := json.Marshal(map[string]interface{}{"networks": r.mirror})
			r.sc.Add(context.Background(), "resp.mirror", map[string]string{
				bus.FieldArtifactID: msg.Values[bus.FieldArtifactID],
				bus.FieldPayload:    string(payload),
			})
		}
		for _, msg := range r.sc.Entries("req.superior") {
			if answered["s"+msg.ID] {
				continue
			}
			answered["s"+msg.ID] = true
			payload, _ := json.Marshal(r.superior)
			r.sc.Add(context.Background(), "resp.superior", map[string]string{
				bus.FieldArtifactID: msg.Values[bus.FieldArtifactID],
				bus.FieldPayload:    string(payload),
			})
		}
	}
}

func (r *responder) Stop() {
	close(r.stop)
	r.wg.Wait()
}

type harness struct {
	dispatcher *Dispatcher
	streams    *bus.MemoryStreamClient
	busClient  *bus.Client
	governor   *governor.Governor
	breaker    *circuitbreaker.CircuitBreaker
	cache      *vcache.Cache
	tracker    *tracking.Tracker
	events     *events.Bus
	cfg        *config.Config
}

func newHarness(t *testing.T, withBus bool, analyzers ...analyzer.Analyzer) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Concurrency.DefaultTimeoutMs = 5000
	cfg.Analyzers.MirrorTimeoutMs = 1000
	cfg.Analyzers.SuperiorTimeoutMs = 1000

	reg := analyzer.NewRegistry()
	for _, a := range analyzers {
		require.NoError(t, reg.Register(a))
	}

	var sc *bus.MemoryStreamClient
	var streamClient bus.StreamClient
	if withBus {
		sc = bus.NewMemoryStreamClient()
		streamClient = sc
	}
	busClient := bus.NewClient(streamClient, bus.DefaultStreamNames())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, busClient.EnsureGroups(ctx))
	busClient.Start(ctx)
	t.Cleanup(func() {
		cancel()
		busClient.Close()
	})

	eventBus := events.NewBus()
	obs := metrics.NewObservatory(eventBus, 0, nil)
	gov := governor.New(governor.Config{MaxConcurrent: 10, QueueLimit: 10, RateWindow: time.Minute, RateMax: 1000})
	breaker := circuitbreaker.New(&circuitbreaker.Config{
		Name:             "test-pipeline",
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		HalfOpenMax:      1,
	})
	cache := vcache.New(vcache.NewMemoryKV(), nil)
	tracker := tracking.New(tracking.NewMemoryListStore())
	t.Cleanup(tracker.Close)

	h := &harness{
		streams:   sc,
		busClient: busClient,
		governor:  gov,
		breaker:   breaker,
		cache:     cache,
		tracker:   tracker,
		events:    eventBus,
		cfg:       cfg,
	}
	h.dispatcher = New(Deps{
		Config:      cfg,
		Governor:    gov,
		Breaker:     breaker,
		Cache:       cache,
		Tracker:     tracker,
		Bus:         busClient,
		Runner:      analyzer.NewRunner(reg, time.Second),
		Registry:    reg,
		Observatory: obs,
		Events:      eventBus,
	})
	return h
}

func (h *harness) submit(t *testing.T, content []byte, class core.MimeClass) (*core.Verdict, string, error) {
	t.Helper()
	art, err := artifact.New(t.TempDir(), class, bytes.NewReader(content))
	require.NoError(t, err)
	verdict, err := h.dispatcher.Submit(context.Background(), Request{
		Artifact:      art,
		ClientID:      "test-client",
		Priority:      0,
		CorrelationID: "corr-" + art.ID[:8],
	})
	return verdict, art.ID, err
}

func TestFullPipelineAuthentic(t *testing.T) {
	h := newHarness(t, true, &stubAnalyzer{name: "a", score: 0.9, conf: core.ConfidenceHigh},
		&stubAnalyzer{name: "b", score: 0.85, conf: core.ConfidenceHigh})
	resp := startResponder(h.streams,
		[]core.MirrorNetworkVote{{Name: "net-1", Score: 0.9, Confidence: core.ConfidenceHigh}},
		core.SuperiorEnvelope{IsAuthentic: true, Confidence: 0.95})
	defer resp.Stop()

	verdict, artID, err := h.submit(t, []byte("authentic image bytes"), core.ClassImage)
	require.NoError(t, err)
	require.NotNil(t, verdict)

	assert.True(t, verdict.IsAuthentic)
	assert.Equal(t, core.ConfidenceHigh, verdict.ConfidenceLevel)
	assert.False(t, verdict.CacheHit)
	assert.False(t, verdict.Degraded)
	assert.Len(t, verdict.ContentHashPrefix, 16)
	assert.Equal(t, core.ClassImage, verdict.ArtifactClass)
	assert.Equal(t, core.PerfOptimal, verdict.PerformanceClass)
	require.NotNil(t, verdict.Details)
	assert.Len(t, verdict.Details.Local, 2)
	assert.True(t, verdict.Details.Mirror.OK)
	assert.Equal(t, 3, verdict.Details.Consensus.VoteCount)

	// Slot released, temp file gone, stage log complete.
	assert.Equal(t, 0, h.governor.Snapshot().Active)
	stages := stageNames(h.tracker.Record(context.Background(), artID))
	assert.Equal(t, "received", stages[0])
	assert.Contains(t, stages, "analyzers")
	assert.Contains(t, stages, "fuse-local-mirror")
	assert.Contains(t, stages, "store-cache")
	assert.Equal(t, "completed", stages[len(stages)-1])

	// Each completed verdict leaves one audit record.
	assert.Len(t, h.streams.Entries("audit"), 1)
}

func stageNames(entries []core.StageEntry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Stage
	}
	return names
}

func TestSecondSubmitOfSameContentHitsCache(t *testing.T) {
	h := newHarness(t, true, &stubAnalyzer{name: "a", score: 0.9, conf: core.ConfidenceHigh})
	resp := startResponder(h.streams, nil, core.SuperiorEnvelope{IsAuthentic: true})
	defer resp.Stop()

	content := []byte("identical payload")
	first, _, err := h.submit(t, content, core.ClassImage)
	require.NoError(t, err)
	require.False(t, first.CacheHit)

	second, _, err := h.submit(t, content, core.ClassImage)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.IsAuthentic, second.IsAuthentic)
	assert.Equal(t, first.ContentHashPrefix, second.ContentHashPrefix)
	// Correlation ID belongs to the second request, not the cached one.
	assert.NotEqual(t, first.CorrelationID, second.CorrelationID)

	// Only the first run went to the mirror network.
	assert.Len(t, h.streams.Entries("req.mirror"), 1)
}

func TestValidationRejectsDisallowedClass(t *testing.T) {
	h := newHarness(t, true, &stubAnalyzer{name: "a", score: 0.9, conf: core.ConfidenceHigh})

	art, err := artifact.New(t.TempDir(), core.MimeClass("executable"), bytes.NewReader([]byte("MZ")))
	require.NoError(t, err)
	_, err = h.dispatcher.Submit(context.Background(), Request{Artifact: art, ClientID: "c", CorrelationID: "corr-1"})
	require.Error(t, err)
	assert.Equal(t, apperr.CategoryValidation, apperr.CategoryOf(err))
	assert.Equal(t, 0, h.governor.Snapshot().Active)
}

func TestValidationRejectsOversizeFile(t *testing.T) {
	h := newHarness(t, true, &stubAnalyzer{name: "a", score: 0.9, conf: core.ConfidenceHigh})
	h.cfg.Security.MaxFileMB = 0 // limit 0 bytes via policy rebuild
	h.dispatcher.policy.MaxBytes = 0

	_, _, err := h.submit(t, []byte("x"), core.ClassImage)
	require.Error(t, err)
	assert.Equal(t, apperr.CategoryValidation, apperr.CategoryOf(err))
}

func TestDegradedBusStillProducesVerdict(t *testing.T) {
	h := newHarness(t, false, &stubAnalyzer{name: "a", score: 0.9, conf: core.ConfidenceHigh},
		&stubAnalyzer{name: "b", score: 0.9, conf: core.ConfidenceHigh})

	verdict, _, err := h.submit(t, []byte("content"), core.ClassImage)
	require.NoError(t, err)
	assert.True(t, verdict.Degraded)
	assert.True(t, verdict.Details.Mirror.Degraded)
	assert.True(t, verdict.Details.Superior.Degraded)
	// Local analyzers still vote.
	assert.True(t, verdict.IsAuthentic)
}

func TestMirrorTimeoutDoesNotFailRequest(t *testing.T) {
	h := newHarness(t, true, &stubAnalyzer{name: "a", score: 0.9, conf: core.ConfidenceHigh},
		&stubAnalyzer{name: "b", score: 0.9, conf: core.ConfidenceHigh})
	h.cfg.Analyzers.MirrorTimeoutMs = 50
	h.cfg.Analyzers.SuperiorTimeoutMs = 50
	// No responder: both rounds time out.

	verdict, _, err := h.submit(t, []byte("content"), core.ClassImage)
	require.NoError(t, err)
	assert.True(t, verdict.Details.Mirror.Timeout)
	assert.True(t, verdict.Details.Superior.Timeout)
	assert.Equal(t, 2, verdict.Details.Consensus.VoteCount)
}

func TestSuperiorDisagreementForcesReview(t *testing.T) {
	h := newHarness(t, true, &stubAnalyzer{name: "a", score: 0.9, conf: core.ConfidenceHigh},
		&stubAnalyzer{name: "b", score: 0.9, conf: core.ConfidenceHigh})
	resp := startResponder(h.streams, nil, core.SuperiorEnvelope{IsAuthentic: false, Confidence: 0.9})
	defer resp.Stop()

	verdict, _, err := h.submit(t, []byte("contested content"), core.ClassImage)
	require.NoError(t, err)
	assert.True(t, verdict.IsAuthentic, "authenticity stays the local consensus")
	assert.Equal(t, core.ConfidenceReviewRequired, verdict.ConfidenceLevel)
}

func TestZeroApplicableAnalyzers(t *testing.T) {
	h := newHarness(t, true) // empty registry
	resp := startResponder(h.streams, nil, core.SuperiorEnvelope{IsAuthentic: false})
	defer resp.Stop()

	verdict, _, err := h.submit(t, []byte("content"), core.ClassImage)
	require.NoError(t, err)
	assert.False(t, verdict.IsAuthentic)
	assert.Equal(t, 0.5, verdict.Details.Consensus.PositiveRatio)
}

func TestRateLimitedSubmit(t *testing.T) {
	h := newHarness(t, false, &stubAnalyzer{name: "a", score: 0.9, conf: core.ConfidenceHigh})
	// Rebuild the governor with a tight rate limit.
	h.dispatcher.governor = governor.New(governor.Config{
		MaxConcurrent: 10, QueueLimit: 10, RateWindow: time.Minute, RateMax: 1,
	})

	_, _, err := h.submit(t, []byte("one"), core.ClassImage)
	require.NoError(t, err)

	_, _, err = h.submit(t, []byte("two"), core.ClassImage)
	require.Error(t, err)
	assert.Equal(t, apperr.CategoryRateLimited, apperr.CategoryOf(err))
	assert.True(t, apperr.IsRetryable(err))
}

func TestOpenBreakerFailsFast(t *testing.T) {
	h := newHarness(t, false, &stubAnalyzer{name: "a", score: 0.9, conf: core.ConfidenceHigh})

	// Trip the breaker directly (threshold 2).
	for i := 0; i < 2; i++ {
		h.breaker.Call(context.Background(), 0, func(context.Context) error {
			return assert.AnError
		})
	}
	require.Equal(t, circuitbreaker.StateOpen, h.breaker.State())

	start := time.Now()
	_, _, err := h.submit(t, []byte("content"), core.ClassImage)
	require.Error(t, err)
	assert.Equal(t, apperr.CategoryCircuitOpen, apperr.CategoryOf(err))
	assert.Less(t, time.Since(start), time.Second, "open breaker must fail fast")
	assert.Equal(t, 0, h.governor.Snapshot().Active)
}

func TestDuplicateInFlightCoalesces(t *testing.T) {
	h := newHarness(t, true, &stubAnalyzer{name: "a", score: 0.9, conf: core.ConfidenceHigh})
	content := []byte("shared payload")

	firstDone := make(chan *core.Verdict, 1)
	go func() {
		v, _, err := h.submit(t, content, core.ClassImage)
		assert.NoError(t, err)
		firstDone <- v
	}()

	// Wait until the first computation is in flight (mirror request published).
	require.Eventually(t, func() bool {
		return len(h.streams.Entries("req.mirror")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	secondDone := make(chan *core.Verdict, 1)
	go func() {
		v, _, err := h.submit(t, content, core.ClassImage)
		assert.NoError(t, err)
		secondDone <- v
	}()
	// Give the second submit time to reach the dedup wait.
	time.Sleep(50 * time.Millisecond)

	resp := startResponder(h.streams, nil, core.SuperiorEnvelope{IsAuthentic: true})
	defer resp.Stop()

	first := <-firstDone
	second := <-secondDone
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit, "duplicate must ride the first computation")
	assert.Len(t, h.streams.Entries("req.mirror"), 1, "only one mirror round for identical content")
}

func TestBusPublishFailureFailsRequest(t *testing.T) {
	h := newHarness(t, true, &stubAnalyzer{name: "a", score: 0.9, conf: core.ConfidenceHigh})

	// The stream store errors on every call but the client has not flipped to
	// degraded mode, so the mirror publish failure must surface as a bus
	// error, not masquerade as a round timeout.
	h.streams.SetFailing(true)
	require.False(t, h.busClient.Degraded())

	verdict, _, err := h.submit(t, []byte("content"), core.ClassImage)
	require.Error(t, err)
	assert.Nil(t, verdict)
	assert.Equal(t, apperr.CategoryBus, apperr.CategoryOf(err))
	assert.True(t, apperr.ShouldAlert(err))
	assert.Equal(t, 0, h.governor.Snapshot().Active)
}

func TestSimultaneousFirstSubmitsShareOneComputation(t *testing.T) {
	h := newHarness(t, true, &stubAnalyzer{
		name: "slow", score: 0.9, conf: core.ConfidenceHigh, delay: 100 * time.Millisecond,
	})
	resp := startResponder(h.streams, nil, core.SuperiorEnvelope{IsAuthentic: true})
	defer resp.Stop()

	content := []byte("contended payload")
	results := make(chan *core.Verdict, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := h.submit(t, content, core.ClassImage)
			assert.NoError(t, err)
			results <- v
		}()
	}
	wg.Wait()
	close(results)

	hits := 0
	for v := range results {
		require.NotNil(t, v)
		if v.CacheHit {
			hits++
		}
	}
	assert.Equal(t, 1, hits, "exactly one of the pair rides the other's computation")
	assert.Len(t, h.streams.Entries("req.mirror"), 1, "one mirror round for identical content")
}

func TestDisabledBreakerBypassesCircuit(t *testing.T) {
	h := newHarness(t, false, &stubAnalyzer{name: "a", score: 0.9, conf: core.ConfidenceHigh})
	h.cfg.CircuitBreaker.Enabled = false

	// Even a tripped breaker is ignored when the config disables it.
	for i := 0; i < 2; i++ {
		h.breaker.Call(context.Background(), 0, func(context.Context) error {
			return assert.AnError
		})
	}
	require.Equal(t, circuitbreaker.StateOpen, h.breaker.State())

	verdict, _, err := h.submit(t, []byte("content"), core.ClassImage)
	require.NoError(t, err)
	require.NotNil(t, verdict)
	assert.True(t, verdict.IsAuthentic)
}

func TestSecurityFailureEmitsEvent(t *testing.T) {
	h := newHarness(t, true, &stubAnalyzer{name: "a", score: 0.9, conf: core.ConfidenceHigh})
	rec := events.NewRecorder(h.events, events.TypeSecurity)

	art, err := artifact.New(t.TempDir(), core.ClassImage, bytes.NewReader([]byte("suspicious")))
	require.NoError(t, err)
	appErr := apperr.New(apperr.CategorySecurity, "corr-1", "oversize upload")
	h.dispatcher.emitFailure(context.Background(), art.ID, appErr)

	assert.Eventually(t, func() bool {
		return rec.CountByType(events.TypeSecurity) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, h.streams.Entries("security.events"), 1)
}

func TestPerformanceClassification(t *testing.T) {
	h := newHarness(t, false)
	h.cfg.Performance.FileProcP95Ms = 100

	assert.Equal(t, core.PerfOptimal, h.dispatcher.classifyPerformance(50*time.Millisecond))
	assert.Equal(t, core.PerfOptimal, h.dispatcher.classifyPerformance(100*time.Millisecond))
	assert.Equal(t, core.PerfAcceptable, h.dispatcher.classifyPerformance(150*time.Millisecond))
	assert.Equal(t, core.PerfAcceptable, h.dispatcher.classifyPerformance(200*time.Millisecond))
	assert.Equal(t, core.PerfDegraded, h.dispatcher.classifyPerformance(300*time.Millisecond))
}
