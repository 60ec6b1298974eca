package analyzer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/veriscan/backend/internal/core"
)

// DefaultTimeout bounds each analyzer invocation.
const DefaultTimeout = 10 * time.Second

// Aggregate is the joined outcome of one parallel analyzer run.
type Aggregate struct {
	Results         map[string]core.AnalyzerResult `json:"results"`
	Errors          []string                       `json:"errors,omitempty"`
	TotalDurationMs int64                          `json:"total_duration_ms"`
	SuccessCount    int                            `json:"success_count"`
	TotalCount      int                            `json:"total_count"`
}

// Ordered returns results sorted by analyzer name for stable verdict detail.
func (ag *Aggregate) Ordered() []core.AnalyzerResult {
	names := make([]string, 0, len(ag.Results))
	for name := range ag.Results {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]core.AnalyzerResult, 0, len(names))
	for _, name := range names {
		out = append(out, ag.Results[name])
	}
	return out
}

// Runner fans an artifact out to every applicable analyzer in parallel.
type Runner struct {
	registry *Registry
	timeout  time.Duration
}

// NewRunner creates a runner over the registry. timeout <= 0 uses the default.
func NewRunner(registry *Registry, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{registry: registry, timeout: timeout}
}

// Run invokes all applicable analyzers concurrently. Individual timeouts and
// panics yield a failed result for that analyzer only; the join never aborts.
// Zero applicable analyzers returns an empty aggregate.
func (r *Runner) Run(ctx context.Context, in Input) *Aggregate {
	analyzers := r.registry.For(in.Class)
	agg := &Aggregate{
		Results:    make(map[string]core.AnalyzerResult, len(analyzers)),
		TotalCount: len(analyzers),
	}
	if len(analyzers) == 0 {
		return agg
	}

	start := time.Now()
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, a := range analyzers {
		wg.Add(1)
		go func(a Analyzer) {
			defer wg.Done()
			result := r.invoke(ctx, a, in)
			mu.Lock()
			agg.Results[a.Name()] = result
			if result.OK {
				agg.SuccessCount++
			} else {
				agg.Errors = append(agg.Errors, fmt.Sprintf("%s: %s", a.Name(), result.Error))
			}
			mu.Unlock()
		}(a)
	}
	wg.Wait()

	agg.TotalDurationMs = time.Since(start).Milliseconds()
	return agg
}

// invoke runs one analyzer bounded by the per-analyzer timeout.
func (r *Runner) invoke(ctx context.Context, a Analyzer, in Input) core.AnalyzerResult {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	type outcome struct {
		result core.AnalyzerResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		res, err := a.Analyze(callCtx, in)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		elapsed := time.Since(start).Milliseconds()
		if o.err != nil {
			return failedResult(a, elapsed, o.err.Error())
		}
		return coerce(a, o.result, elapsed)
	case <-callCtx.Done():
		return failedResult(a, time.Since(start).Milliseconds(), "analyzer timed out")
	}
}

// coerce normalizes a returned result: name/version stamped, malformed
// scores dropped to nil with error confidence.
func coerce(a Analyzer, res core.AnalyzerResult, elapsedMs int64) core.AnalyzerResult {
	res.AnalyzerName = a.Name()
	res.Version = a.Version()
	res.DurationMs = elapsedMs
	if res.Score != nil && (*res.Score < 0 || *res.Score > 1) {
		res.Score = nil
		res.Confidence = core.ConfidenceError
		res.OK = false
		res.Error = "score out of range"
		return res
	}
	if res.Confidence == "" {
		res.Confidence = core.ConfidenceError
	}
	res.OK = res.Error == ""
	return res
}

func failedResult(a Analyzer, elapsedMs int64, msg string) core.AnalyzerResult {
	return core.AnalyzerResult{
		AnalyzerName: a.Name(),
		Version:      a.Version(),
		Score:        nil,
		Confidence:   core.ConfidenceError,
		DurationMs:   elapsedMs,
		OK:           false,
		Error:        msg,
	}
}
