// Package core holds the domain types shared across the pipeline: artifacts,
// analyzer results, consensus, envelopes from the remote decision networks,
// and the terminal Verdict.
package core

import "time"

// MimeClass is the declared class of an ingress file.
type MimeClass string

const (
	ClassImage MimeClass = "image"
	ClassPDF   MimeClass = "pdf"
	ClassVideo MimeClass = "video"
)

// ConfidenceLevel grades how certain the pipeline is about a verdict.
type ConfidenceLevel string

const (
	ConfidenceHigh           ConfidenceLevel = "high"
	ConfidenceMedium         ConfidenceLevel = "medium"
	ConfidenceLow            ConfidenceLevel = "low"
	ConfidenceReviewRequired ConfidenceLevel = "review_required"
	ConfidenceError          ConfidenceLevel = "error"
)

// Numeric maps a confidence level to its weight in consensus.
func (c ConfidenceLevel) Numeric() float64 {
	switch c {
	case ConfidenceHigh:
		return 1.0
	case ConfidenceMedium:
		return 0.7
	case ConfidenceLow:
		return 0.4
	default:
		return 0.0
	}
}

// PerformanceClass grades how a request's total latency compared to targets.
type PerformanceClass string

const (
	PerfOptimal    PerformanceClass = "optimal"
	PerfAcceptable PerformanceClass = "acceptable"
	PerfDegraded   PerformanceClass = "degraded"
)

// AnalyzerResult is the immutable outcome of one analyzer on one artifact.
// Score is nil when the analyzer failed or abstained.
type AnalyzerResult struct {
	AnalyzerName string                 `json:"analyzer_name"`
	Version      string                 `json:"version,omitempty"`
	Score        *float64               `json:"score"`
	Confidence   ConfidenceLevel        `json:"confidence"`
	Detail       map[string]interface{} `json:"detail,omitempty"`
	DurationMs   int64                  `json:"duration_ms"`
	OK           bool                   `json:"ok"`
	Error        string                 `json:"error,omitempty"`
}

// VoteSource identifies where a consensus vote came from.
type VoteSource struct {
	Kind string `json:"kind"` // "local" or "mirror"
	Name string `json:"name"`
}

// LocalConsensus is the fused outcome of local and mirror votes.
type LocalConsensus struct {
	VoteCount          int             `json:"vote_count"`
	PositiveCount      int             `json:"positive_count"`
	PositiveRatio      float64         `json:"positive_ratio"`
	WeightedConfidence float64         `json:"weighted_confidence"`
	ConfidenceLevel    ConfidenceLevel `json:"confidence_level"`
	IsAuthentic        bool            `json:"is_authentic"`
	Sources            []VoteSource    `json:"sources"`
}

// MirrorNetworkVote is one remote network's opinion inside a mirror envelope.
type MirrorNetworkVote struct {
	Name       string          `json:"name"`
	Score      float64         `json:"score"`
	Confidence ConfidenceLevel `json:"confidence"`
	DurationMs int64           `json:"duration_ms"`
}

// MirrorEnvelope is the decoded mirror-network response, or its absence.
type MirrorEnvelope struct {
	OK       bool                `json:"ok"`
	Timeout  bool                `json:"timeout,omitempty"`
	Degraded bool                `json:"degraded,omitempty"`
	Networks []MirrorNetworkVote `json:"networks,omitempty"`
}

// SuperiorEnvelope is the decoded superior-network response, or its absence.
type SuperiorEnvelope struct {
	OK          bool                   `json:"ok"`
	Timeout     bool                   `json:"timeout,omitempty"`
	Degraded    bool                   `json:"degraded,omitempty"`
	IsAuthentic bool                   `json:"is_authentic"`
	Confidence  float64                `json:"confidence"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// VerdictDetails carries the per-stage evidence behind a verdict.
type VerdictDetails struct {
	Local     []AnalyzerResult  `json:"local,omitempty"`
	Mirror    *MirrorEnvelope   `json:"mirror,omitempty"`
	Consensus *LocalConsensus   `json:"consensus,omitempty"`
	Superior  *SuperiorEnvelope `json:"superior,omitempty"`
}

// Verdict is the terminal result of one request.
type Verdict struct {
	IsAuthentic       bool             `json:"is_authentic"`
	ConfidenceLevel   ConfidenceLevel  `json:"confidence_level"`
	ArtifactClass     MimeClass        `json:"artifact_class"`
	ContentHashPrefix string           `json:"content_hash_prefix"`
	PerformanceClass  PerformanceClass `json:"performance_class"`
	CorrelationID     string           `json:"correlation_id"`
	TimestampUTC      time.Time        `json:"timestamp_utc"`
	CacheHit          bool             `json:"cache_hit"`
	Degraded          bool             `json:"degraded,omitempty"`
	Details           *VerdictDetails  `json:"details,omitempty"`
}

// StageEntry is one tracking-store record for an artifact.
type StageEntry struct {
	Stage       string                 `json:"stage"`
	TimestampMs int64                  `json:"timestamp_ms"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}
