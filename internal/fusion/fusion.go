// Package fusion combines local analyzer votes with mirror-network votes
// into a consensus, and classifies the final confidence against the superior
// network's answer. Fusion is deterministic: same inputs, same consensus.
package fusion

import (
	"github.com/veriscan/backend/internal/analyzer"
	"github.com/veriscan/backend/internal/core"
)

// Decision thresholds.
const (
	voteThreshold      = 0.5 // per-vote: score >= 0.5 counts authentic
	consensusThreshold = 0.6 // positiveRatio >= 0.6 means authentic
)

type vote struct {
	positive   bool
	confidence core.ConfidenceLevel
	score      float64
	source     core.VoteSource
}

// Fuse computes the local consensus from the analyzer aggregate and the
// mirror envelope. Degraded or timed-out mirrors contribute no votes.
func Fuse(agg *analyzer.Aggregate, mirror *core.MirrorEnvelope) *core.LocalConsensus {
	votes := collectVotes(agg, mirror)

	consensus := &core.LocalConsensus{
		VoteCount: len(votes),
		Sources:   make([]core.VoteSource, 0, len(votes)),
	}

	if len(votes) == 0 {
		// No usable signal: neutral ratio, below the authentic threshold.
		consensus.PositiveRatio = 0.5
		consensus.ConfidenceLevel = core.ConfidenceLow
		consensus.IsAuthentic = false
		return consensus
	}

	var confidenceSum float64
	for _, v := range votes {
		if v.positive {
			consensus.PositiveCount++
		}
		confidenceSum += v.confidence.Numeric()
		consensus.Sources = append(consensus.Sources, v.source)
	}
	consensus.PositiveRatio = float64(consensus.PositiveCount) / float64(len(votes))
	consensus.WeightedConfidence = confidenceSum / float64(len(votes))
	consensus.IsAuthentic = consensus.PositiveRatio >= consensusThreshold
	consensus.ConfidenceLevel = classify(votes, consensus)
	return consensus
}

// ApplySuperior finalizes the confidence level: when the superior network
// disagrees with the local consensus on authenticity, the verdict's level
// becomes review_required. IsAuthentic keeps the local consensus value.
func ApplySuperior(consensus *core.LocalConsensus, superior *core.SuperiorEnvelope) core.ConfidenceLevel {
	if superior != nil && superior.OK && superior.IsAuthentic != consensus.IsAuthentic {
		return core.ConfidenceReviewRequired
	}
	return consensus.ConfidenceLevel
}

func collectVotes(agg *analyzer.Aggregate, mirror *core.MirrorEnvelope) []vote {
	var votes []vote
	if agg != nil {
		for _, res := range agg.Ordered() {
			if !res.OK || res.Score == nil {
				continue
			}
			votes = append(votes, vote{
				positive:   *res.Score >= voteThreshold,
				confidence: res.Confidence,
				score:      *res.Score,
				source:     core.VoteSource{Kind: "local", Name: res.AnalyzerName},
			})
		}
	}
	if mirror != nil && mirror.OK {
		for _, net := range mirror.Networks {
			votes = append(votes, vote{
				positive:   net.Score >= voteThreshold,
				confidence: net.Confidence,
				score:      net.Score,
				source:     core.VoteSource{Kind: "mirror", Name: net.Name},
			})
		}
	}
	return votes
}

// classify grades consensus confidence. Single-vote tie-break: high when the
// lone vote carries high confidence and a decisive score (>= 0.8 or <= 0.2).
func classify(votes []vote, c *core.LocalConsensus) core.ConfidenceLevel {
	if len(votes) == 1 {
		v := votes[0]
		if v.confidence == core.ConfidenceHigh && (v.score >= 0.8 || v.score <= 0.2) {
			return core.ConfidenceHigh
		}
		return core.ConfidenceMedium
	}

	decisive := c.PositiveRatio >= 0.8 || c.PositiveRatio <= 0.2
	leaning := c.PositiveRatio >= 0.6 || c.PositiveRatio <= 0.4

	switch {
	case c.WeightedConfidence >= 0.8 && decisive:
		return core.ConfidenceHigh
	case c.WeightedConfidence >= 0.6 && leaning:
		return core.ConfidenceMedium
	default:
		return core.ConfidenceLow
	}
}
