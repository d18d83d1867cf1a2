// Package mcfast implements the geometric fast path:
// deciding a round directly from the honest-node center
// when the outlier classification leaves enough margin.
package mcfast

import (
	"github.com/meridian-engine/meridian/mc/mcconsensus"
	"github.com/meridian-engine/meridian/mgeo"
)

// DefaultConfidenceThreshold is the minimum margin required to decide
// on the fast path: strictly more honest-node headroom than the bare
// Byzantine budget. Independent of the outlier threshold factor.
const DefaultConfidenceThreshold = 1

// Combiner canonically combines honest proposals into a decided value.
// When nil, the aggregator picks the raw value of the honest proposal
// nearest the robust center.
type Combiner func(honest []mcconsensus.Proposal) []byte

// Config holds the aggregator tunables.
type Config struct {
	Geometry mgeo.Provider

	// Minimum classification margin to decide without the classical
	// protocol. Zero selects the default.
	ConfidenceThreshold int

	Combiner Combiner
}

// Aggregator turns a favorable classification into a provisional decision.
//
// The fast path trades the classical quorum argument for a statistical one,
// so it must never decide on thin margin; anything below the confidence
// threshold escalates.
type Aggregator struct {
	geo mgeo.Provider

	confidenceThreshold int

	combiner Combiner
}

func NewAggregator(cfg Config) *Aggregator {
	a := &Aggregator{
		geo:                 cfg.Geometry,
		confidenceThreshold: cfg.ConfidenceThreshold,
		combiner:            cfg.Combiner,
	}
	if a.confidenceThreshold <= 0 {
		a.confidenceThreshold = DefaultConfidenceThreshold
	}
	return a
}

// Aggregate returns the fast-path decision for the classified round,
// or ok=false if the margin condition fails and the coordinator
// must escalate to the classical protocol.
//
// The decided value is always one of the submitted raw values
// (or the caller's canonical combination), never a synthetic point.
func (a *Aggregator) Aggregate(cls mcconsensus.ClassificationResult, proposals []mcconsensus.Proposal) (mcconsensus.ConsensusResult, bool) {
	if cls.Margin < a.confidenceThreshold {
		return mcconsensus.ConsensusResult{}, false
	}

	honest := make([]mcconsensus.Proposal, 0, len(proposals))
	for _, p := range proposals {
		if cls.Honest.Test(uint(p.Node)) {
			honest = append(honest, p)
		}
	}
	if len(honest) == 0 {
		return mcconsensus.ConsensusResult{}, false
	}

	var value []byte
	if a.combiner != nil {
		value = a.combiner(honest)
	} else {
		value = a.nearestToCenter(cls.Center, honest).RawValue
	}

	return mcconsensus.ConsensusResult{
		Round:           cls.Round,
		DecidedValue:    value,
		Path:            mcconsensus.PathFast,
		CommittingNodes: cls.Honest.Clone(),
	}, true
}

// Candidate returns the value this node would propose on the classical
// path, ignoring the margin gate: the same selection the fast path
// would make, so a round decided classically lands on the identical
// value the fast path would have chosen.
//
// Falls back over all proposals when classification left nothing honest.
func (a *Aggregator) Candidate(cls mcconsensus.ClassificationResult, proposals []mcconsensus.Proposal) ([]byte, bool) {
	if len(proposals) == 0 {
		return nil, false
	}

	honest := make([]mcconsensus.Proposal, 0, len(proposals))
	for _, p := range proposals {
		if cls.Honest != nil && cls.Honest.Test(uint(p.Node)) {
			honest = append(honest, p)
		}
	}
	if len(honest) == 0 {
		honest = proposals
	}

	if a.combiner != nil {
		return a.combiner(honest), true
	}
	return a.nearestToCenter(cls.Center, honest).RawValue, true
}

// nearestToCenter returns the honest proposal closest to the center,
// breaking ties toward the lower NodeID so every node picks the same
// proposal. The input is already in canonical NodeID order.
func (a *Aggregator) nearestToCenter(center mgeo.Point, honest []mcconsensus.Proposal) mcconsensus.Proposal {
	best := honest[0]
	bestDist := a.geo.Distance(center, best.Point)

	for _, p := range honest[1:] {
		d := a.geo.Distance(center, p.Point)
		if d < bestDist {
			best, bestDist = p, d
		}
	}

	return best
}
