package mcconsensus

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/meridian-engine/meridian/mgeo"
)

// ClassificationResult is the outlier detector's verdict for one round.
// Produced once per round; immutable afterward.
type ClassificationResult struct {
	Round uint64

	// Robust center of the round's embedded proposals.
	Center mgeo.Point

	// Honest and Suspect partition the proposing validators,
	// indexed by NodeID.
	Honest  *bitset.BitSet
	Suspect *bitset.BitSet

	// Margin is f minus the suspect count.
	// Negative margin means more suspects than the Byzantine budget.
	Margin int
}

// ConsensusResult is the single durable output of a decided round.
type ConsensusResult struct {
	Round uint64

	DecidedValue []byte

	Path DecisionPath

	// Validators that contributed to the decision:
	// the honest set on the fast path,
	// or the commit quorum on the classical path.
	CommittingNodes *bitset.BitSet
}

// DecisionPath tags which capability decided a round.
type DecisionPath uint8

const (
	_ DecisionPath = iota // Zero value reserved.

	PathFast
	PathClassical
)

func (p DecisionPath) String() string {
	switch p {
	case PathFast:
		return "fast"
	case PathClassical:
		return "classical"
	default:
		return "unknown"
	}
}
