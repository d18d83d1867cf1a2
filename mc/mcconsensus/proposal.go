package mcconsensus

import (
	"github.com/meridian-engine/meridian/mgeo"
)

// Proposal is one validator's proposed value for one round.
// Immutable once built; a validator submits at most one per round,
// and duplicates are rejected during collection.
type Proposal struct {
	Round uint64

	Node NodeID

	// The raw proposed value. Decisions always return one of these
	// (or a caller-supplied canonical combination), never a synthetic
	// point read back out of the embedding.
	RawValue []byte

	// Deterministic embedding of RawValue, filled in by the coordinator.
	// Not on the wire: every node re-embeds locally.
	Point mgeo.Point

	Signature []byte
}

// ProposalSignBytes returns the canonical signing content for p.
func ProposalSignBytes(p Proposal, s SignatureScheme) ([]byte, error) {
	return s.ProposalSignBytes(p)
}
