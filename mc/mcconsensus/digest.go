package mcconsensus

import "encoding/hex"

// DigestSize is the fixed width of every digest on the wire.
const DigestSize = 32

// Digest identifies a candidate decision value for a round.
// All three phases of the classical protocol reference the same digest,
// which is what ties a Commit quorum back to concrete proposal content.
type Digest [DigestSize]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the all-zero digest,
// used as the "nothing prepared" marker in view changes.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// HashScheme parameterizes how digests are derived from round content.
type HashScheme interface {
	// ValueDigest binds a candidate decision value to its round.
	// Including the round number prevents a quorum formed in one round
	// from being replayed against another.
	ValueDigest(round uint64, value []byte) Digest

	// ProposalSetDigest summarizes a round's accepted proposals,
	// in NodeID order, for receipts and audit.
	ProposalSetDigest(proposals []Proposal) Digest
}
