package mcconsensus

import (
	"context"
	"fmt"

	"github.com/meridian-engine/meridian/mcrypto"
)

// NodeID identifies a validator by its index
// into the cluster's canonical validator ordering.
type NodeID uint32

// Validator is a single cluster member.
// Only LastSeenView mutates over a validator's lifetime;
// removal happens exclusively through a signed membership change
// applied by a [MembershipStore].
type Validator struct {
	PubKey mcrypto.PubKey

	// Highest view in which this validator was observed
	// sending a well-formed message.
	LastSeenView uint64
}

// ValidatorSet is the fixed membership for one or more rounds.
// The slice order is the canonical ordering that NodeID indexes.
type ValidatorSet struct {
	Validators []Validator
}

// Len returns the number of validators, n.
func (vs ValidatorSet) Len() int {
	return len(vs.Validators)
}

// ByzantineBudget returns f = floor((n-1)/3),
// the number of simultaneous Byzantine validators the set tolerates.
func (vs ValidatorSet) ByzantineBudget() int {
	return (len(vs.Validators) - 1) / 3
}

// QuorumSize returns 2f+1.
// Any two subsets of that size intersect in at least f+1 validators,
// at least one of which is honest.
func (vs ValidatorSet) QuorumSize() int {
	return 2*vs.ByzantineBudget() + 1
}

// CanProveSafety reports whether n >= 3f+1 holds for f >= 1,
// i.e. whether the set is large enough for quorum intersection
// to tolerate at least one fault.
func (vs ValidatorSet) CanProveSafety() bool {
	return len(vs.Validators) >= 4
}

// PubKey returns the public key for id,
// or an error if id is out of range.
func (vs ValidatorSet) PubKey(id NodeID) (mcrypto.PubKey, error) {
	if int(id) >= len(vs.Validators) {
		return nil, fmt.Errorf("node id %d out of range for validator set of %d", id, len(vs.Validators))
	}
	return vs.Validators[id].PubKey, nil
}

// Leader returns the id of the leader for the given view,
// rotating round-robin through the canonical ordering.
func (vs ValidatorSet) Leader(view uint64) NodeID {
	return NodeID(view % uint64(len(vs.Validators)))
}

// MembershipChange is a signed record adding or removing a validator.
// The algorithmic consequences of membership changes (resizing quorums,
// restarting in-flight rounds) are outside the consensus core;
// this type only gives the surrounding system a well-defined handle.
type MembershipChange struct {
	Add bool

	PubKey mcrypto.PubKey

	// Signature by the administrative authority over the change.
	Signature []byte
}

// MembershipStore applies signed membership changes
// and reports the validator set effective at a round.
type MembershipStore interface {
	ApplyChange(ctx context.Context, c MembershipChange) error

	ValidatorSetForRound(ctx context.Context, round uint64) (ValidatorSet, error)
}
