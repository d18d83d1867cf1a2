package mcconsensus

import (
	"cmp"
	"fmt"
	"slices"
)

// RoundStatus is the lifecycle state of a round.
// Transitions are monotonic; a terminal status is never left.
type RoundStatus uint8

const (
	_ RoundStatus = iota // Zero value reserved.

	RoundPending

	// Terminal statuses.
	RoundFastDecided
	RoundClassicallyDecided
	RoundFailed
)

func (s RoundStatus) IsTerminal() bool {
	return s == RoundFastDecided || s == RoundClassicallyDecided || s == RoundFailed
}

func (s RoundStatus) String() string {
	switch s {
	case RoundPending:
		return "pending"
	case RoundFastDecided:
		return "fast_decided"
	case RoundClassicallyDecided:
		return "classically_decided"
	case RoundFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Round is the mutable per-round record owned by the coordinator.
// All mutation happens inside the coordinator's round loop,
// never concurrently.
type Round struct {
	Number uint64
	View   uint64

	Proposals map[NodeID]Proposal

	Status RoundStatus
}

// NewRound returns a pending round at the given view.
func NewRound(number, view uint64) *Round {
	return &Round{
		Number:    number,
		View:      view,
		Proposals: make(map[NodeID]Proposal),
		Status:    RoundPending,
	}
}

// AddProposal records p, rejecting duplicates from the same node.
func (r *Round) AddProposal(p Proposal) error {
	if r.Status != RoundPending {
		return fmt.Errorf("round %d is %s, not accepting proposals", r.Number, r.Status)
	}
	if p.Round != r.Number {
		return InvalidProposalError{Node: p.Node, Reason: fmt.Sprintf("proposal for round %d arrived in round %d", p.Round, r.Number)}
	}
	if _, dup := r.Proposals[p.Node]; dup {
		return InvalidProposalError{Node: p.Node, Reason: "duplicate proposal in round"}
	}

	r.Proposals[p.Node] = p
	return nil
}

// OrderedProposals returns the round's proposals in NodeID order,
// the canonical ordering for digests and classification.
func (r *Round) OrderedProposals() []Proposal {
	out := make([]Proposal, 0, len(r.Proposals))
	for _, p := range r.Proposals {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Proposal) int {
		return cmp.Compare(a.Node, b.Node)
	})
	return out
}

// SetStatus applies a monotonic status transition.
// Re-applying the current status is a no-op;
// leaving a terminal status is an error.
func (r *Round) SetStatus(s RoundStatus) error {
	if r.Status == s {
		return nil
	}
	if r.Status.IsTerminal() {
		return fmt.Errorf("round %d already terminal (%s), refusing transition to %s", r.Number, r.Status, s)
	}
	r.Status = s
	return nil
}
