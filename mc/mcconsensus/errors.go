package mcconsensus

import (
	"errors"
	"fmt"
)

// ErrInsufficientQuorum indicates fewer than 3f+1 live validators
// responded in time. The round fails without a decision;
// retrying at a later view is always safe.
var ErrInsufficientQuorum = errors.New("insufficient quorum")

// ErrClassificationAmbiguous signals that the fast path's margin
// was too thin to decide. It is an escalation trigger for the
// classical path, not a failure.
var ErrClassificationAmbiguous = errors.New("classification margin too thin for fast path")

// InvalidProposalError describes a proposal dropped during collection.
// Always recovered locally; the round continues with the remaining
// proposals and the error never crosses the node boundary.
type InvalidProposalError struct {
	Node   NodeID
	Reason string
}

func (e InvalidProposalError) Error() string {
	return fmt.Sprintf("invalid proposal from node %d: %s", e.Node, e.Reason)
}

// SafetyViolationError reports two conflicting committed digests
// for the same (view, round).
//
// This is fatal for the round: it means either ledger corruption
// or more than f Byzantine validators, both outside the protocol's
// assumptions. It is the only error surfaced to the caller as
// unrecoverable.
type SafetyViolationError struct {
	View  uint64
	Round uint64

	DigestA Digest
	DigestB Digest
}

func (e SafetyViolationError) Error() string {
	return fmt.Sprintf(
		"safety violation at view %d round %d: conflicting committed digests %s and %s",
		e.View, e.Round, e.DigestA, e.DigestB,
	)
}
