package mcconsensus

import "fmt"

// VerifyProposal checks p's signature against the validator set.
// Malformed or unverifiable proposals are dropped by callers;
// the returned error is diagnostic only and stays node-local.
func VerifyProposal(p Proposal, vs ValidatorSet, s SignatureScheme) error {
	pub, err := vs.PubKey(p.Node)
	if err != nil {
		return InvalidProposalError{Node: p.Node, Reason: err.Error()}
	}

	sb, err := s.ProposalSignBytes(p)
	if err != nil {
		return fmt.Errorf("failed to build proposal sign bytes: %w", err)
	}

	if !pub.Verify(sb, p.Signature) {
		return InvalidProposalError{Node: p.Node, Reason: "signature verification failed"}
	}
	return nil
}

// VerifyMessage checks m's signature against the validator set.
func VerifyMessage(m Message, vs ValidatorSet, s SignatureScheme) error {
	pub, err := vs.PubKey(m.Sender)
	if err != nil {
		return fmt.Errorf("message from unknown sender: %w", err)
	}

	sb, err := s.MessageSignBytes(m)
	if err != nil {
		return fmt.Errorf("failed to build message sign bytes: %w", err)
	}

	if !pub.Verify(sb, m.Signature) {
		return fmt.Errorf("signature verification failed for %s from node %d", m.Type, m.Sender)
	}
	return nil
}
