package mcconsensus

// SignatureScheme parameterizes the canonical byte content
// that validators sign. Every node in a cluster must use the
// identical scheme or no signature will verify.
type SignatureScheme interface {
	ProposalSignBytes(p Proposal) ([]byte, error)

	MessageSignBytes(m Message) ([]byte, error)
}
