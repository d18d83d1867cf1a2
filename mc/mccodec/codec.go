// Package mccodec defines the interfaces for marshaling and
// unmarshaling consensus values that cross a process boundary:
// proposals and protocol messages on the wire,
// receipts and validator sets on export surfaces.
package mccodec

import (
	"github.com/meridian-engine/meridian/mc/mcconsensus"
	"github.com/meridian-engine/meridian/mc/mcstore"
)

type Marshaler interface {
	MarshalProposal(p mcconsensus.Proposal) ([]byte, error)
	MarshalConsensusMessage(m mcconsensus.Message) ([]byte, error)

	MarshalReceipt(r mcstore.Receipt) ([]byte, error)
	MarshalValidatorSet(vs mcconsensus.ValidatorSet) ([]byte, error)
}

type Unmarshaler interface {
	UnmarshalProposal(b []byte) (mcconsensus.Proposal, error)
	UnmarshalConsensusMessage(b []byte) (mcconsensus.Message, error)

	UnmarshalReceipt(b []byte) (mcstore.Receipt, error)
	UnmarshalValidatorSet(b []byte) (mcconsensus.ValidatorSet, error)
}

// MarshalCodec is the combination of [Marshaler] and [Unmarshaler],
// which most callers want as a single dependency.
type MarshalCodec interface {
	Marshaler
	Unmarshaler
}
