package mcconsensustest

import (
	"github.com/meridian-engine/meridian/mc/mcconsensus"
	"github.com/meridian-engine/meridian/mcrypto"
)

// PrivVal is the "private" view of a validator for use in the [Fixture],
// so that tests have access to the signers backing the validators too.
type PrivVal struct {
	// The plain consensus validator.
	Val mcconsensus.Validator

	Signer mcrypto.Signer
}

type PrivVals []PrivVal

func (vs PrivVals) Vals() []mcconsensus.Validator {
	out := make([]mcconsensus.Validator, len(vs))
	for i, v := range vs {
		out[i] = v.Val
	}
	return out
}

func (vs PrivVals) PubKeys() []mcrypto.PubKey {
	out := make([]mcrypto.PubKey, len(vs))
	for i, v := range vs {
		out[i] = v.Signer.PubKey()
	}
	return out
}
