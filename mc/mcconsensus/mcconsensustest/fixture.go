package mcconsensustest

import (
	"context"
	"fmt"

	"github.com/meridian-engine/meridian/mc/mcconsensus"
	"github.com/meridian-engine/meridian/mcrypto"
	"github.com/meridian-engine/meridian/mcrypto/mcryptotest"
	"github.com/meridian-engine/meridian/mgeo"
	"github.com/meridian-engine/meridian/mgeo/meuclid"
)

// Fixture is a deterministic cluster for tests:
// n ed25519 validators, the standard hash and signature schemes,
// and a Euclidean geometry provider.
type Fixture struct {
	PrivVals PrivVals

	HashScheme      mcconsensus.HashScheme
	SignatureScheme mcconsensus.SignatureScheme

	Registry mcrypto.Registry

	Geometry mgeo.Provider
}

// NewFixture returns an initialized Fixture
// with the given number of deterministic ed25519 validators.
func NewFixture(numVals int) *Fixture {
	privVals := DeterministicValidators(numVals)

	var reg mcrypto.Registry
	mcrypto.RegisterEd25519(&reg)

	return &Fixture{
		PrivVals: privVals,

		HashScheme:      mcconsensus.Blake2bHashScheme{},
		SignatureScheme: mcconsensus.PrefixSignatureScheme{},

		Registry: reg,

		Geometry: meuclid.New(meuclid.DefaultDim),
	}
}

// DeterministicValidators returns a deterministic set
// of validators with ed25519 keys.
func DeterministicValidators(n int) PrivVals {
	res := make(PrivVals, n)
	signers := mcryptotest.DeterministicEd25519Signers(n)

	for i := range res {
		res[i] = PrivVal{
			Val: mcconsensus.Validator{
				PubKey: signers[i].PubKey(),
			},
			Signer: signers[i],
		}
	}

	return res
}

// ValSet returns the fixture's validator set in canonical order.
func (f *Fixture) ValSet() mcconsensus.ValidatorSet {
	return mcconsensus.ValidatorSet{Validators: f.PrivVals.Vals()}
}

// SignedProposal builds, embeds, and signs a proposal from the given node.
func (f *Fixture) SignedProposal(ctx context.Context, round uint64, node mcconsensus.NodeID, value []byte) mcconsensus.Proposal {
	p := mcconsensus.Proposal{
		Round:    round,
		Node:     node,
		RawValue: value,
		Point:    f.Geometry.Embed(value),
	}

	sb, err := f.SignatureScheme.ProposalSignBytes(p)
	if err != nil {
		panic(fmt.Errorf("failed to build proposal sign bytes: %w", err))
	}

	sig, err := f.PrivVals[node].Signer.Sign(ctx, sb)
	if err != nil {
		panic(fmt.Errorf("failed to sign proposal: %w", err))
	}

	p.Signature = sig
	return p
}

// SignedMessage signs m with its sender's key and returns the signed copy.
func (f *Fixture) SignedMessage(ctx context.Context, m mcconsensus.Message) mcconsensus.Message {
	sb, err := f.SignatureScheme.MessageSignBytes(m)
	if err != nil {
		panic(fmt.Errorf("failed to build message sign bytes: %w", err))
	}

	sig, err := f.PrivVals[m.Sender].Signer.Sign(ctx, sb)
	if err != nil {
		panic(fmt.Errorf("failed to sign message: %w", err))
	}

	m.Signature = sig
	return m
}
