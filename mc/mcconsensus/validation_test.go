package mcconsensus_test

import (
	"context"
	"testing"

	"github.com/meridian-engine/meridian/mc/mcconsensus"
	"github.com/meridian-engine/meridian/mc/mcconsensus/mcconsensustest"
	"github.com/stretchr/testify/require"
)

func TestVerifyProposal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := mcconsensustest.NewFixture(4)
	vs := fx.ValSet()

	p := fx.SignedProposal(ctx, 1, 2, []byte("payload"))
	require.NoError(t, mcconsensus.VerifyProposal(p, vs, fx.SignatureScheme))

	// Tampered value fails.
	bad := p
	bad.RawValue = []byte("tampered")
	require.Error(t, mcconsensus.VerifyProposal(bad, vs, fx.SignatureScheme))

	// A signature from a different node fails.
	stolen := fx.SignedProposal(ctx, 1, 3, []byte("payload"))
	stolen.Node = 2
	require.Error(t, mcconsensus.VerifyProposal(stolen, vs, fx.SignatureScheme))

	// Out-of-range sender fails.
	oob := p
	oob.Node = 99
	require.Error(t, mcconsensus.VerifyProposal(oob, vs, fx.SignatureScheme))
}

func TestVerifyMessage(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := mcconsensustest.NewFixture(4)
	vs := fx.ValSet()

	digest := fx.HashScheme.ValueDigest(5, []byte("candidate"))
	m := fx.SignedMessage(ctx, mcconsensus.Message{
		Type:   mcconsensus.MsgPrepare,
		View:   0,
		Round:  5,
		Digest: digest,
		Sender: 1,
	})
	require.NoError(t, mcconsensus.VerifyMessage(m, vs, fx.SignatureScheme))

	// Any mutation of signed fields breaks verification.
	bad := m
	bad.View = 1
	require.Error(t, mcconsensus.VerifyMessage(bad, vs, fx.SignatureScheme))

	bad = m
	bad.Digest = fx.HashScheme.ValueDigest(5, []byte("other"))
	require.Error(t, mcconsensus.VerifyMessage(bad, vs, fx.SignatureScheme))
}

func TestValueDigest_BindsRound(t *testing.T) {
	t.Parallel()

	hs := mcconsensus.Blake2bHashScheme{}

	d1 := hs.ValueDigest(1, []byte("v"))
	d2 := hs.ValueDigest(2, []byte("v"))
	require.NotEqual(t, d1, d2)

	require.Equal(t, d1, hs.ValueDigest(1, []byte("v")))
	require.False(t, d1.IsZero())
	require.True(t, mcconsensus.Digest{}.IsZero())
}
