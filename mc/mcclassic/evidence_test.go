package mcclassic_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-engine/meridian/mc/mcclassic"
	"github.com/meridian-engine/meridian/mc/mcconsensus"
)

func TestEvidencePool_Observe(t *testing.T) {
	t.Parallel()

	pool := mcclassic.NewEvidencePool()

	base := mcconsensus.Message{
		Type:   mcconsensus.MsgPrepare,
		View:   1,
		Round:  7,
		Digest: mcconsensus.Digest{1},
		Sender: 2,
	}

	require.False(t, pool.Observe(base))

	// Identical re-delivery is not a conflict.
	require.False(t, pool.Observe(base))

	// Same slot, different digest: conflict.
	conflict := base
	conflict.Digest = mcconsensus.Digest{2}
	require.True(t, pool.Observe(conflict))

	// Different view is a different slot.
	otherView := base
	otherView.View = 2
	otherView.Digest = mcconsensus.Digest{3}
	require.False(t, pool.Observe(otherView))

	// Different sender is a different slot.
	otherSender := conflict
	otherSender.Sender = 3
	require.False(t, pool.Observe(otherSender))

	records := pool.Records()
	require.Len(t, records, 1)
	require.Equal(t, mcconsensus.NodeID(2), records[0].Node)
	require.Equal(t, mcconsensus.Digest{1}, records[0].First.Digest)
	require.Equal(t, mcconsensus.Digest{2}, records[0].Conflicting.Digest)
}
