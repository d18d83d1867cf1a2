package mcoutlier_test

import (
	"testing"

	"github.com/meridian-engine/meridian/mc/mcconsensus"
	"github.com/meridian-engine/meridian/mc/mcoutlier"
	"github.com/meridian-engine/meridian/mgeo"
	"github.com/meridian-engine/meridian/mgeo/meuclid"
	"github.com/stretchr/testify/require"
)

func proposalAt(node mcconsensus.NodeID, pt mgeo.Point) mcconsensus.Proposal {
	return mcconsensus.Proposal{
		Round: 1,
		Node:  node,
		Point: pt,
	}
}

func TestDetector_FlagsDistantMinority(t *testing.T) {
	t.Parallel()

	// Seven proposals clustered tightly, three placed far beyond
	// ten times the cluster's spread. Exactly the three must be flagged.
	proposals := []mcconsensus.Proposal{
		proposalAt(0, mgeo.Point{0.00, 0.00}),
		proposalAt(1, mgeo.Point{0.01, 0.00}),
		proposalAt(2, mgeo.Point{0.00, 0.01}),
		proposalAt(3, mgeo.Point{-0.01, 0.00}),
		proposalAt(4, mgeo.Point{0.00, -0.01}),
		proposalAt(5, mgeo.Point{0.01, 0.01}),
		proposalAt(6, mgeo.Point{-0.01, -0.01}),

		proposalAt(7, mgeo.Point{50, 50}),
		proposalAt(8, mgeo.Point{-40, 60}),
		proposalAt(9, mgeo.Point{70, -30}),
	}

	det := mcoutlier.NewDetector(mcoutlier.Config{
		Geometry:        meuclid.New(2),
		ThresholdFactor: 3.0,
	})

	res := det.Classify(1, proposals, 3)

	require.Equal(t, uint(3), res.Suspect.Count())
	require.True(t, res.Suspect.Test(7))
	require.True(t, res.Suspect.Test(8))
	require.True(t, res.Suspect.Test(9))

	require.Equal(t, uint(7), res.Honest.Count())
	for id := uint(0); id < 7; id++ {
		require.True(t, res.Honest.Test(id), "node %d should be honest", id)
	}

	require.Zero(t, res.Margin)

	// The robust center must sit in the cluster, not between
	// the cluster and the outliers.
	geo := meuclid.New(2)
	require.Less(t, geo.Distance(res.Center, mgeo.Point{0, 0}), 0.1)
}

func TestDetector_AllIdenticalProposals(t *testing.T) {
	t.Parallel()

	pt := mgeo.Point{0.25, 0.75}
	proposals := make([]mcconsensus.Proposal, 4)
	for i := range proposals {
		proposals[i] = proposalAt(mcconsensus.NodeID(i), pt.Clone())
	}

	det := mcoutlier.NewDetector(mcoutlier.Config{Geometry: meuclid.New(2)})
	res := det.Classify(1, proposals, 1)

	// All distances zero: maximal confidence.
	require.Zero(t, res.Suspect.Count())
	require.Equal(t, uint(4), res.Honest.Count())
	require.Equal(t, 1, res.Margin)
}

func TestDetector_MajorityIdenticalFlagsDeviants(t *testing.T) {
	t.Parallel()

	pt := mgeo.Point{0.5, 0.5}
	proposals := []mcconsensus.Proposal{
		proposalAt(0, pt.Clone()),
		proposalAt(1, pt.Clone()),
		proposalAt(2, pt.Clone()),
		proposalAt(3, mgeo.Point{0.9, 0.1}),
	}

	det := mcoutlier.NewDetector(mcoutlier.Config{Geometry: meuclid.New(2)})
	res := det.Classify(1, proposals, 1)

	// Median distance is zero, so any deviation at all is suspect.
	require.Equal(t, uint(1), res.Suspect.Count())
	require.True(t, res.Suspect.Test(3))
	require.Zero(t, res.Margin)
}

func TestDetector_NegativeMarginWhenBudgetExceeded(t *testing.T) {
	t.Parallel()

	proposals := []mcconsensus.Proposal{
		proposalAt(0, mgeo.Point{0, 0}),
		proposalAt(1, mgeo.Point{0.001, 0}),
		proposalAt(2, mgeo.Point{0, 0.001}),
		proposalAt(3, mgeo.Point{30, 30}),
		proposalAt(4, mgeo.Point{-30, 30}),
	}

	det := mcoutlier.NewDetector(mcoutlier.Config{Geometry: meuclid.New(2)})
	res := det.Classify(1, proposals, 1)

	require.Equal(t, uint(2), res.Suspect.Count())
	require.Equal(t, -1, res.Margin)
}

func TestDetector_EmptyInput(t *testing.T) {
	t.Parallel()

	det := mcoutlier.NewDetector(mcoutlier.Config{Geometry: meuclid.New(2)})
	res := det.Classify(9, nil, 1)

	require.Zero(t, res.Honest.Count())
	require.Zero(t, res.Suspect.Count())
	require.Equal(t, 1, res.Margin)
	require.Nil(t, res.Center)
}
