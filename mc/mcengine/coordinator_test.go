package mcengine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/meridian-engine/meridian/mc/mcconsensus"
	"github.com/meridian-engine/meridian/mc/mcconsensus/mcconsensustest"
	"github.com/meridian-engine/meridian/mc/mcengine"
	"github.com/meridian-engine/meridian/mc/mcfast"
	"github.com/meridian-engine/meridian/mc/mcp2p/mcp2ptest"
	"github.com/meridian-engine/meridian/mc/mcstore/mcmemstore"
)

// node bundles one coordinator with its connection and ledger.
type node struct {
	Coord  *mcengine.Coordinator
	Conn   *mcp2ptest.LoopbackConnection
	Ledger *mcmemstore.ReceiptLedger
}

type clusterOpts struct {
	ConfidenceThreshold int
	CollectTimeout      time.Duration
	BaseTimeout         time.Duration
}

func newCluster(t *testing.T, fx *mcconsensustest.Fixture, opts clusterOpts) (*mcp2ptest.Network, []node) {
	t.Helper()

	log := slogt.New(t)
	net := mcp2ptest.NewNetwork(log)

	if opts.CollectTimeout == 0 {
		opts.CollectTimeout = 500 * time.Millisecond
	}
	if opts.BaseTimeout == 0 {
		opts.BaseTimeout = 300 * time.Millisecond
	}

	nodes := make([]node, len(fx.PrivVals))
	for i := range fx.PrivVals {
		conn := net.Connect()
		ledger := mcmemstore.NewReceiptLedger()

		var agg *mcfast.Aggregator
		if opts.ConfidenceThreshold != 0 {
			agg = mcfast.NewAggregator(mcfast.Config{
				Geometry:            fx.Geometry,
				ConfidenceThreshold: opts.ConfidenceThreshold,
			})
		}

		coord, err := mcengine.New(mcengine.Config{
			Log: log.With("node", i),

			NodeID: mcconsensus.NodeID(i),
			ValSet: fx.ValSet(),

			Geometry: fx.Geometry,

			HashScheme:      fx.HashScheme,
			SignatureScheme: fx.SignatureScheme,
			Signer:          fx.PrivVals[i].Signer,

			Broadcaster: conn.ConsensusBroadcaster(),

			Ledger: ledger,

			Aggregator: agg,

			CollectTimeout:       opts.CollectTimeout,
			ClassicalBaseTimeout: opts.BaseTimeout,
		})
		require.NoError(t, err)

		conn.SetConsensusHandler(coord)

		nodes[i] = node{Coord: coord, Conn: conn, Ledger: ledger}
	}

	t.Cleanup(func() {
		for _, nd := range nodes {
			nd.Coord.Stop()
			nd.Conn.Disconnect()
		}
		net.Wait()
	})

	return net, nodes
}

// runAll drives one round on every node concurrently
// and collects the per-node results.
func runAll(
	t *testing.T, ctx context.Context,
	nodes []node, round uint64,
	value func(i int) []byte,
) []mcconsensus.ConsensusResult {
	t.Helper()

	results := make([]mcconsensus.ConsensusResult, len(nodes))
	errs := make([]error, len(nodes))

	var wg sync.WaitGroup
	for i, nd := range nodes {
		i, nd := i, nd
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = nd.Coord.RunRound(ctx, round, value(i))
		}()
	}
	wg.Wait()

	for i, err := range errs {
		require.NoErrorf(t, err, "node %d failed round %d", i, round)
	}
	return results
}

func TestCoordinator_FastPathUnanimous(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fx := mcconsensustest.NewFixture(7)
	_, nodes := newCluster(t, fx, clusterOpts{})

	results := runAll(t, ctx, nodes, 1, func(int) []byte {
		return []byte("block-0001")
	})

	for i, res := range results {
		require.Equalf(t, mcconsensus.PathFast, res.Path, "node %d path", i)
		require.Equal(t, []byte("block-0001"), res.DecidedValue)
		require.Equal(t, uint64(1), res.Round)
	}

	for i, nd := range nodes {
		r, err := nd.Ledger.ReceiptForRound(ctx, 1)
		require.NoErrorf(t, err, "node %d receipt", i)
		require.Equal(t, mcconsensus.PathFast, r.Path)

		broken, err := nd.Ledger.VerifyChain(ctx)
		require.NoError(t, err)
		require.Equal(t, -1, broken)
	}
}

func TestCoordinator_FastPathRejectsOutlier(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fx := mcconsensustest.NewFixture(7)
	_, nodes := newCluster(t, fx, clusterOpts{})

	// Six agree; node 6 proposes something else entirely.
	results := runAll(t, ctx, nodes, 4, func(i int) []byte {
		if i == 6 {
			return []byte("fabricated")
		}
		return []byte("agreed-value")
	})

	for i, res := range results {
		require.Equalf(t, mcconsensus.PathFast, res.Path, "node %d path", i)
		require.Equal(t, []byte("agreed-value"), res.DecidedValue)
		require.False(t, res.CommittingNodes.Test(6), "outlier must not count toward the decision")
	}
}

func TestCoordinator_ClassicalFallback(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	fx := mcconsensustest.NewFixture(4)

	// An unreachable confidence threshold forces every round
	// through the three-phase protocol.
	_, nodes := newCluster(t, fx, clusterOpts{ConfidenceThreshold: 1 << 20})

	results := runAll(t, ctx, nodes, 9, func(int) []byte {
		return []byte("fallback-value")
	})

	for i, res := range results {
		require.Equalf(t, mcconsensus.PathClassical, res.Path, "node %d path", i)
		require.Equal(t, []byte("fallback-value"), res.DecidedValue)
		require.GreaterOrEqual(t, res.CommittingNodes.Count(), uint(3))
	}

	for _, nd := range nodes {
		r, err := nd.Ledger.ReceiptForRound(ctx, 9)
		require.NoError(t, err)
		require.Equal(t, mcconsensus.PathClassical, r.Path)
	}
}

func TestCoordinator_MinimalClusterDivergentProposal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// n=4, f=1: one divergent proposal consumes the whole margin,
	// so the fast path must refuse and the classical path decides.
	fx := mcconsensustest.NewFixture(4)
	_, nodes := newCluster(t, fx, clusterOpts{})

	results := runAll(t, ctx, nodes, 2, func(i int) []byte {
		if i == 3 {
			return []byte("divergent")
		}
		return []byte("majority-value")
	})

	for i, res := range results {
		require.Equalf(t, mcconsensus.PathClassical, res.Path, "node %d path", i)
		require.Equal(t, []byte("majority-value"), res.DecidedValue)
	}
}

func TestCoordinator_FastClassicalEquivalence(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	value := func(i int) []byte {
		if i == 5 {
			return []byte("stray")
		}
		return []byte("canonical")
	}

	fxFast := mcconsensustest.NewFixture(7)
	_, fastNodes := newCluster(t, fxFast, clusterOpts{})
	fastResults := runAll(t, ctx, fastNodes, 3, value)

	fxClassic := mcconsensustest.NewFixture(7)
	_, classicNodes := newCluster(t, fxClassic, clusterOpts{ConfidenceThreshold: 1 << 20})
	classicResults := runAll(t, ctx, classicNodes, 3, value)

	require.Equal(t, mcconsensus.PathFast, fastResults[0].Path)
	require.Equal(t, mcconsensus.PathClassical, classicResults[0].Path)

	// Both paths must land on the same value for the same proposal set.
	for i := range fastResults {
		require.Equal(t, fastResults[0].DecidedValue, fastResults[i].DecidedValue)
		require.Equal(t, fastResults[0].DecidedValue, classicResults[i].DecidedValue)
	}
}

func TestCoordinator_MutedPeer_MixedPathConvergence(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	fx := mcconsensustest.NewFixture(4)
	_, nodes := newCluster(t, fx, clusterOpts{})

	// Node 3 can hear but not speak. It collects all four proposals
	// and decides fast; the rest only see three, which is below the
	// fast path's sample requirement, so they decide classically.
	// Every node must still land on the same value.
	nodes[3].Conn.Mute()

	results := runAll(t, ctx, nodes, 5, func(int) []byte {
		return []byte("partition-value")
	})

	require.Equal(t, mcconsensus.PathFast, results[3].Path)
	for i := 0; i < 3; i++ {
		require.Equalf(t, mcconsensus.PathClassical, results[i].Path, "node %d path", i)
	}
	for i, res := range results {
		require.Equalf(t, []byte("partition-value"), res.DecidedValue, "node %d value", i)
	}
}

func TestCoordinator_FastDecidersAnswerClassicalLaggards(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fx := mcconsensustest.NewFixture(7)
	_, nodes := newCluster(t, fx, clusterOpts{})

	// Nodes 5 and 6 lose the proposal traffic from nodes 0 and 1.
	// They collect five proposals, below the full sample the fast
	// path needs, and escalate while everyone else decides fast and
	// moves on. Alone they are far short of a commit quorum, so the
	// round only terminates because the decided majority keeps
	// answering their protocol messages.
	nodes[5].Conn.IgnoreProposalsFrom(0, 1)
	nodes[6].Conn.IgnoreProposalsFrom(0, 1)

	results := runAll(t, ctx, nodes, 12, func(int) []byte {
		return []byte("block-0012")
	})

	for i := 0; i < 5; i++ {
		require.Equalf(t, mcconsensus.PathFast, results[i].Path, "node %d path", i)
	}
	for _, i := range []int{5, 6} {
		require.Equalf(t, mcconsensus.PathClassical, results[i].Path, "node %d path", i)
	}
	for i, res := range results {
		require.Equalf(t, []byte("block-0012"), res.DecidedValue, "node %d value", i)

		r, err := nodes[i].Ledger.ReceiptForRound(ctx, 12)
		require.NoErrorf(t, err, "node %d receipt", i)
		require.Equal(t, res.Path, r.Path)
	}
}

func TestCoordinator_RetriesAfterFailedAttempt(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	fx := mcconsensustest.NewFixture(4)
	_, nodes := newCluster(t, fx, clusterOpts{CollectTimeout: 300 * time.Millisecond})

	results := make([]mcconsensus.ConsensusResult, len(nodes))
	errs := make([]error, len(nodes))

	var wg sync.WaitGroup
	for i, nd := range nodes {
		i, nd := i, nd
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Two nodes join late, so the early nodes' first
			// attempt cannot reach even a classical quorum.
			if i >= 2 {
				time.Sleep(450 * time.Millisecond)
			}
			results[i], errs[i] = nd.Coord.RunRound(ctx, 6, []byte("late-start"))
		}()
	}
	wg.Wait()

	for i := range nodes {
		require.NoErrorf(t, errs[i], "node %d", i)
		require.Equal(t, []byte("late-start"), results[i].DecidedValue)
	}

	// Exactly one receipt per node for the round, regardless of
	// how many attempts it took.
	for i, nd := range nodes {
		receipts, err := nd.Ledger.Receipts(ctx)
		require.NoError(t, err)

		var forRound int
		for _, r := range receipts {
			if r.Round == 6 {
				forRound++
			}
		}
		require.Equalf(t, 1, forRound, "node %d receipts for round", i)
	}
}

func TestCoordinator_SequentialRoundsChainReceipts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	fx := mcconsensustest.NewFixture(4)
	_, nodes := newCluster(t, fx, clusterOpts{})

	for round := uint64(1); round <= 3; round++ {
		round := round
		results := runAll(t, ctx, nodes, round, func(int) []byte {
			return []byte(fmt.Sprintf("value-%d", round))
		})
		for _, res := range results {
			require.Equal(t, []byte(fmt.Sprintf("value-%d", round)), res.DecidedValue)
		}
	}

	for i, nd := range nodes {
		receipts, err := nd.Ledger.Receipts(ctx)
		require.NoError(t, err)
		require.Lenf(t, receipts, 3, "node %d ledger", i)

		broken, err := nd.Ledger.VerifyChain(ctx)
		require.NoError(t, err)
		require.Equal(t, -1, broken)
	}
}
