// Command meridian runs one consensus node in a local cluster,
// or audits an exported receipt chain offline.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/meridian-engine/meridian/mc/mccodec/mcjson"
	"github.com/meridian-engine/meridian/mc/mcconsensus"
	"github.com/meridian-engine/meridian/mc/mcengine"
	"github.com/meridian-engine/meridian/mc/mcmetrics"
	"github.com/meridian-engine/meridian/mc/mcp2p/mclibp2p"
	"github.com/meridian-engine/meridian/mc/mcserver"
	"github.com/meridian-engine/meridian/mc/mcstore"
	"github.com/meridian-engine/meridian/mc/mcstore/mcmemstore"
	"github.com/meridian-engine/meridian/mcrypto"
	"github.com/meridian-engine/meridian/mgeo/meuclid"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meridian",
		Short: "Byzantine-tolerant consensus node with a geometric fast path",

		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newRunCommand(),
		newVerifyCommand(),
	)

	return rootCmd
}

func newRunCommand() *cobra.Command {
	var (
		index    uint32
		nVals    int
		listen   string
		httpAddr string
		peers    []string
		rounds   uint64
		moniker  string
		debug    bool

		collectTimeout time.Duration
		baseTimeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one validator of a local cluster",
		Long: `Run one validator of a local cluster.

Every node of the cluster derives the same deterministic validator set
from the cluster size, so this command is only suitable for local
experiments, never for production keys.`,

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if moniker == "" {
				moniker = petname.Generate(2, "-")
			}

			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})).With("moniker", moniker, "node", index)

			signers := deterministicSigners(nVals)
			if int(index) >= len(signers) {
				return fmt.Errorf("node index %d out of range for %d validators", index, nVals)
			}

			vals := make([]mcconsensus.Validator, nVals)
			for i, s := range signers {
				vals[i] = mcconsensus.Validator{PubKey: s.PubKey()}
			}
			valSet := mcconsensus.ValidatorSet{Validators: vals}

			var reg mcrypto.Registry
			mcrypto.RegisterEd25519(&reg)
			codec := mcjson.MarshalCodec{CryptoRegistry: &reg}

			h, err := libp2p.New(libp2p.ListenAddrStrings(listen))
			if err != nil {
				return fmt.Errorf("failed to create libp2p host: %w", err)
			}

			conn, err := mclibp2p.NewConnection(ctx, log.With("sys", "p2p"), h, codec)
			if err != nil {
				return fmt.Errorf("failed to create p2p connection: %w", err)
			}
			defer conn.Disconnect()

			for _, addr := range peers {
				ai, err := peer.AddrInfoFromString(addr)
				if err != nil {
					return fmt.Errorf("failed to parse peer address %q: %w", addr, err)
				}
				if err := h.Connect(ctx, *ai); err != nil {
					log.Warn("Failed to connect to peer", "addr", addr, "err", err)
				}
			}

			for _, a := range h.Addrs() {
				log.Info("Listening", "addr", fmt.Sprintf("%s/p2p/%s", a, h.ID()))
			}

			promReg := prometheus.NewRegistry()
			metrics := mcmetrics.New(promReg, "meridian")

			ledger := mcmemstore.NewReceiptLedger()

			if httpAddr != "" {
				ln, err := net.Listen("tcp", httpAddr)
				if err != nil {
					return fmt.Errorf("failed to listen on %s: %w", httpAddr, err)
				}
				log.Info("Serving HTTP", "addr", ln.Addr().String())
				_ = mcserver.NewHTTPServer(ctx, log.With("sys", "http"), mcserver.HTTPServerConfig{
					Listener: ln,

					Ledger: ledger,
					ValSet: valSet,

					Codec: codec,

					MetricsGatherer: promReg,
				})
			}

			coord, err := mcengine.New(mcengine.Config{
				Log: log.With("sys", "engine"),

				NodeID: mcconsensus.NodeID(index),
				ValSet: valSet,

				Geometry: meuclid.New(meuclid.DefaultDim),

				HashScheme:      mcconsensus.Blake2bHashScheme{},
				SignatureScheme: mcconsensus.PrefixSignatureScheme{},
				Signer:          signers[index],

				Broadcaster: conn.ConsensusBroadcaster(),

				Ledger: ledger,

				Metrics: metrics,

				CollectTimeout:       collectTimeout,
				ClassicalBaseTimeout: baseTimeout,
			})
			if err != nil {
				return fmt.Errorf("failed to build coordinator: %w", err)
			}
			defer coord.Stop()

			conn.SetConsensusHandler(coord)

			for round := uint64(1); rounds == 0 || round <= rounds; round++ {
				value := []byte(fmt.Sprintf("block-%d", round))

				res, err := coord.RunRound(ctx, round, value)
				if err != nil {
					return fmt.Errorf("round %d failed: %w", round, err)
				}

				log.Info(
					"Round decided",
					"round", round,
					"path", res.Path.String(),
					"value", string(res.DecidedValue),
				)
			}

			return nil
		},
	}

	cmd.Flags().Uint32Var(&index, "index", 0, "this node's validator index")
	cmd.Flags().IntVar(&nVals, "validators", 4, "cluster size")
	cmd.Flags().StringVar(&listen, "listen", "/ip4/127.0.0.1/tcp/0", "libp2p listen multiaddr")
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address for receipts and metrics (disabled when empty)")
	cmd.Flags().StringArrayVar(&peers, "connect", nil, "peer multiaddrs to dial, repeatable")
	cmd.Flags().Uint64Var(&rounds, "rounds", 0, "rounds to run before exiting, 0 for unbounded")
	cmd.Flags().StringVar(&moniker, "moniker", "", "human-readable node name, generated when empty")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.Flags().DurationVar(&collectTimeout, "collect-timeout", mcengine.DefaultCollectTimeout, "proposal collection deadline per attempt")
	cmd.Flags().DurationVar(&baseTimeout, "base-timeout", 0, "classical protocol base timeout, 0 for the default")

	return cmd
}

func newVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify FILE",
		Short: "Audit an exported receipt chain offline",
		Long: `Audit an exported receipt chain offline.

FILE holds the JSON array served by a node's /receipts endpoint.
The exit status is nonzero if any hash-chain link is broken.`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read receipt file: %w", err)
			}

			var raw []json.RawMessage
			if err := json.Unmarshal(b, &raw); err != nil {
				return fmt.Errorf("failed to parse receipt file: %w", err)
			}

			var reg mcrypto.Registry
			mcrypto.RegisterEd25519(&reg)
			codec := mcjson.MarshalCodec{CryptoRegistry: &reg}

			receipts := make([]mcstore.Receipt, len(raw))
			for i, r := range raw {
				receipts[i], err = codec.UnmarshalReceipt(r)
				if err != nil {
					return fmt.Errorf("failed to decode receipt at index %d: %w", i, err)
				}
			}

			if broken := mcstore.VerifyReceipts(receipts); broken != -1 {
				return fmt.Errorf("receipt chain broken at index %d (round %d)", broken, receipts[broken].Round)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "receipt chain intact: %d entries\n", len(receipts))
			return nil
		},
	}

	return cmd
}

// deterministicSigners derives the demo cluster's validator keys
// from well-known seeds.
func deterministicSigners(n int) []mcrypto.Ed25519Signer {
	signers := make([]mcrypto.Ed25519Signer, n)
	for i := range signers {
		seed := sha256.Sum256([]byte(fmt.Sprintf("meridian-validator-%d", i)))
		signers[i] = mcrypto.NewEd25519Signer(ed25519.NewKeyFromSeed(seed[:]))
	}
	return signers
}
