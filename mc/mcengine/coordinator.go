// Package mcengine contains the consensus coordinator:
// the per-node orchestrator that opens rounds, collects proposals,
// chooses between the geometric fast path and the classical protocol,
// and writes one receipt per decided round.
package mcengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meridian-engine/meridian/mc/mcclassic"
	"github.com/meridian-engine/meridian/mc/mcconsensus"
	"github.com/meridian-engine/meridian/mc/mcfast"
	"github.com/meridian-engine/meridian/mc/mcmetrics"
	"github.com/meridian-engine/meridian/mc/mcoutlier"
	"github.com/meridian-engine/meridian/mc/mcp2p"
	"github.com/meridian-engine/meridian/mc/mcstore"
	"github.com/meridian-engine/meridian/mcrypto"
	"github.com/meridian-engine/meridian/mgeo"
)

// DefaultCollectTimeout is the proposal collection deadline per attempt.
const DefaultCollectTimeout = time.Second

// Config holds the coordinator's dependencies and tunables.
type Config struct {
	Log *slog.Logger

	NodeID mcconsensus.NodeID
	ValSet mcconsensus.ValidatorSet

	Geometry mgeo.Provider

	HashScheme      mcconsensus.HashScheme
	SignatureScheme mcconsensus.SignatureScheme
	Signer          mcrypto.Signer

	Broadcaster mcp2p.ConsensusBroadcaster

	Ledger mcstore.ReceiptLedger

	// Detector and Aggregator may be nil,
	// in which case defaults are built over Geometry.
	Detector   *mcoutlier.Detector
	Aggregator *mcfast.Aggregator

	// Combiner, when set, replaces nearest-to-center selection
	// in the default aggregator and disables the proposal-set
	// membership check on leader candidates.
	Combiner mcfast.Combiner

	Metrics *mcmetrics.Metrics

	// CollectTimeout bounds proposal collection per round attempt;
	// zero selects the default.
	CollectTimeout time.Duration

	// ClassicalBaseTimeout is forwarded to the classical protocol.
	ClassicalBaseTimeout time.Duration
}

// Coordinator runs rounds for one node.
//
// RunRound handles one round at a time; inbound proposals and protocol
// messages may arrive concurrently from any number of transport
// goroutines. Round state mutations all happen inside RunRound,
// and classical-protocol transitions are serialized inside [mcclassic].
type Coordinator struct {
	log *slog.Logger

	nodeID mcconsensus.NodeID
	valSet mcconsensus.ValidatorSet

	geo mgeo.Provider

	hashScheme mcconsensus.HashScheme
	sigScheme  mcconsensus.SignatureScheme
	signer     mcrypto.Signer

	broadcaster mcp2p.ConsensusBroadcaster

	ledger mcstore.ReceiptLedger

	detector   *mcoutlier.Detector
	aggregator *mcfast.Aggregator
	combining  bool

	metrics *mcmetrics.Metrics

	collectTimeout time.Duration

	classical *mcclassic.Protocol

	proposalsIn chan mcconsensus.Proposal

	// Raw values accepted into the round under collection,
	// read by the classical path's candidate validation hook.
	hookMu     sync.RWMutex
	hookRound  uint64
	hookValues map[string]struct{}

	// Proposals that arrived ahead of their round, keyed by round.
	// Only touched from RunRound's goroutine.
	future map[uint64][]mcconsensus.Proposal
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("config Log must not be nil")
	}
	if cfg.Geometry == nil {
		return nil, fmt.Errorf("config Geometry must not be nil")
	}
	if cfg.Broadcaster == nil {
		return nil, fmt.Errorf("config Broadcaster must not be nil")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("config Ledger must not be nil")
	}
	if cfg.HashScheme == nil || cfg.SignatureScheme == nil || cfg.Signer == nil {
		return nil, fmt.Errorf("config schemes and signer must not be nil")
	}

	c := &Coordinator{
		log: cfg.Log,

		nodeID: cfg.NodeID,
		valSet: cfg.ValSet,

		geo: cfg.Geometry,

		hashScheme: cfg.HashScheme,
		sigScheme:  cfg.SignatureScheme,
		signer:     cfg.Signer,

		broadcaster: cfg.Broadcaster,

		ledger: cfg.Ledger,

		detector:   cfg.Detector,
		aggregator: cfg.Aggregator,
		combining:  cfg.Combiner != nil,

		metrics: cfg.Metrics,

		collectTimeout: cfg.CollectTimeout,

		proposalsIn: make(chan mcconsensus.Proposal, 256),

		hookValues: make(map[string]struct{}),

		future: make(map[uint64][]mcconsensus.Proposal),
	}
	if c.collectTimeout <= 0 {
		c.collectTimeout = DefaultCollectTimeout
	}
	if c.detector == nil {
		c.detector = mcoutlier.NewDetector(mcoutlier.Config{Geometry: cfg.Geometry})
	}
	if c.aggregator == nil {
		c.aggregator = mcfast.NewAggregator(mcfast.Config{
			Geometry: cfg.Geometry,
			Combiner: cfg.Combiner,
		})
	}

	classicalCfg := mcclassic.Config{
		Log:    cfg.Log.With("sys", "classical"),
		NodeID: cfg.NodeID,
		ValSet: cfg.ValSet,

		HashScheme:      cfg.HashScheme,
		SignatureScheme: cfg.SignatureScheme,
		Signer:          cfg.Signer,

		Broadcast: func(ctx context.Context, m mcconsensus.Message) error {
			return cfg.Broadcaster.BroadcastMessage(ctx, m)
		},

		BaseTimeout: cfg.ClassicalBaseTimeout,
	}
	if !c.combining {
		// With nearest-proposal selection, any legitimate candidate
		// must be one of the round's submitted raw values.
		classicalCfg.ValidateValue = c.validateCandidate
	}

	classical, err := mcclassic.New(classicalCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build classical protocol: %w", err)
	}
	c.classical = classical

	return c, nil
}

var _ mcp2p.ConsensusHandler = (*Coordinator)(nil)

// HandleProposal enqueues a peer's proposal for the collecting round.
// Full queues drop the proposal; the transport's redelivery
// or the round retry absorbs the loss.
func (c *Coordinator) HandleProposal(_ context.Context, p mcconsensus.Proposal) error {
	select {
	case c.proposalsIn <- p:
	default:
		c.log.Warn("Proposal queue full, dropping proposal", "round", p.Round, "node", p.Node)
	}
	return nil
}

// HandleMessage forwards a classical-protocol message.
func (c *Coordinator) HandleMessage(ctx context.Context, m mcconsensus.Message) error {
	return c.classical.HandleMessage(ctx, m)
}

// Evidence exposes the classical path's Byzantine evidence pool.
func (c *Coordinator) Evidence() *mcclassic.EvidencePool {
	return c.classical.Evidence()
}

// Stop releases the coordinator's timers.
func (c *Coordinator) Stop() {
	c.classical.Stop()
}

// RunRound decides one round with this node's proposed value.
//
// The coordinator collects proposals until its deadline or until all n
// arrive, classifies them, attempts the fast path, and falls back to
// the classical protocol. An attempt without even a classical quorum of
// proposals fails the round and retries it at view+1 under the same
// round number; a round is never silently dropped.
//
// The only unrecoverable error is a detected safety violation.
func (c *Coordinator) RunRound(ctx context.Context, round uint64, ownValue []byte) (mcconsensus.ConsensusResult, error) {
	start := time.Now()

	view := uint64(0)
	r := mcconsensus.NewRound(round, view)

	// Peers that finished the prior round first may have proposed
	// for this round already.
	for _, p := range c.future[round] {
		c.acceptProposal(r, p)
	}
	for past := range c.future {
		if past <= round {
			delete(c.future, past)
		}
	}

	for {
		if err := c.proposeOwn(ctx, r, ownValue); err != nil {
			return mcconsensus.ConsensusResult{}, err
		}

		c.collect(ctx, r)

		ordered := r.OrderedProposals()
		if len(ordered) < c.valSet.QuorumSize() {
			if err := r.SetStatus(mcconsensus.RoundFailed); err != nil {
				return mcconsensus.ConsensusResult{}, err
			}
			if c.metrics != nil {
				c.metrics.RoundsFailed.Inc()
			}
			c.log.Info(
				"Round attempt failed without quorum, retrying at next view",
				"round", round, "view", view,
				"proposals", len(ordered), "quorum", c.valSet.QuorumSize(),
				"err", mcconsensus.ErrInsufficientQuorum,
			)

			if ctx.Err() != nil {
				return mcconsensus.ConsensusResult{}, fmt.Errorf(
					"round %d abandoned after failed attempt: %w", round, ctx.Err(),
				)
			}

			view++
			r = c.retryRound(r, view)
			continue
		}

		cls := c.detector.Classify(round, ordered, c.valSet.ByzantineBudget())
		if c.metrics != nil {
			c.metrics.SuspectsFlagged.Add(float64(cls.Suspect.Count()))
		}
		c.publishHookValues(round, ordered)

		// The fast path's statistical argument needs a full 3f+1 sample;
		// with fewer proposals it is refused outright.
		if len(ordered) >= 3*c.valSet.ByzantineBudget()+1 && c.valSet.CanProveSafety() {
			if res, ok := c.aggregator.Aggregate(cls, ordered); ok {
				if err := r.SetStatus(mcconsensus.RoundFastDecided); err != nil {
					return mcconsensus.ConsensusResult{}, err
				}
				if err := c.writeReceipt(ctx, r, view, res, ordered); err != nil {
					return mcconsensus.ConsensusResult{}, err
				}
				// Peers that missed proposals may still vote on this
				// round classically; keep answering them.
				c.classical.NoteDecided(r.Number, res.DecidedValue)
				c.observeDecision(mcconsensus.PathFast, start)
				c.log.Info(
					"Round decided on fast path",
					"round", round, "view", view, "margin", cls.Margin,
				)
				return res, nil
			}
		}

		c.log.Info(
			"Escalating to classical path",
			"round", round, "view", view, "margin", cls.Margin,
			"reason", mcconsensus.ErrClassificationAmbiguous,
		)

		candidate, ok := c.aggregator.Candidate(cls, ordered)
		if !ok {
			return mcconsensus.ConsensusResult{}, fmt.Errorf(
				"no candidate derivable for round %d despite quorum", round,
			)
		}

		return c.runClassical(ctx, r, view, candidate, ordered, start)
	}
}

func (c *Coordinator) runClassical(
	ctx context.Context,
	r *mcconsensus.Round,
	view uint64,
	candidate []byte,
	ordered []mcconsensus.Proposal,
	start time.Time,
) (mcconsensus.ConsensusResult, error) {
	if err := c.classical.StartRound(ctx, r.Number, view, candidate); err != nil {
		return mcconsensus.ConsensusResult{}, fmt.Errorf("failed to start classical round: %w", err)
	}

	for {
		select {
		case d := <-c.classical.Decisions():
			if d.Round != r.Number {
				// Stale decision from an abandoned round.
				continue
			}

			if err := r.SetStatus(mcconsensus.RoundClassicallyDecided); err != nil {
				return mcconsensus.ConsensusResult{}, err
			}

			res := mcconsensus.ConsensusResult{
				Round:           r.Number,
				DecidedValue:    d.Value,
				Path:            mcconsensus.PathClassical,
				CommittingNodes: d.Committers,
			}
			if err := c.writeReceipt(ctx, r, d.View, res, ordered); err != nil {
				return mcconsensus.ConsensusResult{}, err
			}
			c.classical.NoteDecided(r.Number, res.DecidedValue)

			if c.metrics != nil && d.View > view {
				c.metrics.ViewChanges.Add(float64(d.View - view))
			}
			c.observeDecision(mcconsensus.PathClassical, start)
			c.log.Info(
				"Round decided on classical path",
				"round", r.Number, "view", d.View,
			)
			return res, nil

		case v := <-c.classical.Violations():
			if v.Round != r.Number {
				continue
			}
			_ = r.SetStatus(mcconsensus.RoundFailed)
			return mcconsensus.ConsensusResult{}, v

		case <-ctx.Done():
			c.classical.Stop()
			return mcconsensus.ConsensusResult{}, fmt.Errorf(
				"round %d abandoned: %w", r.Number, ctx.Err(),
			)
		}
	}
}

// proposeOwn signs, embeds, broadcasts, and locally records
// this node's proposal. Rebroadcast on retries is harmless:
// peers reject the duplicate.
func (c *Coordinator) proposeOwn(ctx context.Context, r *mcconsensus.Round, value []byte) error {
	p := mcconsensus.Proposal{
		Round:    r.Number,
		Node:     c.nodeID,
		RawValue: value,
		Point:    c.geo.Embed(value),
	}

	sb, err := c.sigScheme.ProposalSignBytes(p)
	if err != nil {
		return fmt.Errorf("failed to build proposal sign bytes: %w", err)
	}
	p.Signature, err = c.signer.Sign(ctx, sb)
	if err != nil {
		return fmt.Errorf("failed to sign proposal: %w", err)
	}

	if err := c.broadcaster.BroadcastProposal(ctx, p); err != nil {
		return fmt.Errorf("failed to broadcast proposal: %w", err)
	}

	if _, have := r.Proposals[c.nodeID]; !have {
		c.acceptProposal(r, p)
	}
	return nil
}

// collect drains inbound proposals until the deadline passes
// or every validator has proposed.
func (c *Coordinator) collect(ctx context.Context, r *mcconsensus.Round) {
	deadline := time.NewTimer(c.collectTimeout)
	defer deadline.Stop()

	for len(r.Proposals) < c.valSet.Len() {
		select {
		case p := <-c.proposalsIn:
			c.acceptProposal(r, p)
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) acceptProposal(r *mcconsensus.Round, p mcconsensus.Proposal) {
	if p.Round != r.Number {
		// Peers run at most a round or two ahead; anything further
		// out is noise not worth holding.
		if p.Round > r.Number && p.Round <= r.Number+2 && len(c.future[p.Round]) < c.valSet.Len() {
			c.future[p.Round] = append(c.future[p.Round], p)
			return
		}
		c.log.Debug("Dropping proposal for past round", "got", p.Round, "want", r.Number)
		return
	}

	if err := mcconsensus.VerifyProposal(p, c.valSet, c.sigScheme); err != nil {
		c.dropProposal(p, err)
		return
	}

	// Embedding is local and deterministic; the wire carries raw bytes only.
	p.Point = c.geo.Embed(p.RawValue)

	if err := r.AddProposal(p); err != nil {
		c.dropProposal(p, err)
		return
	}
}

func (c *Coordinator) dropProposal(p mcconsensus.Proposal, err error) {
	var ipe mcconsensus.InvalidProposalError
	if errors.As(err, &ipe) {
		c.log.Debug("Dropping invalid proposal", "round", p.Round, "node", p.Node, "err", err)
	} else {
		c.log.Debug("Dropping proposal", "round", p.Round, "node", p.Node, "err", err)
	}
	if c.metrics != nil {
		c.metrics.InvalidProposals.Inc()
	}
}

// retryRound opens a fresh attempt at the next view,
// carrying over every proposal already collected.
// The failed attempt's record stays terminal.
func (c *Coordinator) retryRound(failed *mcconsensus.Round, view uint64) *mcconsensus.Round {
	next := mcconsensus.NewRound(failed.Number, view)
	for _, p := range failed.Proposals {
		next.Proposals[p.Node] = p
	}
	return next
}

func (c *Coordinator) publishHookValues(round uint64, ordered []mcconsensus.Proposal) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()

	c.hookRound = round
	c.hookValues = make(map[string]struct{}, len(ordered))
	for _, p := range ordered {
		c.hookValues[string(p.RawValue)] = struct{}{}
	}
}

// validateCandidate vets a classical-path candidate against the round's
// accepted proposal set.
func (c *Coordinator) validateCandidate(round uint64, value []byte) error {
	c.hookMu.RLock()
	defer c.hookMu.RUnlock()

	if round != c.hookRound {
		return fmt.Errorf("no proposal set on hand for round %d", round)
	}
	if _, ok := c.hookValues[string(value)]; !ok {
		return fmt.Errorf("candidate value is not a submitted proposal for round %d", round)
	}
	return nil
}

func (c *Coordinator) writeReceipt(
	ctx context.Context,
	r *mcconsensus.Round,
	view uint64,
	res mcconsensus.ConsensusResult,
	ordered []mcconsensus.Proposal,
) error {
	head, err := c.ledger.Head(ctx)
	if err != nil {
		return fmt.Errorf("failed to read ledger head: %w", err)
	}

	receipt := mcstore.Receipt{
		Round: r.Number,
		View:  view,

		Path: res.Path,

		InputsDigest:  c.hashScheme.ProposalSetDigest(ordered),
		DecidedDigest: c.hashScheme.ValueDigest(r.Number, res.DecidedValue),
		PrevDigest:    head,
	}

	chain := mcstore.ChainDigest(receipt)
	receipt.Signature, err = c.signer.Sign(ctx, chain[:])
	if err != nil {
		return fmt.Errorf("failed to sign receipt: %w", err)
	}

	if err := c.ledger.Append(ctx, receipt); err != nil {
		return fmt.Errorf("failed to append receipt: %w", err)
	}
	return nil
}

func (c *Coordinator) observeDecision(path mcconsensus.DecisionPath, start time.Time) {
	if c.metrics == nil {
		return
	}
	switch path {
	case mcconsensus.PathFast:
		c.metrics.RoundsDecidedFast.Inc()
	case mcconsensus.PathClassical:
		c.metrics.RoundsDecidedClassical.Inc()
	}
	c.metrics.RoundSeconds.Observe(time.Since(start).Seconds())
}
