// Package mcclassic implements the classical three-phase voting protocol
// with view change: the safety fallback behind the geometric fast path.
//
// Safety rests on quorum intersection: any two quorums of 2f+1 out of
// n >= 3f+1 validators share at least f+1 members, at least one honest,
// so two different digests can never both commit for one (view, round).
package mcclassic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/meridian-engine/meridian/mc/mcconsensus"
	"github.com/meridian-engine/meridian/mcrypto"
)

// DefaultBaseTimeout is the phase deadline for a round's first view.
// The deadline doubles on every successive view of the same round,
// the standard exponential backoff liveness argument.
const DefaultBaseTimeout = 500 * time.Millisecond

// timeoutShiftCap bounds the exponential backoff so the shift
// cannot overflow on absurd view numbers.
const timeoutShiftCap = 16

// Config holds the dependencies and tunables for a [Protocol].
type Config struct {
	Log *slog.Logger

	NodeID mcconsensus.NodeID
	ValSet mcconsensus.ValidatorSet

	HashScheme      mcconsensus.HashScheme
	SignatureScheme mcconsensus.SignatureScheme
	Signer          mcrypto.Signer

	// Broadcast sends m to every other validator.
	// Redelivery to self is tolerated but not required.
	Broadcast func(ctx context.Context, m mcconsensus.Message) error

	// ValidateValue, when set, vets a leader's candidate value before
	// this node echoes a Prepare for it. The coordinator uses it to
	// check the candidate against the round's proposal set.
	ValidateValue func(round uint64, value []byte) error

	// BaseTimeout for the round's first view; zero selects the default.
	BaseTimeout time.Duration

	// Evidence, when set, is shared with the caller;
	// otherwise the protocol keeps its own pool.
	Evidence *EvidencePool
}

type viewDigestKey struct {
	view   uint64
	digest mcconsensus.Digest
}

// decidedRound is a round this node finished outside the classical
// protocol. Inbound messages for it are answered with a value-bearing
// commit, once per view, so peers still running the round converge.
type decidedRound struct {
	digest mcconsensus.Digest
	value  []byte

	answered map[uint64]bool
}

// decidedAnswerCap bounds the per-round answer bookkeeping.
// A laggard escalating past this many views is past helping anyway.
const decidedAnswerCap = 64

// decidedRetention is how many trailing rounds stay answerable.
// Peers trail by at most a round or two in practice.
const decidedRetention = 2

type roundState struct {
	round       uint64
	initialView uint64
	view        uint64
	phase       Phase

	timer *time.Timer

	// Candidate value this node would propose as leader.
	candidate []byte

	// PrePrepare accepted for the current view, if any.
	accepted       bool
	acceptedDigest mcconsensus.Digest

	// Digest -> value bindings learned from PrePrepare and NewView.
	values map[mcconsensus.Digest][]byte

	prepares map[viewDigestKey]*bitset.BitSet
	commits  map[viewDigestKey]*bitset.BitSet

	// Slots this node has already sent its own commit for.
	commitSent map[viewDigestKey]bool

	// Retained prepare messages per slot, the raw material for a
	// prepared certificate in this node's view changes.
	prepareMsgs map[viewDigestKey]map[mcconsensus.NodeID]mcconsensus.Message

	prepared       bool
	preparedView   uint64
	preparedDigest mcconsensus.Digest
	preparedValue  []byte
	preparedCert   []mcconsensus.Message

	committed       bool
	committedDigest mcconsensus.Digest

	// Per target view: which validators demanded a view change,
	// and their messages for a NewView justification.
	viewChangeVotes map[uint64]*bitset.BitSet
	viewChangeMsgs  map[uint64]map[mcconsensus.NodeID]mcconsensus.Message

	// Highest view this node has demanded a change to.
	lastDemand uint64

	halted bool
}

// Protocol is one node's classical-protocol state machine.
//
// All state transitions are serialized behind a single mutex;
// message delivery from any number of goroutines is safe.
// The protocol handles one round at a time but accepts messages
// for any view of that round, old views included, so view-change
// evidence is never lost.
type Protocol struct {
	log *slog.Logger

	nodeID mcconsensus.NodeID
	valSet mcconsensus.ValidatorSet

	hashScheme mcconsensus.HashScheme
	sigScheme  mcconsensus.SignatureScheme
	signer     mcrypto.Signer

	broadcast     func(ctx context.Context, m mcconsensus.Message) error
	validateValue func(round uint64, value []byte) error

	baseTimeout time.Duration

	evidence *EvidencePool

	mu sync.Mutex
	rs *roundState

	// Verified messages that arrived before their round started,
	// replayed on the next StartRound.
	pending []mcconsensus.Message

	// Rounds decided outside this protocol, answered for laggards
	// after the node has moved on. See [Protocol.NoteDecided].
	decided map[uint64]*decidedRound

	decisions  chan Decision
	violations chan mcconsensus.SafetyViolationError
}

func New(cfg Config) (*Protocol, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("config Log must not be nil")
	}
	if cfg.Broadcast == nil {
		return nil, fmt.Errorf("config Broadcast must not be nil")
	}
	if cfg.HashScheme == nil || cfg.SignatureScheme == nil || cfg.Signer == nil {
		return nil, fmt.Errorf("config schemes and signer must not be nil")
	}

	p := &Protocol{
		log: cfg.Log,

		nodeID: cfg.NodeID,
		valSet: cfg.ValSet,

		hashScheme: cfg.HashScheme,
		sigScheme:  cfg.SignatureScheme,
		signer:     cfg.Signer,

		broadcast:     cfg.Broadcast,
		validateValue: cfg.ValidateValue,

		baseTimeout: cfg.BaseTimeout,

		evidence: cfg.Evidence,

		decided: make(map[uint64]*decidedRound),

		decisions:  make(chan Decision, 4),
		violations: make(chan mcconsensus.SafetyViolationError, 1),
	}
	if p.baseTimeout <= 0 {
		p.baseTimeout = DefaultBaseTimeout
	}
	if p.evidence == nil {
		p.evidence = NewEvidencePool()
	}
	return p, nil
}

// Decisions delivers at most one decision per started round.
func (p *Protocol) Decisions() <-chan Decision {
	return p.decisions
}

// Violations delivers detected safety violations.
// A violation halts the affected round's further processing.
func (p *Protocol) Violations() <-chan mcconsensus.SafetyViolationError {
	return p.violations
}

// Evidence returns the pool of recorded Byzantine evidence.
func (p *Protocol) Evidence() *EvidencePool {
	return p.evidence
}

// RoundStatus reports the current round's phase and view.
func (p *Protocol) RoundStatus() (phase Phase, view uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rs == nil {
		return PhaseIdle, 0
	}
	return p.rs.phase, p.rs.view
}

// StartRound begins the classical protocol for the given round and view
// with this node's candidate value. If this node leads the view,
// it broadcasts the PrePrepare immediately.
//
// Starting a new round abandons any previous one.
func (p *Protocol) StartRound(ctx context.Context, round, view uint64, candidate []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rs != nil && p.rs.timer != nil {
		p.rs.timer.Stop()
	}

	p.rs = &roundState{
		round:       round,
		initialView: view,
		view:        view,
		candidate:   candidate,

		values:   make(map[mcconsensus.Digest][]byte),
		prepares: make(map[viewDigestKey]*bitset.BitSet),
		commits:  make(map[viewDigestKey]*bitset.BitSet),

		commitSent:  make(map[viewDigestKey]bool),
		prepareMsgs: make(map[viewDigestKey]map[mcconsensus.NodeID]mcconsensus.Message),

		viewChangeVotes: make(map[uint64]*bitset.BitSet),
		viewChangeMsgs:  make(map[uint64]map[mcconsensus.NodeID]mcconsensus.Message),
	}

	p.restartTimerLocked()

	if p.valSet.Leader(view) == p.nodeID {
		digest := p.hashScheme.ValueDigest(round, candidate)
		m, err := p.signMessage(ctx, mcconsensus.Message{
			Type:   mcconsensus.MsgPrePrepare,
			View:   view,
			Round:  round,
			Digest: digest,
			Sender: p.nodeID,
			Value:  candidate,
		})
		if err != nil {
			return fmt.Errorf("failed to sign pre-prepare: %w", err)
		}
		if err := p.broadcast(ctx, m); err != nil {
			return fmt.Errorf("failed to broadcast pre-prepare: %w", err)
		}
		p.acceptCandidateLocked(ctx, view, digest, candidate)
	}

	return p.replayPendingLocked(ctx, round)
}

// pendingCap bounds the early-message buffer.
// A full cluster's worth of one round's traffic fits comfortably.
const pendingCap = 1024

func (p *Protocol) bufferPendingLocked(m mcconsensus.Message) {
	if len(p.pending) >= pendingCap {
		p.log.Debug("Early-message buffer full, dropping message", "round", m.Round, "sender", m.Sender)
		return
	}
	p.pending = append(p.pending, m)
}

func (p *Protocol) replayPendingLocked(ctx context.Context, round uint64) error {
	if len(p.pending) == 0 {
		return nil
	}

	buffered := p.pending
	p.pending = nil

	for _, m := range buffered {
		if m.Round < round {
			continue
		}
		if m.Round > round {
			// Still early; keep for a later round.
			p.pending = append(p.pending, m)
			continue
		}
		if p.rs.halted {
			return nil
		}
		if err := p.dispatchLocked(ctx, m); err != nil {
			return fmt.Errorf("failed to replay buffered message: %w", err)
		}
	}
	return nil
}

// NoteDecided records a round this node decided outside the classical
// protocol, so that peers still voting on it are not left behind:
// their messages for the round are answered with a value-bearing
// commit instead of being discarded as stale.
func (p *Protocol) NoteDecided(round uint64, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.decided[round] = &decidedRound{
		digest:   p.hashScheme.ValueDigest(round, value),
		value:    value,
		answered: make(map[uint64]bool),
	}
	for r := range p.decided {
		if r+decidedRetention < round {
			delete(p.decided, r)
		}
	}
}

func (p *Protocol) answerDecidedLocked(ctx context.Context, view, round uint64, dr *decidedRound) error {
	if dr.answered[view] || len(dr.answered) >= decidedAnswerCap {
		return nil
	}

	m, err := p.signMessage(ctx, mcconsensus.Message{
		Type:   mcconsensus.MsgCommit,
		View:   view,
		Round:  round,
		Digest: dr.digest,
		Sender: p.nodeID,
		Value:  dr.value,
	})
	if err != nil {
		return fmt.Errorf("failed to sign commit for decided round: %w", err)
	}
	if err := p.broadcast(ctx, m); err != nil {
		return fmt.Errorf("failed to broadcast commit for decided round: %w", err)
	}

	dr.answered[view] = true
	return nil
}

// Stop cancels any running timer. Safe to call more than once.
func (p *Protocol) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rs != nil && p.rs.timer != nil {
		p.rs.timer.Stop()
	}
}

// HandleMessage processes one protocol message.
//
// Malformed and unverifiable messages are dropped silently per the
// failure semantics; the only errors returned are internal ones
// (signing or broadcast failures while reacting to the message).
func (p *Protocol) HandleMessage(ctx context.Context, m mcconsensus.Message) error {
	if err := mcconsensus.VerifyMessage(m, p.valSet, p.sigScheme); err != nil {
		p.log.Debug("Dropping unverifiable message", "type", m.Type.String(), "sender", m.Sender, "err", err)
		return nil
	}

	if p.evidence.Observe(m) {
		p.log.Warn(
			"Recorded conflicting message as Byzantine evidence",
			"sender", m.Sender, "type", m.Type.String(), "view", m.View, "round", m.Round,
		)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if dr, ok := p.decided[m.Round]; ok {
		return p.answerDecidedLocked(ctx, m.View, m.Round, dr)
	}

	rs := p.rs
	if rs == nil || m.Round > rs.round {
		// Peers may race ahead of this node's round start.
		// Hold their verified messages for replay.
		p.bufferPendingLocked(m)
		return nil
	}
	if rs.round != m.Round || rs.halted {
		return nil
	}

	return p.dispatchLocked(ctx, m)
}

func (p *Protocol) dispatchLocked(ctx context.Context, m mcconsensus.Message) error {
	rs := p.rs

	switch m.Type {
	case mcconsensus.MsgPrePrepare:
		return p.handlePrePrepareLocked(ctx, m)
	case mcconsensus.MsgPrepare:
		p.recordPrepareLocked(m)
		return p.maybeAdvanceLocked(ctx)
	case mcconsensus.MsgCommit:
		// A commit may carry its value, as when a peer that already
		// decided the round answers a laggard. The binding is
		// hash-checked, so it is adopted without trust.
		if len(m.Value) > 0 && p.hashScheme.ValueDigest(m.Round, m.Value) == m.Digest {
			if _, ok := rs.values[m.Digest]; !ok {
				rs.values[m.Digest] = m.Value
			}
		}
		p.recordVoteLocked(rs.commits, m)
		return p.maybeAdvanceLocked(ctx)
	case mcconsensus.MsgViewChange:
		return p.handleViewChangeLocked(ctx, m)
	case mcconsensus.MsgNewView:
		return p.handleNewViewLocked(ctx, m)
	default:
		p.log.Debug("Dropping message of unknown type", "type", uint8(m.Type))
		return nil
	}
}

func (p *Protocol) handlePrePrepareLocked(ctx context.Context, m mcconsensus.Message) error {
	rs := p.rs

	if m.Sender != p.valSet.Leader(m.View) {
		p.log.Debug("Dropping pre-prepare from non-leader", "sender", m.Sender, "view", m.View)
		return nil
	}
	if m.View != rs.view {
		// Views after the first are only entered through NewView.
		return nil
	}
	if p.hashScheme.ValueDigest(m.Round, m.Value) != m.Digest {
		p.log.Debug("Dropping pre-prepare with mismatched digest", "sender", m.Sender)
		return nil
	}
	if rs.accepted {
		// A second pre-prepare in the same view. A conflicting digest
		// was already recorded as evidence during Observe.
		return nil
	}
	if p.validateValue != nil {
		if err := p.validateValue(m.Round, m.Value); err != nil {
			p.log.Debug("Dropping pre-prepare with invalid value", "sender", m.Sender, "err", err)
			return nil
		}
	}

	p.acceptCandidateLocked(ctx, m.View, m.Digest, m.Value)
	return p.maybeAdvanceLocked(ctx)
}

// acceptCandidateLocked marks the digest accepted for the given view
// and echoes this node's Prepare.
func (p *Protocol) acceptCandidateLocked(ctx context.Context, view uint64, digest mcconsensus.Digest, value []byte) {
	rs := p.rs

	rs.accepted = true
	rs.acceptedDigest = digest
	rs.values[digest] = value
	if rs.phase < PhasePrePrepared {
		rs.phase = PhasePrePrepared
	}

	prep, err := p.signMessage(ctx, mcconsensus.Message{
		Type:   mcconsensus.MsgPrepare,
		View:   view,
		Round:  rs.round,
		Digest: digest,
		Sender: p.nodeID,
	})
	if err != nil {
		p.log.Warn("Failed to sign prepare", "err", err)
		return
	}
	if err := p.broadcast(ctx, prep); err != nil {
		p.log.Warn("Failed to broadcast prepare", "err", err)
	}
	p.recordPrepareLocked(prep)
}

// recordPrepareLocked counts the prepare vote and retains the message
// itself; the retained quorum becomes the certificate attached to this
// node's view changes when it claims a prepared digest.
func (p *Protocol) recordPrepareLocked(m mcconsensus.Message) {
	rs := p.rs
	p.recordVoteLocked(rs.prepares, m)

	key := viewDigestKey{view: m.View, digest: m.Digest}
	msgs, ok := rs.prepareMsgs[key]
	if !ok {
		msgs = make(map[mcconsensus.NodeID]mcconsensus.Message)
		rs.prepareMsgs[key] = msgs
	}
	if _, seen := msgs[m.Sender]; !seen {
		msgs[m.Sender] = m
	}
}

func (p *Protocol) recordVoteLocked(votes map[viewDigestKey]*bitset.BitSet, m mcconsensus.Message) {
	key := viewDigestKey{view: m.View, digest: m.Digest}
	set, ok := votes[key]
	if !ok {
		set = bitset.New(uint(p.valSet.Len()))
		votes[key] = set
	}
	set.Set(uint(m.Sender))
}

// maybeAdvanceLocked applies any phase transition the accumulated
// votes now permit. Called after every vote-bearing message.
func (p *Protocol) maybeAdvanceLocked(ctx context.Context) error {
	rs := p.rs
	quorum := uint(p.valSet.QuorumSize())

	if rs.halted {
		return nil
	}

	// Prepared: 2f+1 matching prepares for the accepted digest.
	// A node may prepare once per view, so a digest resurrected by a
	// view change commits again in the new view.
	if rs.accepted && rs.phase >= PhasePrePrepared {
		key := viewDigestKey{view: rs.view, digest: rs.acceptedDigest}
		if set := rs.prepares[key]; set != nil && set.Count() >= quorum && !rs.commitSent[key] {
			rs.commitSent[key] = true
			if !rs.prepared || rs.view >= rs.preparedView {
				rs.prepared = true
				rs.preparedView = rs.view
				rs.preparedDigest = rs.acceptedDigest
				rs.preparedValue = rs.values[rs.acceptedDigest]
				rs.preparedCert = make([]mcconsensus.Message, 0, len(rs.prepareMsgs[key]))
				for _, pm := range rs.prepareMsgs[key] {
					rs.preparedCert = append(rs.preparedCert, pm)
				}
			}
			if rs.phase < PhasePrepared {
				rs.phase = PhasePrepared
			}

			commit, err := p.signMessage(ctx, mcconsensus.Message{
				Type:   mcconsensus.MsgCommit,
				View:   rs.view,
				Round:  rs.round,
				Digest: rs.acceptedDigest,
				Sender: p.nodeID,
			})
			if err != nil {
				return fmt.Errorf("failed to sign commit: %w", err)
			}
			if err := p.broadcast(ctx, commit); err != nil {
				return fmt.Errorf("failed to broadcast commit: %w", err)
			}
			p.recordVoteLocked(rs.commits, commit)
		}
	}

	// Committed: 2f+1 matching commits for any digest whose value we know.
	for key, set := range rs.commits {
		if set.Count() < quorum {
			continue
		}
		value, haveValue := rs.values[key.digest]
		if !haveValue {
			// The quorum is real but the content is unknown;
			// wait for the binding before deciding.
			continue
		}

		if rs.committed {
			if key.digest != rs.committedDigest {
				p.haltOnViolationLocked(key.view, key.digest)
			}
			continue
		}

		rs.committed = true
		rs.committedDigest = key.digest
		rs.phase = PhaseCommitted
		if rs.timer != nil {
			rs.timer.Stop()
		}

		p.log.Info(
			"Round committed on classical path",
			"round", rs.round, "view", key.view, "digest", key.digest.String(),
		)

		select {
		case p.decisions <- Decision{
			Round:      rs.round,
			View:       key.view,
			Digest:     key.digest,
			Value:      value,
			Committers: set.Clone(),
		}:
		default:
			p.log.Warn("Decision channel full, dropping decision", "round", rs.round)
		}
	}

	return nil
}

func (p *Protocol) haltOnViolationLocked(view uint64, digest mcconsensus.Digest) {
	rs := p.rs
	rs.halted = true
	if rs.timer != nil {
		rs.timer.Stop()
	}

	v := mcconsensus.SafetyViolationError{
		View:    view,
		Round:   rs.round,
		DigestA: rs.committedDigest,
		DigestB: digest,
	}
	p.log.Error("SAFETY VIOLATION: halting round", "err", v.Error())

	select {
	case p.violations <- v:
	default:
	}
}

func (p *Protocol) signMessage(ctx context.Context, m mcconsensus.Message) (mcconsensus.Message, error) {
	sb, err := p.sigScheme.MessageSignBytes(m)
	if err != nil {
		return m, fmt.Errorf("failed to build message sign bytes: %w", err)
	}
	sig, err := p.signer.Sign(ctx, sb)
	if err != nil {
		return m, fmt.Errorf("failed to sign message: %w", err)
	}
	m.Signature = sig
	return m, nil
}
