package mcclassic

import (
	"context"
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/meridian-engine/meridian/mc/mcconsensus"
)

// timeoutForViewLocked returns the phase deadline for the given view:
// the base timeout doubled once per view past the round's first.
func (p *Protocol) timeoutForViewLocked(view uint64) time.Duration {
	shift := view - p.rs.initialView
	if shift > timeoutShiftCap {
		shift = timeoutShiftCap
	}
	return p.baseTimeout << shift
}

func (p *Protocol) restartTimerLocked() {
	rs := p.rs
	if rs.timer != nil {
		rs.timer.Stop()
	}

	round, view := rs.round, rs.view
	rs.timer = time.AfterFunc(p.timeoutForViewLocked(view), func() {
		p.onTimeout(round, view)
	})
}

// onTimeout fires when a view's phase deadline passes without commitment.
// It demands a view change rather than failing the round:
// protocol timeouts are absorbed by the view-change sub-protocol.
func (p *Protocol) onTimeout(round, view uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rs := p.rs
	if rs == nil || rs.round != round || rs.committed || rs.halted {
		return
	}
	if rs.view != view {
		// Already advanced; a fresh timer covers the new view.
		return
	}

	target := rs.view + 1
	if target <= rs.lastDemand {
		target = rs.lastDemand + 1
	}

	p.log.Info(
		"View timed out, demanding view change",
		"round", rs.round, "view", rs.view, "target", target,
	)

	ctx := context.Background()
	if err := p.demandViewChangeLocked(ctx, target); err != nil {
		p.log.Warn("Failed to demand view change", "err", err)
	}

	if rs.view != view || rs.committed || rs.halted {
		// The demand completed the view change on the spot;
		// advanceViewLocked already armed the new view's timer.
		return
	}

	// Re-arm so a stalled view change escalates to the next target.
	rs.timer = time.AfterFunc(p.timeoutForViewLocked(target), func() {
		p.onTimeout(round, view)
	})
}

// demandViewChangeLocked broadcasts this node's ViewChange for target,
// carrying the highest prepared digest so committed work survives.
// A prepared claim ships with its certificate, the 2f+1 prepare
// messages that backed it; receivers discard bare claims.
func (p *Protocol) demandViewChangeLocked(ctx context.Context, target uint64) error {
	rs := p.rs

	m := mcconsensus.Message{
		Type:   mcconsensus.MsgViewChange,
		View:   target,
		Round:  rs.round,
		Sender: p.nodeID,
	}
	if rs.prepared {
		m.Digest = rs.preparedDigest
		m.PreparedView = rs.preparedView
		m.Value = rs.preparedValue
		m.Justification = rs.preparedCert
	}

	signed, err := p.signMessage(ctx, m)
	if err != nil {
		return fmt.Errorf("failed to sign view change: %w", err)
	}
	if err := p.broadcast(ctx, signed); err != nil {
		return fmt.Errorf("failed to broadcast view change: %w", err)
	}

	rs.lastDemand = target
	p.recordViewChangeLocked(signed)
	return p.maybeCompleteViewChangeLocked(ctx, target)
}

func (p *Protocol) recordViewChangeLocked(m mcconsensus.Message) {
	rs := p.rs

	votes, ok := rs.viewChangeVotes[m.View]
	if !ok {
		votes = bitset.New(uint(p.valSet.Len()))
		rs.viewChangeVotes[m.View] = votes
	}
	votes.Set(uint(m.Sender))

	msgs, ok := rs.viewChangeMsgs[m.View]
	if !ok {
		msgs = make(map[mcconsensus.NodeID]mcconsensus.Message)
		rs.viewChangeMsgs[m.View] = msgs
	}
	if _, seen := msgs[m.Sender]; !seen {
		msgs[m.Sender] = m
	}
}

func (p *Protocol) handleViewChangeLocked(ctx context.Context, m mcconsensus.Message) error {
	rs := p.rs

	if m.View <= rs.view {
		// Stale demand; Observe already captured any evidence value.
		return nil
	}
	if err := p.verifyPreparedClaim(m); err != nil {
		p.log.Debug("Dropping view change with uncertified prepared claim", "sender", m.Sender, "err", err)
		return nil
	}

	p.recordViewChangeLocked(m)

	votes := rs.viewChangeVotes[m.View]

	// Join rule: f+1 demands prove at least one honest validator
	// timed out, so joining cannot hurt liveness.
	f := uint(p.valSet.ByzantineBudget())
	if votes.Count() >= f+1 && !votes.Test(uint(p.nodeID)) && m.View > rs.lastDemand {
		if err := p.demandViewChangeLocked(ctx, m.View); err != nil {
			return err
		}
	}

	return p.maybeCompleteViewChangeLocked(ctx, m.View)
}

// verifyPreparedClaim checks the prepared certificate of a view change.
// A claim holds only if the digest binds to the shipped value and the
// justification carries 2f+1 verified prepare messages for the claimed
// slot; a view change claiming nothing is trivially fine.
func (p *Protocol) verifyPreparedClaim(m mcconsensus.Message) error {
	if m.Digest.IsZero() {
		return nil
	}

	if p.hashScheme.ValueDigest(m.Round, m.Value) != m.Digest {
		return fmt.Errorf("claimed digest does not bind to the shipped value")
	}
	if m.PreparedView >= m.View {
		return fmt.Errorf("claimed prepared view %d not below target view %d", m.PreparedView, m.View)
	}

	senders := bitset.New(uint(p.valSet.Len()))
	for _, prep := range m.Justification {
		if prep.Type != mcconsensus.MsgPrepare ||
			prep.Round != m.Round ||
			prep.View != m.PreparedView ||
			prep.Digest != m.Digest {
			return fmt.Errorf("certificate message does not match the claimed slot")
		}
		if err := mcconsensus.VerifyMessage(prep, p.valSet, p.sigScheme); err != nil {
			return fmt.Errorf("failed to verify certificate prepare: %w", err)
		}
		senders.Set(uint(prep.Sender))
	}
	if senders.Count() < uint(p.valSet.QuorumSize()) {
		return fmt.Errorf("certificate holds %d prepares, quorum is %d", senders.Count(), p.valSet.QuorumSize())
	}
	return nil
}

func (p *Protocol) maybeCompleteViewChangeLocked(ctx context.Context, target uint64) error {
	rs := p.rs

	if target <= rs.view || rs.committed || rs.halted {
		return nil
	}
	votes := rs.viewChangeVotes[target]
	if votes == nil || votes.Count() < uint(p.valSet.QuorumSize()) {
		return nil
	}

	return p.advanceViewLocked(ctx, target)
}

// advanceViewLocked enters the target view.
// The new leader immediately issues NewView; everyone else waits for it
// under a freshly doubled timer.
func (p *Protocol) advanceViewLocked(ctx context.Context, target uint64) error {
	rs := p.rs

	p.log.Info("Advancing view", "round", rs.round, "from", rs.view, "to", target)

	rs.view = target
	rs.accepted = false
	rs.acceptedDigest = mcconsensus.Digest{}
	if rs.phase != PhaseCommitted {
		rs.phase = PhaseIdle
	}
	p.restartTimerLocked()

	if p.valSet.Leader(target) != p.nodeID {
		return nil
	}

	// Summarize the highest prepared digest from the justification,
	// falling back to this node's own candidate when nothing prepared.
	just := make([]mcconsensus.Message, 0, len(rs.viewChangeMsgs[target]))
	for _, vc := range rs.viewChangeMsgs[target] {
		just = append(just, vc)
	}

	digest, value := highestPrepared(just)
	if digest.IsZero() {
		value = rs.candidate
		digest = p.hashScheme.ValueDigest(rs.round, value)
	}

	nv, err := p.signMessage(ctx, mcconsensus.Message{
		Type:          mcconsensus.MsgNewView,
		View:          target,
		Round:         rs.round,
		Digest:        digest,
		Sender:        p.nodeID,
		Value:         value,
		Justification: just,
	})
	if err != nil {
		return fmt.Errorf("failed to sign new view: %w", err)
	}
	if err := p.broadcast(ctx, nv); err != nil {
		return fmt.Errorf("failed to broadcast new view: %w", err)
	}

	p.acceptCandidateLocked(ctx, target, digest, value)
	return p.maybeAdvanceLocked(ctx)
}

func (p *Protocol) handleNewViewLocked(ctx context.Context, m mcconsensus.Message) error {
	rs := p.rs

	if m.View < rs.view {
		return nil
	}
	if m.Sender != p.valSet.Leader(m.View) {
		p.log.Debug("Dropping new view from non-leader", "sender", m.Sender, "view", m.View)
		return nil
	}
	if p.hashScheme.ValueDigest(m.Round, m.Value) != m.Digest {
		p.log.Debug("Dropping new view with mismatched digest", "sender", m.Sender)
		return nil
	}

	// The justification must hold 2f+1 valid view changes for this view.
	senders := bitset.New(uint(p.valSet.Len()))
	for _, vc := range m.Justification {
		if vc.Type != mcconsensus.MsgViewChange || vc.View != m.View || vc.Round != m.Round {
			p.log.Debug("Dropping new view with malformed justification", "sender", m.Sender)
			return nil
		}
		if err := mcconsensus.VerifyMessage(vc, p.valSet, p.sigScheme); err != nil {
			p.log.Debug("Dropping new view with unverifiable justification", "sender", m.Sender, "err", err)
			return nil
		}
		if err := p.verifyPreparedClaim(vc); err != nil {
			p.log.Debug("Dropping new view justified by an uncertified prepared claim", "sender", m.Sender, "err", err)
			return nil
		}
		senders.Set(uint(vc.Sender))
	}
	if senders.Count() < uint(p.valSet.QuorumSize()) {
		p.log.Debug("Dropping new view with insufficient justification", "sender", m.Sender)
		return nil
	}

	// The leader must carry forward the highest prepared digest;
	// only with nothing prepared may it substitute a fresh candidate.
	expDigest, _ := highestPrepared(m.Justification)
	if !expDigest.IsZero() {
		if m.Digest != expDigest {
			p.log.Debug("Dropping new view discarding prepared work", "sender", m.Sender)
			return nil
		}
	} else if p.validateValue != nil {
		if err := p.validateValue(m.Round, m.Value); err != nil {
			p.log.Debug("Dropping new view with invalid value", "sender", m.Sender, "err", err)
			return nil
		}
	}

	if m.View > rs.view {
		// Catch up to the quorum-backed view directly.
		rs.view = m.View
		rs.accepted = false
		rs.acceptedDigest = mcconsensus.Digest{}
		if rs.phase != PhaseCommitted {
			rs.phase = PhaseIdle
		}
		p.restartTimerLocked()
	}
	if rs.accepted {
		return nil
	}

	p.acceptCandidateLocked(ctx, m.View, m.Digest, m.Value)
	return p.maybeAdvanceLocked(ctx)
}

// highestPrepared returns the digest and value of the most recently
// prepared entry among the given view changes,
// or a zero digest when nothing was prepared.
// Claims without a certificate are ignored; callers verify the
// certificates themselves before trusting the result.
func highestPrepared(viewChanges []mcconsensus.Message) (mcconsensus.Digest, []byte) {
	var digest mcconsensus.Digest
	var value []byte
	var bestView uint64
	found := false

	for _, vc := range viewChanges {
		if vc.Digest.IsZero() || len(vc.Justification) == 0 {
			continue
		}
		if !found || vc.PreparedView > bestView {
			found = true
			bestView = vc.PreparedView
			digest = vc.Digest
			value = vc.Value
		}
	}

	return digest, value
}
