package mcclassic

import (
	"sync"

	"github.com/meridian-engine/meridian/mc/mcconsensus"
)

// Evidence records one validator sending conflicting messages
// for the same (type, view, round).
//
// The protocol never ejects the offender on its own;
// ejection is a membership-change decision made outside the core,
// using records drawn from this pool.
type Evidence struct {
	Node mcconsensus.NodeID

	First       mcconsensus.Message
	Conflicting mcconsensus.Message
}

type evidenceKey struct {
	typ    mcconsensus.MessageType
	view   uint64
	round  uint64
	sender mcconsensus.NodeID
}

// EvidencePool tracks first-seen messages per (type, view, round, sender)
// and records conflicts. Safe for concurrent use.
type EvidencePool struct {
	mu sync.Mutex

	firstSeen map[evidenceKey]mcconsensus.Message
	records   []Evidence
}

func NewEvidencePool() *EvidencePool {
	return &EvidencePool{
		firstSeen: make(map[evidenceKey]mcconsensus.Message),
	}
}

// Observe notes m and reports whether it conflicts with an earlier
// message from the same sender in the same slot.
// The first conflicting pair per slot is retained as evidence.
func (p *EvidencePool) Observe(m mcconsensus.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := evidenceKey{typ: m.Type, view: m.View, round: m.Round, sender: m.Sender}
	first, ok := p.firstSeen[key]
	if !ok {
		p.firstSeen[key] = m
		return false
	}

	if first.Digest == m.Digest {
		return false
	}

	p.records = append(p.records, Evidence{
		Node:        m.Sender,
		First:       first,
		Conflicting: m,
	})
	return true
}

// Records returns a copy of the accumulated evidence.
func (p *EvidencePool) Records() []Evidence {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Evidence, len(p.records))
	copy(out, p.records)
	return out
}
