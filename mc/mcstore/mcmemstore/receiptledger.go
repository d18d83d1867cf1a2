// Package mcmemstore provides in-memory implementations of the
// mcstore interfaces, suitable for tests and single-process runs.
package mcmemstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/meridian-engine/meridian/mc/mcconsensus"
	"github.com/meridian-engine/meridian/mc/mcstore"
)

type receiptKey struct {
	round, view uint64
}

// ReceiptLedger is an in-memory [mcstore.ReceiptLedger].
// A single mutex linearizes appends, the ledger's one total-order
// requirement.
type ReceiptLedger struct {
	mu sync.RWMutex

	entries []mcstore.Receipt

	byKey   map[receiptKey]int
	byRound map[uint64]int
}

func NewReceiptLedger() *ReceiptLedger {
	return &ReceiptLedger{
		byKey:   make(map[receiptKey]int),
		byRound: make(map[uint64]int),
	}
}

func (l *ReceiptLedger) Append(_ context.Context, r mcstore.Receipt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := receiptKey{round: r.Round, view: r.View}
	if idx, ok := l.byKey[key]; ok {
		if mcstore.ChainDigest(l.entries[idx]) == mcstore.ChainDigest(r) {
			// Idempotent re-append.
			return nil
		}
		return fmt.Errorf(
			"conflicting receipt for round %d view %d already appended",
			r.Round, r.View,
		)
	}

	if want := l.headLocked(); r.PrevDigest != want {
		return fmt.Errorf(
			"receipt for round %d view %d breaks chain: prev digest %s, head %s",
			r.Round, r.View, r.PrevDigest, want,
		)
	}

	l.entries = append(l.entries, r)
	l.byKey[key] = len(l.entries) - 1
	l.byRound[r.Round] = len(l.entries) - 1
	return nil
}

func (l *ReceiptLedger) Receipts(context.Context) ([]mcstore.Receipt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]mcstore.Receipt, len(l.entries))
	copy(out, l.entries)
	return out, nil
}

func (l *ReceiptLedger) ReceiptForRound(_ context.Context, round uint64) (mcstore.Receipt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx, ok := l.byRound[round]
	if !ok {
		return mcstore.Receipt{}, mcstore.ErrReceiptNotFound{Round: round}
	}
	return l.entries[idx], nil
}

func (l *ReceiptLedger) Head(context.Context) (mcconsensus.Digest, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.headLocked(), nil
}

func (l *ReceiptLedger) VerifyChain(context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return mcstore.VerifyReceipts(l.entries), nil
}

func (l *ReceiptLedger) headLocked() mcconsensus.Digest {
	if len(l.entries) == 0 {
		return mcconsensus.Digest{}
	}
	return mcstore.ChainDigest(l.entries[len(l.entries)-1])
}
