// Package mcstore defines the storage interfaces for meridian consensus,
// chiefly the append-only receipt ledger that records every decided round.
package mcstore

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/meridian-engine/meridian/mc/mcconsensus"
)

// Receipt is one hash-chained ledger entry:
// the durable audit record of a single round.
// Never mutated or deleted once appended.
type Receipt struct {
	Round uint64
	View  uint64

	Path mcconsensus.DecisionPath

	// Digest of the round's accepted proposal set.
	InputsDigest mcconsensus.Digest

	// Digest of the decided value, binding the receipt to the outcome.
	DecidedDigest mcconsensus.Digest

	// Chain digest of the prior receipt;
	// the zero digest for the first entry.
	PrevDigest mcconsensus.Digest

	// The local validator's signature over the chain digest.
	Signature []byte
}

// ChainDigest computes the hash-chain link value for r.
// The signature is excluded: it is a signature over this digest.
func ChainDigest(r Receipt) mcconsensus.Digest {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(fmt.Errorf("failed to construct blake2b hasher: %w", err))
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], r.Round)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], r.View)
	h.Write(buf[:])
	h.Write([]byte{byte(r.Path)})
	h.Write(r.InputsDigest[:])
	h.Write(r.DecidedDigest[:])
	h.Write(r.PrevDigest[:])

	var d mcconsensus.Digest
	h.Sum(d[:0])
	return d
}

// ReceiptLedger is a per-node, append-only, hash-chained record
// of consensus outcomes.
//
// Appends must be linearized and idempotent on the (round, view) key.
// Cross-node ledger comparison is a read-only audit concern
// outside this interface.
type ReceiptLedger interface {
	// Append records r. Re-appending an identical receipt for an
	// existing (round, view) key is a no-op; appending a different
	// receipt under an existing key is an error.
	Append(ctx context.Context, r Receipt) error

	// Receipts returns all entries in append order.
	Receipts(ctx context.Context) ([]Receipt, error)

	// ReceiptForRound returns the latest receipt for the given round.
	ReceiptForRound(ctx context.Context, round uint64) (Receipt, error)

	// Head returns the chain digest of the newest entry,
	// or the zero digest for an empty ledger.
	Head(ctx context.Context) (mcconsensus.Digest, error)

	// VerifyChain recomputes every link and returns the index of the
	// first broken one, or -1 if the chain is intact.
	VerifyChain(ctx context.Context) (int, error)
}

// ErrReceiptNotFound indicates no receipt exists for the requested round.
type ErrReceiptNotFound struct {
	Round uint64
}

func (e ErrReceiptNotFound) Error() string {
	return fmt.Sprintf("no receipt for round %d", e.Round)
}

// VerifyReceipts checks the hash-chain invariant over entries in order,
// independent of any ledger implementation, so exported chains can be
// audited offline. It returns the index of the first broken link, or -1.
func VerifyReceipts(entries []Receipt) int {
	var prev mcconsensus.Digest
	for i, r := range entries {
		if r.PrevDigest != prev {
			return i
		}
		prev = ChainDigest(r)
	}
	return -1
}
