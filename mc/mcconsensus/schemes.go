package mcconsensus

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Blake2bHashScheme derives digests with BLAKE2b-256.
type Blake2bHashScheme struct{}

var _ HashScheme = Blake2bHashScheme{}

func (Blake2bHashScheme) ValueDigest(round uint64, value []byte) Digest {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(fmt.Errorf("failed to construct blake2b hasher: %w", err))
	}

	var rb [8]byte
	binary.BigEndian.PutUint64(rb[:], round)
	h.Write(rb[:])
	h.Write(value)

	var d Digest
	h.Sum(d[:0])
	return d
}

func (Blake2bHashScheme) ProposalSetDigest(proposals []Proposal) Digest {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(fmt.Errorf("failed to construct blake2b hasher: %w", err))
	}

	var buf [12]byte
	for _, p := range proposals {
		binary.BigEndian.PutUint64(buf[:8], p.Round)
		binary.BigEndian.PutUint32(buf[8:], uint32(p.Node))
		h.Write(buf[:])

		binary.BigEndian.PutUint64(buf[:8], uint64(len(p.RawValue)))
		h.Write(buf[:8])
		h.Write(p.RawValue)
		h.Write(p.Signature)
	}

	var d Digest
	h.Sum(d[:0])
	return d
}

// PrefixSignatureScheme produces sign bytes as a domain prefix
// followed by the JSON encoding of the signed fields.
// JSON keeps the content debuggable;
// faster encodings can be substituted cluster-wide if needed.
type PrefixSignatureScheme struct{}

var _ SignatureScheme = PrefixSignatureScheme{}

func (PrefixSignatureScheme) ProposalSignBytes(p Proposal) ([]byte, error) {
	body, err := json.Marshal(struct {
		Round    uint64
		Node     NodeID
		RawValue []byte
	}{p.Round, p.Node, p.RawValue})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal proposal sign content: %w", err)
	}

	return append([]byte("meridian:proposal\n"), body...), nil
}

func (PrefixSignatureScheme) MessageSignBytes(m Message) ([]byte, error) {
	body, err := json.Marshal(m.SignBytesFields())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message sign content: %w", err)
	}

	return append([]byte("meridian:msg\n"), body...), nil
}
