package mcconsensus

import "fmt"

// MessageType discriminates the wire message variants
// of the classical protocol.
type MessageType uint8

const (
	_ MessageType = iota // Zero value reserved.

	MsgPrePrepare
	MsgPrepare
	MsgCommit
	MsgViewChange
	MsgNewView
)

func (t MessageType) String() string {
	switch t {
	case MsgPrePrepare:
		return "pre_prepare"
	case MsgPrepare:
		return "prepare"
	case MsgCommit:
		return "commit"
	case MsgViewChange:
		return "view_change"
	case MsgNewView:
		return "new_view"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message is one classical-protocol message.
//
// Every variant carries the common (view, round, digest, sender, signature)
// envelope. The variant-specific fields are only meaningful for the
// types documented on them and are zero otherwise.
type Message struct {
	Type MessageType

	View  uint64
	Round uint64

	// Digest of the candidate decision value.
	// For MsgViewChange this is the sender's last prepared digest,
	// or the zero digest if nothing prepared.
	Digest Digest

	Sender NodeID

	Signature []byte

	// Value is set on MsgPrePrepare and MsgNewView, where the leader
	// ships the candidate value alongside its digest so followers can
	// validate the binding, and on MsgViewChange when the sender had
	// prepared, so the new leader can resurrect the prepared value.
	Value []byte `json:",omitempty"`

	// PreparedView is only set on MsgViewChange:
	// the view in which Digest was prepared.
	PreparedView uint64 `json:",omitempty"`

	// Justification carries nested attested messages.
	// On MsgNewView it is the 2f+1 view-change messages that
	// legitimize the new view. On MsgViewChange claiming a prepared
	// digest it is the 2f+1 matching prepare messages certifying
	// that the digest really prepared; an unclaimed view change
	// leaves it empty.
	Justification []Message `json:",omitempty"`
}

// SignBytesFields returns m with its own signature cleared,
// the portion covered by the sender's signature.
// Signatures inside Justification stay: they are attested content.
func (m Message) SignBytesFields() Message {
	out := m
	out.Signature = nil
	return out
}
