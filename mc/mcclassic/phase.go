package mcclassic

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/meridian-engine/meridian/mc/mcconsensus"
)

// Phase is the per-round progress of the classical protocol.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhasePrePrepared
	PhasePrepared
	PhaseCommitted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePrePrepared:
		return "pre_prepared"
	case PhasePrepared:
		return "prepared"
	case PhaseCommitted:
		return "committed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// Decision is the classical path's output for a round:
// a digest committed by a 2f+1 quorum, with the value it binds.
type Decision struct {
	Round uint64
	View  uint64

	Digest mcconsensus.Digest
	Value  []byte

	// Validators whose Commit messages formed the quorum.
	Committers *bitset.BitSet
}
