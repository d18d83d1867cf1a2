// Package mcjson contains a type satisfying the [mccodec] interfaces
// that serializes to and deserializes from JSON.
//
// JSON is simple to work with and easy to inspect on the wire.
// You can certainly get better performance with other serialization
// methods.
package mcjson

import (
	"encoding/json"
	"fmt"

	"github.com/meridian-engine/meridian/mc/mcconsensus"
	"github.com/meridian-engine/meridian/mc/mcstore"
	"github.com/meridian-engine/meridian/mcrypto"
)

// MarshalCodec marshals the consensus types as JSON.
// The CryptoRegistry is required for validator set round trips,
// where public keys cross the boundary.
type MarshalCodec struct {
	CryptoRegistry *mcrypto.Registry
}

type jsonProposal struct {
	Round uint64 `json:"round"`
	Node  uint32 `json:"node"`

	// The raw value only; embeddings are recomputed locally.
	Value []byte `json:"value"`

	Sig []byte `json:"sig"`
}

type jsonMessage struct {
	Type uint8 `json:"type"`

	View  uint64 `json:"view"`
	Round uint64 `json:"round"`

	Digest []byte `json:"digest"`
	Sender uint32 `json:"sender"`

	Sig []byte `json:"sig"`

	Value         []byte        `json:"value,omitempty"`
	PreparedView  uint64        `json:"prepared_view,omitempty"`
	Justification []jsonMessage `json:"justification,omitempty"`
}

type jsonReceipt struct {
	Round uint64 `json:"round"`
	View  uint64 `json:"view"`

	Path uint8 `json:"path"`

	InputsDigest  []byte `json:"inputs_digest"`
	DecidedDigest []byte `json:"decided_digest"`
	PrevDigest    []byte `json:"prev_digest"`

	Sig []byte `json:"sig"`
}

type jsonValidator struct {
	PubKey       []byte `json:"pub_key"`
	LastSeenView uint64 `json:"last_seen_view,omitempty"`
}

func (c MarshalCodec) MarshalProposal(p mcconsensus.Proposal) ([]byte, error) {
	return json.Marshal(jsonProposal{
		Round: p.Round,
		Node:  uint32(p.Node),
		Value: p.RawValue,
		Sig:   p.Signature,
	})
}

func (c MarshalCodec) UnmarshalProposal(b []byte) (mcconsensus.Proposal, error) {
	var jp jsonProposal
	if err := json.Unmarshal(b, &jp); err != nil {
		return mcconsensus.Proposal{}, fmt.Errorf("failed to unmarshal proposal: %w", err)
	}

	return mcconsensus.Proposal{
		Round:     jp.Round,
		Node:      mcconsensus.NodeID(jp.Node),
		RawValue:  jp.Value,
		Signature: jp.Sig,
	}, nil
}

func (c MarshalCodec) MarshalConsensusMessage(m mcconsensus.Message) ([]byte, error) {
	return json.Marshal(toJSONMessage(m))
}

func (c MarshalCodec) UnmarshalConsensusMessage(b []byte) (mcconsensus.Message, error) {
	var jm jsonMessage
	if err := json.Unmarshal(b, &jm); err != nil {
		return mcconsensus.Message{}, fmt.Errorf("failed to unmarshal consensus message: %w", err)
	}
	return fromJSONMessage(jm)
}

func toJSONMessage(m mcconsensus.Message) jsonMessage {
	jm := jsonMessage{
		Type: uint8(m.Type),

		View:  m.View,
		Round: m.Round,

		Digest: m.Digest[:],
		Sender: uint32(m.Sender),

		Sig: m.Signature,

		Value:        m.Value,
		PreparedView: m.PreparedView,
	}
	for _, j := range m.Justification {
		jm.Justification = append(jm.Justification, toJSONMessage(j))
	}
	return jm
}

func fromJSONMessage(jm jsonMessage) (mcconsensus.Message, error) {
	m := mcconsensus.Message{
		Type: mcconsensus.MessageType(jm.Type),

		View:  jm.View,
		Round: jm.Round,

		Sender: mcconsensus.NodeID(jm.Sender),

		Signature: jm.Sig,

		Value:        jm.Value,
		PreparedView: jm.PreparedView,
	}

	if len(jm.Digest) != len(m.Digest) {
		return mcconsensus.Message{}, fmt.Errorf(
			"invalid digest length %d in consensus message", len(jm.Digest),
		)
	}
	copy(m.Digest[:], jm.Digest)

	for _, j := range jm.Justification {
		inner, err := fromJSONMessage(j)
		if err != nil {
			return mcconsensus.Message{}, fmt.Errorf("failed to unmarshal justification entry: %w", err)
		}
		m.Justification = append(m.Justification, inner)
	}
	return m, nil
}

func (c MarshalCodec) MarshalReceipt(r mcstore.Receipt) ([]byte, error) {
	return json.Marshal(jsonReceipt{
		Round: r.Round,
		View:  r.View,

		Path: uint8(r.Path),

		InputsDigest:  r.InputsDigest[:],
		DecidedDigest: r.DecidedDigest[:],
		PrevDigest:    r.PrevDigest[:],

		Sig: r.Signature,
	})
}

func (c MarshalCodec) UnmarshalReceipt(b []byte) (mcstore.Receipt, error) {
	var jr jsonReceipt
	if err := json.Unmarshal(b, &jr); err != nil {
		return mcstore.Receipt{}, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}

	r := mcstore.Receipt{
		Round: jr.Round,
		View:  jr.View,

		Path: mcconsensus.DecisionPath(jr.Path),

		Signature: jr.Sig,
	}

	for _, d := range []struct {
		name string
		src  []byte
		dst  *mcconsensus.Digest
	}{
		{"inputs", jr.InputsDigest, &r.InputsDigest},
		{"decided", jr.DecidedDigest, &r.DecidedDigest},
		{"prev", jr.PrevDigest, &r.PrevDigest},
	} {
		if len(d.src) != len(d.dst) {
			return mcstore.Receipt{}, fmt.Errorf(
				"invalid %s digest length %d in receipt", d.name, len(d.src),
			)
		}
		copy(d.dst[:], d.src)
	}

	return r, nil
}

func (c MarshalCodec) MarshalValidatorSet(vs mcconsensus.ValidatorSet) ([]byte, error) {
	out := make([]jsonValidator, len(vs.Validators))
	for i, v := range vs.Validators {
		out[i] = jsonValidator{
			PubKey:       c.CryptoRegistry.Marshal(v.PubKey),
			LastSeenView: v.LastSeenView,
		}
	}
	return json.Marshal(out)
}

func (c MarshalCodec) UnmarshalValidatorSet(b []byte) (mcconsensus.ValidatorSet, error) {
	var jvs []jsonValidator
	if err := json.Unmarshal(b, &jvs); err != nil {
		return mcconsensus.ValidatorSet{}, fmt.Errorf("failed to unmarshal validator set: %w", err)
	}

	vs := mcconsensus.ValidatorSet{
		Validators: make([]mcconsensus.Validator, len(jvs)),
	}
	for i, jv := range jvs {
		pk, err := c.CryptoRegistry.Unmarshal(jv.PubKey)
		if err != nil {
			return mcconsensus.ValidatorSet{}, fmt.Errorf(
				"failed to unmarshal public key at index %d: %w", i, err,
			)
		}
		vs.Validators[i] = mcconsensus.Validator{
			PubKey:       pk,
			LastSeenView: jv.LastSeenView,
		}
	}
	return vs, nil
}
