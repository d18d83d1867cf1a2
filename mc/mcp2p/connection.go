// Package mcp2p defines the transport interfaces between
// the consensus engine and a peer-to-peer network implementation.
//
// The transport owns delivery concerns: retries, reordering,
// and sender authentication of the channel itself.
// The consensus core only assumes authenticated, reliable-enough
// point-to-point delivery.
package mcp2p

import (
	"context"

	"github.com/meridian-engine/meridian/mc/mcconsensus"
)

// ConsensusBroadcaster sends consensus content to every peer.
type ConsensusBroadcaster interface {
	BroadcastProposal(ctx context.Context, p mcconsensus.Proposal) error

	BroadcastMessage(ctx context.Context, m mcconsensus.Message) error
}

// ConsensusHandler receives consensus content from peers.
// The engine's coordinator implements this.
type ConsensusHandler interface {
	HandleProposal(ctx context.Context, p mcconsensus.Proposal) error

	HandleMessage(ctx context.Context, m mcconsensus.Message) error
}

// Connection is one node's attachment to the cluster network.
type Connection interface {
	ConsensusBroadcaster() ConsensusBroadcaster

	// SetConsensusHandler installs the recipient of inbound content.
	// Content arriving before a handler is installed is dropped.
	SetConsensusHandler(h ConsensusHandler)

	// Disconnect tears the connection down and releases its resources.
	Disconnect()
}
