// Package mcp2ptest provides an in-process network
// for exercising consensus components in tests,
// without any real transport underneath.
package mcp2ptest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/meridian-engine/meridian/mc/mcconsensus"
	"github.com/meridian-engine/meridian/mc/mcp2p"
)

// Network fans every broadcast out to all other connections,
// each delivery on its own goroutine.
// Delivery order between peers is therefore unspecified,
// which is the property transport consumers must tolerate anyway.
type Network struct {
	log *slog.Logger

	mu    sync.Mutex
	conns []*LoopbackConnection

	wg sync.WaitGroup
}

func NewNetwork(log *slog.Logger) *Network {
	return &Network{log: log}
}

// Connect attaches a new node to the network.
func (n *Network) Connect() *LoopbackConnection {
	conn := &LoopbackConnection{n: n}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.conns = append(n.conns, conn)

	return conn
}

// Wait blocks until all in-flight deliveries finish.
// Call after disconnecting every connection.
func (n *Network) Wait() {
	n.wg.Wait()
}

func (n *Network) deliverProposal(ctx context.Context, from *LoopbackConnection, p mcconsensus.Proposal) {
	for _, c := range n.snapshot() {
		if c == from {
			continue
		}
		c := c
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			h := c.currentHandler()
			if h == nil || c.ignoresProposalsFrom(p.Node) {
				return
			}
			if err := h.HandleProposal(ctx, p); err != nil {
				n.log.Debug("Proposal handler rejected delivery", "err", err)
			}
		}()
	}
}

func (n *Network) deliverMessage(ctx context.Context, from *LoopbackConnection, m mcconsensus.Message) {
	for _, c := range n.snapshot() {
		if c == from {
			continue
		}
		c := c
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			h := c.currentHandler()
			if h == nil {
				return
			}
			if err := h.HandleMessage(ctx, m); err != nil {
				n.log.Debug("Message handler rejected delivery", "err", err)
			}
		}()
	}
}

func (n *Network) snapshot() []*LoopbackConnection {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]*LoopbackConnection, 0, len(n.conns))
	for _, c := range n.conns {
		if !c.isDisconnected() {
			out = append(out, c)
		}
	}
	return out
}

// LoopbackConnection is a single node's attachment to a [Network].
type LoopbackConnection struct {
	n *Network

	mu              sync.Mutex
	handler         mcp2p.ConsensusHandler
	disconnected    bool
	muted           bool
	ignoreProposals map[mcconsensus.NodeID]bool
}

var _ mcp2p.Connection = (*LoopbackConnection)(nil)

func (c *LoopbackConnection) ConsensusBroadcaster() mcp2p.ConsensusBroadcaster {
	return loopbackBroadcaster{c: c}
}

func (c *LoopbackConnection) SetConsensusHandler(h mcp2p.ConsensusHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *LoopbackConnection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	c.handler = nil
}

// Mute discards this connection's outbound broadcasts,
// simulating a silent or partitioned peer.
func (c *LoopbackConnection) Mute() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = true
}

// IgnoreProposalsFrom drops inbound proposals from the given nodes,
// simulating a peer whose proposal traffic is partially lost while
// protocol messages still flow.
func (c *LoopbackConnection) IgnoreProposalsFrom(nodes ...mcconsensus.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ignoreProposals == nil {
		c.ignoreProposals = make(map[mcconsensus.NodeID]bool)
	}
	for _, id := range nodes {
		c.ignoreProposals[id] = true
	}
}

func (c *LoopbackConnection) ignoresProposalsFrom(id mcconsensus.NodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ignoreProposals[id]
}

func (c *LoopbackConnection) currentHandler() mcp2p.ConsensusHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

func (c *LoopbackConnection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *LoopbackConnection) isMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

type loopbackBroadcaster struct {
	c *LoopbackConnection
}

func (b loopbackBroadcaster) BroadcastProposal(ctx context.Context, p mcconsensus.Proposal) error {
	if b.c.isDisconnected() || b.c.isMuted() {
		return nil
	}
	b.c.n.deliverProposal(ctx, b.c, p)
	return nil
}

func (b loopbackBroadcaster) BroadcastMessage(ctx context.Context, m mcconsensus.Message) error {
	if b.c.isDisconnected() || b.c.isMuted() {
		return nil
	}
	b.c.n.deliverMessage(ctx, b.c, m)
	return nil
}
