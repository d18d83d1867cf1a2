// Package mclibp2p adapts a libp2p host with gossipsub
// to the [mcp2p.Connection] interface.
package mclibp2p

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"

	"github.com/meridian-engine/meridian/mc/mccodec"
	"github.com/meridian-engine/meridian/mc/mcconsensus"
	"github.com/meridian-engine/meridian/mc/mcp2p"
)

// Gossipsub topics. Every cluster node joins both.
const (
	proposalTopicName = "meridian/v1/proposals"
	messageTopicName  = "meridian/v1/messages"
)

// Connection is one node's libp2p attachment to the cluster.
//
// Inbound gossip is decoded with the configured codec and dispatched
// to the installed handler on per-subscription goroutines.
// Authentication of content is the consensus layer's concern;
// the connection only authenticates the channel.
type Connection struct {
	log *slog.Logger

	host host.Host
	ps   *pubsub.PubSub

	codec mccodec.MarshalCodec

	proposalTopic *pubsub.Topic
	messageTopic  *pubsub.Topic

	handlerMu sync.RWMutex
	handler   mcp2p.ConsensusHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ mcp2p.Connection = (*Connection)(nil)

// NewConnection joins the consensus topics on h
// and begins relaying inbound gossip.
// The connection lives until Disconnect or until ctx is canceled.
func NewConnection(
	ctx context.Context,
	log *slog.Logger,
	h host.Host,
	codec mccodec.MarshalCodec,
) (*Connection, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create gossipsub: %w", err)
	}

	c := &Connection{
		log: log,

		host: h,
		ps:   ps,

		codec: codec,
	}

	c.proposalTopic, err = ps.Join(proposalTopicName)
	if err != nil {
		return nil, fmt.Errorf("failed to join proposal topic: %w", err)
	}
	c.messageTopic, err = ps.Join(messageTopicName)
	if err != nil {
		return nil, fmt.Errorf("failed to join message topic: %w", err)
	}

	proposalSub, err := c.proposalTopic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to proposal topic: %w", err)
	}
	messageSub, err := c.messageTopic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to message topic: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(2)
	go c.relayProposals(ctx, proposalSub)
	go c.relayMessages(ctx, messageSub)

	return c, nil
}

func (c *Connection) ConsensusBroadcaster() mcp2p.ConsensusBroadcaster {
	return pubsubBroadcaster{c: c}
}

func (c *Connection) SetConsensusHandler(h mcp2p.ConsensusHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = h
}

// Disconnect stops the relay goroutines and closes the host.
func (c *Connection) Disconnect() {
	c.cancel()
	c.wg.Wait()
	if err := c.host.Close(); err != nil {
		c.log.Debug("Error closing libp2p host", "err", err)
	}
}

// Host exposes the underlying libp2p host,
// chiefly so callers can dial peers and report listen addresses.
func (c *Connection) Host() host.Host {
	return c.host
}

func (c *Connection) relayProposals(ctx context.Context, sub *pubsub.Subscription) {
	defer c.wg.Done()
	defer sub.Cancel()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			// Context canceled or subscription closed.
			return
		}
		if msg.ReceivedFrom == c.host.ID() {
			continue
		}

		p, err := c.codec.UnmarshalProposal(msg.Data)
		if err != nil {
			c.log.Debug("Dropping undecodable proposal gossip", "from", msg.ReceivedFrom, "err", err)
			continue
		}

		if h := c.currentHandler(); h != nil {
			if err := h.HandleProposal(ctx, p); err != nil {
				c.log.Debug("Proposal handler rejected gossip", "err", err)
			}
		}
	}
}

func (c *Connection) relayMessages(ctx context.Context, sub *pubsub.Subscription) {
	defer c.wg.Done()
	defer sub.Cancel()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == c.host.ID() {
			continue
		}

		m, err := c.codec.UnmarshalConsensusMessage(msg.Data)
		if err != nil {
			c.log.Debug("Dropping undecodable message gossip", "from", msg.ReceivedFrom, "err", err)
			continue
		}

		if h := c.currentHandler(); h != nil {
			if err := h.HandleMessage(ctx, m); err != nil {
				c.log.Debug("Message handler rejected gossip", "err", err)
			}
		}
	}
}

func (c *Connection) currentHandler() mcp2p.ConsensusHandler {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	return c.handler
}

type pubsubBroadcaster struct {
	c *Connection
}

func (b pubsubBroadcaster) BroadcastProposal(ctx context.Context, p mcconsensus.Proposal) error {
	data, err := b.c.codec.MarshalProposal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal proposal for broadcast: %w", err)
	}
	if err := b.c.proposalTopic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish proposal: %w", err)
	}
	return nil
}

func (b pubsubBroadcaster) BroadcastMessage(ctx context.Context, m mcconsensus.Message) error {
	data, err := b.c.codec.MarshalConsensusMessage(m)
	if err != nil {
		return fmt.Errorf("failed to marshal consensus message for broadcast: %w", err)
	}
	if err := b.c.messageTopic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish consensus message: %w", err)
	}
	return nil
}
