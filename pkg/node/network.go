package node

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"circuitmesh/pkg/consensus"
	"circuitmesh/pkg/dispatch"
	"circuitmesh/pkg/mesh"
	"circuitmesh/pkg/protocol"
	"circuitmesh/pkg/types"
)

var (
	ErrUnidentifiedPeer = errors.New("peer has not identified itself")
	ErrPeerMismatch     = errors.New("peer identity mismatch")
)

// meshNetwork delivers consensus traffic over whichever connection is bound
// to the destination node.
type meshNetwork struct {
	node *Node
}

func (n *meshNetwork) SendToNode(nodeID types.NodeID, payload []byte) error {
	ids := n.node.mesh.ConnectionsFor(string(nodeID))
	if len(ids) == 0 {
		return &mesh.SendError{
			Kind:    mesh.SendDisconnected,
			Payload: payload,
			Err:     fmt.Errorf("no connection to %s", nodeID),
		}
	}
	var err error
	for _, id := range ids {
		if err = n.node.mesh.Send(mesh.Envelope{ConnectionID: id, Payload: payload}); err == nil {
			return nil
		}
	}
	return err
}

func (n *Node) registerHandlers() {
	dispatch.Register(n.dispatcher, protocol.TypePeerHello, n.handleHello)
	dispatch.Register(n.dispatcher, protocol.TypeCircuitCreateRequest, n.handleCreateRequest)
	dispatch.Register(n.dispatcher, protocol.TypeCircuitProposalVote,
		func(ctx context.Context, mc dispatch.Context, msg *protocol.CircuitProposalVote) error {
			from, err := peerOf(mc)
			if err != nil {
				return err
			}
			return n.manager.HandleVote(ctx, from, mc.Verified, msg)
		})
	dispatch.Register(n.dispatcher, protocol.TypeCircuitProposalRejected,
		func(ctx context.Context, mc dispatch.Context, msg *protocol.CircuitProposalRejected) error {
			from, err := peerOf(mc)
			if err != nil {
				return err
			}
			return n.manager.HandleRejected(ctx, from, msg)
		})
	dispatch.Register(n.dispatcher, protocol.TypeCircuitCommitNotification,
		func(ctx context.Context, mc dispatch.Context, msg *protocol.CircuitCommitNotification) error {
			// every member decides on its own; a peer's notice is informational
			n.logger.Debug("Peer reported commit",
				zap.String("peer_id", mc.PeerID),
				zap.String("circuit_id", string(msg.CircuitID)),
				zap.Bool("committed_here", n.dir.Routable(msg.CircuitID)))
			return nil
		})
}

func peerOf(mc dispatch.Context) (types.NodeID, error) {
	if mc.PeerID == "" {
		return "", fmt.Errorf("%w: connection %d", ErrUnidentifiedPeer, mc.ConnectionID)
	}
	return types.NodeID(mc.PeerID), nil
}

func (n *Node) dropConnection(id uint64, reason string, fields ...zap.Field) {
	n.logger.Named("audit").Warn(reason, append(fields, zap.Uint64("connection_id", id))...)
	go n.mesh.RemoveConnection(id)
}

// handleHello binds the connection to the node the peer claims to be. A
// claim contradicting an earlier binding or a certificate drops the
// connection.
func (n *Node) handleHello(ctx context.Context, mc dispatch.Context, hello *protocol.PeerHello) error {
	if hello.ProtocolVersion != protocol.ProtocolVersion {
		n.dropConnection(mc.ConnectionID, "Unsupported protocol version",
			zap.Uint32("version", hello.ProtocolVersion))
		return fmt.Errorf("unsupported protocol version %d", hello.ProtocolVersion)
	}
	if hello.NodeID == "" {
		n.dropConnection(mc.ConnectionID, "Hello without node id")
		return fmt.Errorf("%w: empty node id", ErrUnidentifiedPeer)
	}
	if mc.PeerID != "" && mc.PeerID != string(hello.NodeID) {
		n.dropConnection(mc.ConnectionID, "Peer identity mismatch",
			zap.String("bound", mc.PeerID),
			zap.String("claimed", string(hello.NodeID)))
		return fmt.Errorf("%w: bound to %s, claims %s", ErrPeerMismatch, mc.PeerID, hello.NodeID)
	}
	if _, ok := n.keys.Lookup(string(hello.NodeID)); !ok {
		n.dropConnection(mc.ConnectionID, "Hello from unknown node",
			zap.String("claimed", string(hello.NodeID)))
		return fmt.Errorf("%w: no key registered for %s", ErrUnidentifiedPeer, hello.NodeID)
	}

	if err := n.mesh.BindPeer(mc.ConnectionID, string(hello.NodeID)); err != nil {
		return err
	}
	n.logger.Info("Peer identified",
		zap.String("peer_id", string(hello.NodeID)),
		zap.Uint64("connection_id", mc.ConnectionID),
		zap.Strings("endpoints", hello.Endpoints))
	if hello.NodeID != n.nodeID {
		n.ensurePeer(hello.NodeID, hello.Endpoints)
	}
	return nil
}

// handleCreateRequest serves two callers: peers forwarding a proposal they
// initiated, and local tools connected as this node submitting one. The
// latter get the outcome sent back on their connection.
func (n *Node) handleCreateRequest(ctx context.Context, mc dispatch.Context, req *protocol.CircuitCreateRequest) error {
	from, err := peerOf(mc)
	if err != nil {
		return err
	}

	if req.RequesterNodeID == n.nodeID {
		if from != n.nodeID {
			return fmt.Errorf("%w: %s relayed a request signed by this node", consensus.ErrUnauthorized, from)
		}
		return n.submitForClient(ctx, mc.ConnectionID, req)
	}

	n.learnMembers(&req.Circuit)
	return n.manager.HandleCreateRequest(ctx, from, req)
}

func (n *Node) submitForClient(ctx context.Context, connID uint64, req *protocol.CircuitCreateRequest) error {
	n.learnMembers(&req.Circuit)
	h, err := n.manager.SubmitCircuitProposal(ctx, req)
	if err != nil {
		n.reply(connID, &protocol.CircuitProposalRejected{
			ProposalID: req.ProposalID(),
			CircuitID:  req.Circuit.ID,
			NodeID:     n.nodeID,
			Reason:     types.RejectNone,
			Detail:     err.Error(),
		})
		return err
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		out, err := h.Wait(n.ctx)
		if err != nil {
			return
		}
		if out.State == types.ProposalCommitted {
			n.reply(connID, &protocol.CircuitCommitNotification{ProposalID: h.ID, CircuitID: h.CircuitID})
			return
		}
		n.reply(connID, &protocol.CircuitProposalRejected{
			ProposalID: h.ID,
			CircuitID:  h.CircuitID,
			NodeID:     n.nodeID,
			Reason:     out.Reason,
		})
	}()
	return nil
}

func (n *Node) reply(connID uint64, msg protocol.Message) {
	payload, err := protocol.Encode(msg)
	if err == nil {
		err = n.mesh.Send(mesh.Envelope{ConnectionID: connID, Payload: payload})
	}
	if err != nil {
		n.logger.Debug("Failed to reply",
			zap.Uint64("connection_id", connID),
			zap.Stringer("type", msg.Type()),
			zap.Error(err))
	}
}
