package node

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"circuitmesh/pkg/mesh"
	"circuitmesh/pkg/protocol"
	"circuitmesh/pkg/transport"
	"circuitmesh/pkg/types"
)

// connWatches lets loops wait for a particular connection to go away.
type connWatches struct {
	mu      sync.Mutex
	waiters map[uint64]chan struct{}
}

func newConnWatches() *connWatches {
	return &connWatches{waiters: make(map[uint64]chan struct{})}
}

func (w *connWatches) watch(id uint64) <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.waiters[id]
	if !ok {
		ch = make(chan struct{})
		w.waiters[id] = ch
	}
	return ch
}

func (w *connWatches) removed(info mesh.ConnectionInfo, _ string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ch, ok := w.waiters[info.ID]; ok {
		close(ch)
		delete(w.waiters, info.ID)
	}
}

// waitGone blocks until connection id is removed or ctx is done.
func (n *Node) waitGone(ctx context.Context, id uint64) {
	gone := n.watches.watch(id)
	if _, err := n.mesh.Outgoing(id); err != nil {
		// removed before the watch was registered
		n.watches.removed(mesh.ConnectionInfo{ID: id}, "")
		return
	}
	select {
	case <-gone:
	case <-ctx.Done():
	}
}

func (n *Node) acceptLoop(l transport.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if n.ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			n.logger.Warn("Failed to accept connection",
				zap.String("endpoint", l.Endpoint()),
				zap.Error(err))
			continue
		}
		if _, err := n.addConnection(conn); err != nil {
			n.logger.Debug("Dropped accepted connection", zap.Error(err))
			conn.Close()
			if errors.Is(err, mesh.ErrMeshClosed) {
				return
			}
		}
	}
}

// addConnection registers conn with the mesh and greets the peer.
func (n *Node) addConnection(conn transport.Connection) (uint64, error) {
	id, err := n.mesh.AddConnection(conn)
	if err != nil {
		return 0, err
	}

	payload, err := protocol.Encode(&protocol.PeerHello{
		NodeID:          n.nodeID,
		Endpoints:       n.Endpoints(),
		ProtocolVersion: protocol.ProtocolVersion,
	})
	if err == nil {
		err = n.mesh.Send(mesh.Envelope{ConnectionID: id, Payload: payload})
	}
	if err != nil {
		n.logger.Warn("Failed to send hello", zap.Uint64("connection_id", id), zap.Error(err))
		n.mesh.RemoveConnection(id)
		return 0, err
	}
	return id, nil
}

// learnMembers makes sure this node keeps a connection to every member of c.
func (n *Node) learnMembers(c *types.Circuit) {
	for _, m := range c.Members {
		if m.ID != n.nodeID {
			n.ensurePeer(m.ID, m.Endpoints)
		}
	}
}

// ensurePeer starts a dial loop for nodeID unless one is running.
func (n *Node) ensurePeer(nodeID types.NodeID, endpoints []string) {
	if len(endpoints) == 0 {
		return
	}

	n.mu.Lock()
	if n.ctx == nil || n.ctx.Err() != nil || n.dialing[nodeID] {
		n.mu.Unlock()
		return
	}
	n.dialing[nodeID] = true
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		n.maintainPeer(nodeID, append([]string(nil), endpoints...))
	}()
}

// maintainPeer keeps at least one connection to nodeID, dialing its
// endpoints in turn with capped exponential backoff between failures.
func (n *Node) maintainPeer(nodeID types.NodeID, endpoints []string) {
	ctx := n.ctx
	logger := n.logger.With(zap.String("peer_id", string(nodeID)))
	attempt := 0

	for ctx.Err() == nil {
		if ids := n.mesh.ConnectionsFor(string(nodeID)); len(ids) > 0 {
			attempt = 0
			n.waitGone(ctx, ids[0])
			continue
		}

		endpoint := endpoints[attempt%len(endpoints)]
		n.metrics.DialAttempts.Inc()
		dialCtx, cancel := context.WithTimeout(ctx, n.cfg.Dial.Timeout.Std())
		conn, err := n.transport.Connect(dialCtx, endpoint)
		cancel()
		if err != nil {
			n.metrics.DialFailures.Inc()
			logger.Debug("Failed to dial peer",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			if n.backoff.Sleep(ctx, attempt) != nil {
				return
			}
			attempt++
			continue
		}

		if proven := conn.PeerIdentity(); proven != "" && proven != string(nodeID) {
			n.metrics.DialFailures.Inc()
			logger.Warn("Dialed endpoint belongs to another node",
				zap.String("endpoint", endpoint),
				zap.String("certificate_node_id", proven))
			conn.Close()
			if n.backoff.Sleep(ctx, attempt) != nil {
				return
			}
			attempt++
			continue
		}

		id, err := n.addConnection(conn)
		if err != nil {
			conn.Close()
			if errors.Is(err, mesh.ErrMeshClosed) || n.backoff.Sleep(ctx, attempt) != nil {
				return
			}
			attempt++
			continue
		}
		// the hello from the other side confirms this binding
		if err := n.mesh.BindPeer(id, string(nodeID)); err != nil {
			continue
		}
		logger.Info("Connected to peer",
			zap.String("endpoint", endpoint),
			zap.Uint64("connection_id", id))
		attempt = 0
		n.waitGone(ctx, id)
	}
}
