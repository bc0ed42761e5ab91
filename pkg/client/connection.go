// Package client submits circuit proposals to a running node on behalf of
// an operator holding that node's signing key.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"circuitmesh/pkg/auth"
	"circuitmesh/pkg/protocol"
	"circuitmesh/pkg/transport"
	"circuitmesh/pkg/types"
)

var ErrClosed = errors.New("client closed")

// Result is the outcome a node reports for a submitted proposal.
type Result struct {
	ProposalID types.ProposalID
	CircuitID  types.CircuitID
	Committed  bool
	Reason     types.RejectReason
	// Detail carries the node's error when it refused the request outright.
	Detail string
}

// Client is a connection to a node that identifies as that node. Only a
// holder of the node's signing key can get a request accepted.
type Client struct {
	conn   transport.Connection
	signer auth.Signer
	logger *zap.Logger

	mu      sync.Mutex
	waiters map[types.ProposalID]chan Result
	err     error
	done    chan struct{}
}

// Dial connects to endpoint and greets the node.
func Dial(ctx context.Context, tr transport.Transport, endpoint string, signer auth.Signer, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := tr.Connect(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	if id := conn.PeerIdentity(); id != "" && id != signer.NodeID() {
		conn.Close()
		return nil, fmt.Errorf("endpoint %s belongs to %s, not %s", endpoint, id, signer.NodeID())
	}

	c := &Client{
		conn:    conn,
		signer:  signer,
		logger:  logger,
		waiters: make(map[types.ProposalID]chan Result),
		done:    make(chan struct{}),
	}
	if err := c.send(&protocol.PeerHello{
		NodeID:          types.NodeID(signer.NodeID()),
		ProtocolVersion: protocol.ProtocolVersion,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) send(msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.conn.Send(payload)
}

// Propose signs circuit as a request from the node and waits for the
// outcome.
func (c *Client) Propose(ctx context.Context, circuit types.Circuit) (Result, error) {
	req := &protocol.CircuitCreateRequest{
		Circuit:         circuit,
		RequesterNodeID: types.NodeID(c.signer.NodeID()),
	}
	sig, err := c.signer.Sign(req.SigningBytes())
	if err != nil {
		return Result{}, fmt.Errorf("failed to sign request: %w", err)
	}
	req.Signature = sig
	req.PublicKey = c.signer.PublicKey()

	pid := req.ProposalID()
	ch := make(chan Result, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Result{}, err
	}
	c.waiters[pid] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, pid)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return Result{}, fmt.Errorf("failed to send request: %w", err)
	}
	c.logger.Debug("Submitted proposal",
		zap.String("proposal_id", string(pid)),
		zap.String("circuit_id", string(circuit.ID)))

	select {
	case res := <-ch:
		return res, nil
	case <-c.done:
		return Result{}, c.closeErr()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		payload, err := c.conn.Recv()
		if err != nil {
			c.mu.Lock()
			if c.err == nil {
				c.err = fmt.Errorf("connection lost: %w", err)
			}
			c.mu.Unlock()
			return
		}

		res, ok, err := decodeResult(payload)
		if err != nil {
			c.logger.Debug("Ignoring undecodable message", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		c.mu.Lock()
		ch := c.waiters[res.ProposalID]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- res:
			default:
			}
		}
	}
}

// decodeResult reports ok only for commit and rejection messages.
func decodeResult(payload []byte) (Result, bool, error) {
	mt, body, err := protocol.Decode(payload)
	if err != nil {
		return Result{}, false, err
	}
	switch mt {
	case protocol.TypeCircuitCommitNotification:
		var msg protocol.CircuitCommitNotification
		if err := msg.UnmarshalBinary(body); err != nil {
			return Result{}, false, err
		}
		return Result{ProposalID: msg.ProposalID, CircuitID: msg.CircuitID, Committed: true}, true, nil
	case protocol.TypeCircuitProposalRejected:
		var msg protocol.CircuitProposalRejected
		if err := msg.UnmarshalBinary(body); err != nil {
			return Result{}, false, err
		}
		return Result{
			ProposalID: msg.ProposalID,
			CircuitID:  msg.CircuitID,
			Reason:     msg.Reason,
			Detail:     msg.Detail,
		}, true, nil
	default:
		return Result{}, false, nil
	}
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close drops the connection. Pending Propose calls return an error.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.err == nil {
		c.err = ErrClosed
	}
	c.mu.Unlock()
	return c.conn.Close()
}
