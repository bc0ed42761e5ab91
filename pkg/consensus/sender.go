package consensus

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"circuitmesh/pkg/mesh"
	"circuitmesh/pkg/metrics"
	"circuitmesh/pkg/protocol"
	"circuitmesh/pkg/types"
	"circuitmesh/pkg/utils"
)

// Network delivers encoded payloads to member nodes.
type Network interface {
	SendToNode(nodeID types.NodeID, payload []byte) error
}

// sender pushes consensus messages to peers. A full queue or a missing
// connection is retried in the background with backoff; once a send has been
// handed to the network it is never withdrawn.
type sender struct {
	network     Network
	backoff     utils.Backoff
	maxAttempts int
	logger      *zap.Logger
	metrics     *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSender(network Network, backoff utils.Backoff, maxAttempts int, logger *zap.Logger, m *metrics.Metrics) *sender {
	ctx, cancel := context.WithCancel(context.Background())
	return &sender{
		network:     network,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		logger:      logger,
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func retryable(err error) bool {
	return errors.Is(err, mesh.ErrQueueFull) || errors.Is(err, mesh.ErrDisconnected)
}

// send encodes msg and delivers it to every node in to.
func (s *sender) send(msg protocol.Message, to ...types.NodeID) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("Failed to encode consensus message", zap.Stringer("type", msg.Type()), zap.Error(err))
		return
	}
	for _, node := range to {
		s.deliver(node, msg.Type(), payload)
	}
}

func (s *sender) deliver(node types.NodeID, t protocol.MessageType, payload []byte) {
	err := s.network.SendToNode(node, payload)
	if err == nil {
		return
	}
	if !retryable(err) || s.maxAttempts <= 1 {
		s.logger.Debug("Consensus message not delivered",
			zap.String("node_id", string(node)),
			zap.Stringer("type", t),
			zap.Error(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.retry(node, t, payload)
	}()
}

func (s *sender) retry(node types.NodeID, t protocol.MessageType, payload []byte) {
	var err error
	for attempt := 0; attempt < s.maxAttempts-1; attempt++ {
		if s.backoff.Sleep(s.ctx, attempt) != nil {
			return
		}
		s.metrics.SendRetries.Inc()
		err = s.network.SendToNode(node, payload)
		if err == nil {
			return
		}
		if !retryable(err) {
			break
		}
		s.logger.Debug("Consensus send failed, retrying",
			zap.String("node_id", string(node)),
			zap.Stringer("type", t),
			zap.Int("attempt", attempt+2),
			zap.Error(err))
	}
	s.logger.Warn("Giving up on consensus message",
		zap.String("node_id", string(node)),
		zap.Stringer("type", t),
		zap.Error(err))
}

func (s *sender) stop() {
	s.cancel()
	s.wg.Wait()
}
