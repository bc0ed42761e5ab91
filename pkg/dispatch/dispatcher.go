// Package dispatch decodes mesh envelopes into protocol messages and routes
// each one to the handler registered for its type.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"circuitmesh/pkg/mesh"
	"circuitmesh/pkg/metrics"
	"circuitmesh/pkg/protocol"
)

var (
	ErrHandlerNotFound = errors.New("no handler registered")
	ErrDeserialization = errors.New("failed to deserialize message")
)

// HandlerError wraps an error returned (or a panic raised) by a handler.
type HandlerError struct {
	Type protocol.MessageType
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler failed: %v", e.Type, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Context describes where a message came from.
type Context struct {
	ConnectionID uint64
	// PeerID is the node bound to the connection, empty until the peer has
	// been identified.
	PeerID string
	// Verified is set when the transport proved PeerID with a certificate.
	Verified    bool
	MessageType protocol.MessageType
}

// HandlerFunc handles one decoded message.
type HandlerFunc func(ctx context.Context, mc Context, msg protocol.Message) error

// PeerResolver maps a connection to the node bound to it.
type PeerResolver interface {
	PeerOf(connectionID uint64) (string, bool)
}

// VerifiedPeers is implemented by resolvers that know whether a binding was
// proven by the transport.
type VerifiedPeers interface {
	PeerVerified(connectionID uint64) bool
}

type route struct {
	decode func(body []byte) (protocol.Message, error)
	handle HandlerFunc
}

// Dispatcher holds at most one handler per message type.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[protocol.MessageType]route

	peers   PeerResolver
	logger  *zap.Logger
	audit   *zap.Logger
	metrics *metrics.Metrics
}

// New creates a dispatcher with no handlers. peers may be nil.
func New(peers PeerResolver, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Dispatcher{
		routes:  make(map[protocol.MessageType]route),
		peers:   peers,
		logger:  logger,
		audit:   logger.Named("audit"),
		metrics: m,
	}
}

// SetHandler registers h for t, replacing any earlier handler. The body is
// decoded with protocol.Unmarshal.
func (d *Dispatcher) SetHandler(t protocol.MessageType, h HandlerFunc) {
	d.setRoute(t, route{
		decode: func(body []byte) (protocol.Message, error) { return protocol.Unmarshal(t, body) },
		handle: h,
	})
}

// Register installs a typed handler for t, replacing any earlier handler.
func Register[M any, PM interface {
	*M
	protocol.Message
}](d *Dispatcher, t protocol.MessageType, fn func(ctx context.Context, mc Context, msg PM) error) {
	d.setRoute(t, route{
		decode: func(body []byte) (protocol.Message, error) {
			msg := PM(new(M))
			if err := msg.UnmarshalBinary(body); err != nil {
				return nil, err
			}
			return msg, nil
		},
		handle: func(ctx context.Context, mc Context, msg protocol.Message) error {
			typed, ok := msg.(PM)
			if !ok {
				return fmt.Errorf("unexpected message %T for %s", msg, t)
			}
			return fn(ctx, mc, typed)
		},
	})
}

func (d *Dispatcher) setRoute(t protocol.MessageType, r route) {
	d.mu.Lock()
	if _, exists := d.routes[t]; exists {
		d.logger.Debug("Replacing handler", zap.Stringer("type", t))
	}
	d.routes[t] = r
	d.mu.Unlock()
}

// RemoveHandler unregisters the handler for t.
func (d *Dispatcher) RemoveHandler(t protocol.MessageType) {
	d.mu.Lock()
	delete(d.routes, t)
	d.mu.Unlock()
}

// Dispatch decodes env and runs its handler synchronously. Decoding failures
// return ErrDeserialization, unknown tags ErrHandlerNotFound, and handler
// failures a *HandlerError.
func (d *Dispatcher) Dispatch(ctx context.Context, env mesh.Envelope) error {
	start := time.Now()
	defer func() { d.metrics.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	t, body, err := protocol.Decode(env.Payload)
	if err != nil {
		d.metrics.DispatchErrors.WithLabelValues("none", "deserialization").Inc()
		d.audit.Info("Dropped undecodable envelope",
			zap.Uint64("connection_id", env.ConnectionID),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrDeserialization, err)
	}

	d.mu.RLock()
	r, ok := d.routes[t]
	d.mu.RUnlock()
	if !ok {
		d.metrics.DispatchErrors.WithLabelValues(t.String(), "no_handler").Inc()
		d.audit.Info("Dropped message without handler",
			zap.Uint64("connection_id", env.ConnectionID),
			zap.Stringer("type", t))
		return fmt.Errorf("%w for %s", ErrHandlerNotFound, t)
	}

	msg, err := r.decode(body)
	if err != nil {
		d.metrics.DispatchErrors.WithLabelValues(t.String(), "deserialization").Inc()
		d.audit.Info("Dropped malformed message",
			zap.Uint64("connection_id", env.ConnectionID),
			zap.Stringer("type", t),
			zap.Error(err))
		return fmt.Errorf("%w: %s: %v", ErrDeserialization, t, err)
	}

	mc := Context{ConnectionID: env.ConnectionID, MessageType: t}
	if d.peers != nil {
		mc.PeerID, _ = d.peers.PeerOf(env.ConnectionID)
		if v, ok := d.peers.(VerifiedPeers); ok && mc.PeerID != "" {
			mc.Verified = v.PeerVerified(env.ConnectionID)
		}
	}

	if err := d.invoke(ctx, r.handle, mc, msg); err != nil {
		d.metrics.DispatchErrors.WithLabelValues(t.String(), "handler").Inc()
		return &HandlerError{Type: t, Err: err}
	}
	d.metrics.MessagesDispatched.WithLabelValues(t.String()).Inc()
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, h HandlerFunc, mc Context, msg protocol.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Handler panicked",
				zap.Stringer("type", mc.MessageType),
				zap.Uint64("connection_id", mc.ConnectionID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, mc, msg)
}
