// Package mesh keeps the registry of live peer connections. Every connection
// gets a bounded outgoing queue drained by a write pump, and a read pump that
// feeds one merged incoming stream.
package mesh

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"circuitmesh/pkg/metrics"
	"circuitmesh/pkg/transport"
)

var ErrMeshClosed = errors.New("mesh closed")

// Envelope is one payload read from a connection.
type Envelope struct {
	ConnectionID uint64
	Payload      []byte
}

// Config sizes the mesh queues
type Config struct {
	// IncomingCapacity bounds the merged incoming stream.
	IncomingCapacity int
	// OutgoingCapacity bounds each connection's outgoing queue.
	OutgoingCapacity int
	// FlushTimeout bounds how long a removed connection may spend writing
	// frames that were already queued.
	FlushTimeout time.Duration
}

// DefaultConfig returns the default queue sizes
func DefaultConfig() Config {
	return Config{
		IncomingCapacity: 1024,
		OutgoingCapacity: 256,
		FlushTimeout:     time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IncomingCapacity <= 0 {
		c.IncomingCapacity = d.IncomingCapacity
	}
	if c.OutgoingCapacity <= 0 {
		c.OutgoingCapacity = d.OutgoingCapacity
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = d.FlushTimeout
	}
	return c
}

// ConnectionInfo is a snapshot of one registered connection
type ConnectionInfo struct {
	ID       uint64    `json:"id"`
	PeerID   string    `json:"peer_id,omitempty"`
	Endpoint string    `json:"endpoint"`
	Queued   int       `json:"queued"`
	AddedAt  time.Time `json:"added_at"`
}

// RemoveHook is called after a connection leaves the mesh.
type RemoveHook func(info ConnectionInfo, reason string)

type entry struct {
	id         uint64
	conn       transport.Connection
	out        *Outgoing
	peer       string
	certified  string
	addedAt    time.Time
	writerDone chan struct{}
}

// Mesh is safe for concurrent use
type Mesh struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	conns map[uint64]*entry
	hooks []RemoveHook

	nextID    atomic.Uint64
	incoming  chan Envelope
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates an empty mesh
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Mesh {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Discard()
	}
	cfg = cfg.withDefaults()
	return &Mesh{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		conns:    make(map[uint64]*entry),
		incoming: make(chan Envelope, cfg.IncomingCapacity),
		closed:   make(chan struct{}),
	}
}

// AddConnection registers conn and starts its pumps. A certificate identity
// reported by the transport is bound as the connection's peer.
func (m *Mesh) AddConnection(conn transport.Connection) (uint64, error) {
	select {
	case <-m.closed:
		return 0, ErrMeshClosed
	default:
	}

	id := m.nextID.Add(1)
	e := &entry{
		id:   id,
		conn: conn,
		out: &Outgoing{
			id:      id,
			queue:   make(chan []byte, m.cfg.OutgoingCapacity),
			done:    make(chan struct{}),
			metrics: m.metrics,
		},
		peer:       conn.PeerIdentity(),
		certified:  conn.PeerIdentity(),
		addedAt:    time.Now(),
		writerDone: make(chan struct{}),
	}

	m.mu.Lock()
	m.conns[id] = e
	m.mu.Unlock()

	m.metrics.ConnectionsAdded.Inc()
	m.metrics.ConnectionsActive.Inc()
	m.logger.Debug("Connection added",
		zap.Uint64("connection_id", id),
		zap.String("endpoint", conn.RemoteEndpoint()),
		zap.String("peer_id", e.peer))

	m.wg.Add(2)
	go m.writePump(e)
	go m.readPump(e)
	return id, nil
}

// RemoveConnection unregisters a connection. Frames already queued get up to
// FlushTimeout to be written before the transport is closed; sends through
// any Outgoing handle for id fail with Disconnected from now on.
func (m *Mesh) RemoveConnection(id uint64) error {
	return m.remove(id, "removed", true)
}

func (m *Mesh) remove(id uint64, reason string, wait bool) error {
	m.mu.Lock()
	e, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	hooks := append([]RemoveHook(nil), m.hooks...)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	close(e.out.done)
	if wait {
		select {
		case <-e.writerDone:
		case <-time.After(m.cfg.FlushTimeout):
		}
	}
	if err := e.conn.Close(); err != nil {
		m.logger.Debug("Error closing connection", zap.Uint64("connection_id", id), zap.Error(err))
	}

	m.metrics.ConnectionsActive.Dec()
	m.metrics.ConnectionsRemoved.WithLabelValues(reason).Inc()
	m.logger.Debug("Connection removed",
		zap.Uint64("connection_id", id),
		zap.String("peer_id", e.peer),
		zap.String("reason", reason))

	info := ConnectionInfo{ID: id, PeerID: e.peer, Endpoint: e.conn.RemoteEndpoint(), AddedAt: e.addedAt}
	for _, hook := range hooks {
		hook(info, reason)
	}
	return nil
}

// OnRemove registers a hook run after every removal.
func (m *Mesh) OnRemove(hook RemoveHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, hook)
	m.mu.Unlock()
}

// Outgoing returns the send handle for a connection.
func (m *Mesh) Outgoing(id uint64) (*Outgoing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.conns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.out, nil
}

// Send enqueues env.Payload on env.ConnectionID without blocking.
func (m *Mesh) Send(env Envelope) error {
	out, err := m.Outgoing(env.ConnectionID)
	if err != nil {
		return &SendError{Kind: SendDisconnected, Payload: env.Payload, Err: err}
	}
	return out.Send(env.Payload)
}

// Incoming is the merged stream of envelopes from all connections. It is
// never closed; select on Done to observe shutdown.
func (m *Mesh) Incoming() <-chan Envelope {
	return m.incoming
}

// Done is closed when the mesh shuts down.
func (m *Mesh) Done() <-chan struct{} {
	return m.closed
}

// Recv waits for the next envelope.
func (m *Mesh) Recv(ctx context.Context) (Envelope, error) {
	select {
	case env := <-m.incoming:
		return env, nil
	case <-m.closed:
		return Envelope{}, ErrMeshClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// BindPeer records which node a connection belongs to.
func (m *Mesh) BindPeer(id uint64, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[id]
	if !ok {
		return ErrNotFound
	}
	e.peer = nodeID
	return nil
}

// PeerOf returns the node bound to a connection.
func (m *Mesh) PeerOf(id uint64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.conns[id]
	if !ok || e.peer == "" {
		return "", false
	}
	return e.peer, true
}

// PeerVerified reports whether the node bound to a connection is the one
// its transport certificate names. Bindings made only from a hello are not
// verified.
func (m *Mesh) PeerVerified(id uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.conns[id]
	return ok && e.certified != "" && e.peer == e.certified
}

// ConnectionsFor returns the ids of connections bound to nodeID, oldest
// first.
func (m *Mesh) ConnectionsFor(nodeID string) []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []uint64
	for id, e := range m.conns {
		if e.peer == nodeID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Connections returns a snapshot of all registered connections.
func (m *Mesh) Connections() []ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(m.conns))
	for _, e := range m.conns {
		out = append(out, ConnectionInfo{
			ID:       e.id,
			PeerID:   e.peer,
			Endpoint: e.conn.RemoteEndpoint(),
			Queued:   len(e.out.queue),
			AddedAt:  e.addedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close removes every connection and waits for all pumps to exit.
func (m *Mesh) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)

		m.mu.RLock()
		ids := make([]uint64, 0, len(m.conns))
		for id := range m.conns {
			ids = append(ids, id)
		}
		m.mu.RUnlock()

		for _, id := range ids {
			_ = m.remove(id, "closed", true)
		}
		m.wg.Wait()
	})
	return nil
}

func (m *Mesh) writePump(e *entry) {
	defer m.wg.Done()
	defer close(e.writerDone)

	for {
		select {
		case <-e.out.done:
			m.flush(e)
			return
		default:
		}

		select {
		case payload := <-e.out.queue:
			if !m.write(e, payload) {
				return
			}
		case <-e.out.done:
			m.flush(e)
			return
		}
	}
}

// flush writes what was queued before removal until the queue is empty or
// FlushTimeout has passed.
func (m *Mesh) flush(e *entry) {
	deadline := time.Now().Add(m.cfg.FlushTimeout)
	for time.Now().Before(deadline) {
		select {
		case payload := <-e.out.queue:
			if !m.write(e, payload) {
				return
			}
		default:
			return
		}
	}
}

func (m *Mesh) write(e *entry, payload []byte) bool {
	if err := e.conn.Send(payload); err != nil {
		e.out.setErr(err)
		m.logger.Debug("Connection write failed",
			zap.Uint64("connection_id", e.id),
			zap.Error(err))
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			_ = m.remove(e.id, "write_error", false)
		}()
		return false
	}
	m.metrics.FramesSent.Inc()
	return true
}

func (m *Mesh) readPump(e *entry) {
	defer m.wg.Done()

	for {
		payload, err := e.conn.Recv()
		if err != nil {
			reason := "read_error"
			if errors.Is(err, io.EOF) {
				reason = "eof"
			}
			select {
			case <-e.out.done:
			default:
				m.logger.Debug("Connection read ended",
					zap.Uint64("connection_id", e.id),
					zap.Error(err))
			}
			_ = m.remove(e.id, reason, true)
			return
		}
		m.metrics.FramesReceived.Inc()

		select {
		case m.incoming <- Envelope{ConnectionID: e.id, Payload: payload}:
		case <-e.out.done:
			return
		case <-m.closed:
			return
		}
	}
}
