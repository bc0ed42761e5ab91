package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"circuitmesh/pkg/auth"
)

const defaultHandshakeTimeout = 10 * time.Second

// StreamTransport frames payloads over TCP, optionally wrapped in TLS.
type StreamTransport struct {
	scheme           string
	tlsConfig        *tls.Config
	dialer           net.Dialer
	handshakeTimeout time.Duration
	logger           *zap.Logger
}

// NewTCPTransport creates the plain tcp:// transport
func NewTCPTransport(logger *zap.Logger) *StreamTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamTransport{
		scheme:           "tcp",
		dialer:           net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
		handshakeTimeout: defaultHandshakeTimeout,
		logger:           logger,
	}
}

// NewTLSTransport creates the tls:// transport. cfg is used on both sides
// and should come from auth.TLSConfigBuilder.BuildPeerConfig.
func NewTLSTransport(cfg *tls.Config, logger *zap.Logger) (*StreamTransport, error) {
	if cfg == nil {
		return nil, auth.ErrTLSDisabled
	}
	t := NewTCPTransport(logger)
	t.scheme = "tls"
	t.tlsConfig = cfg
	return t, nil
}

func (t *StreamTransport) Connect(ctx context.Context, endpoint string) (Connection, error) {
	address, err := t.address(endpoint)
	if err != nil {
		return nil, err
	}

	raw, err := t.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}

	if t.tlsConfig == nil {
		return newStreamConn(raw, t.scheme, ""), nil
	}

	cfg := t.tlsConfig.Clone()
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err == nil {
			cfg.ServerName = host
		}
	}
	conn := tls.Client(raw, cfg)
	hsCtx, cancel := context.WithTimeout(ctx, t.handshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hsCtx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake with %s failed: %w", endpoint, err)
	}
	return newStreamConn(conn, t.scheme, auth.PeerNodeID(conn.ConnectionState())), nil
}

func (t *StreamTransport) Listen(endpoint string) (Listener, error) {
	address, err := t.address(endpoint)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", endpoint, err)
	}
	return &streamListener{transport: t, ln: ln}, nil
}

func (t *StreamTransport) address(endpoint string) (string, error) {
	scheme, address, err := SplitEndpoint(endpoint)
	if err != nil {
		return "", err
	}
	if scheme != t.scheme {
		return "", fmt.Errorf("%w: %s transport cannot handle %s", ErrUnsupportedScheme, t.scheme, endpoint)
	}
	return address, nil
}

type streamListener struct {
	transport *StreamTransport
	ln        net.Listener
}

// Accept returns the next connection. Failed TLS handshakes are logged and
// skipped rather than returned, so one bad peer cannot stop the accept loop.
func (l *streamListener) Accept() (Connection, error) {
	for {
		raw, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, err
		}

		if l.transport.tlsConfig == nil {
			return newStreamConn(raw, l.transport.scheme, ""), nil
		}

		conn := tls.Server(raw, l.transport.tlsConfig)
		ctx, cancel := context.WithTimeout(context.Background(), l.transport.handshakeTimeout)
		err = conn.HandshakeContext(ctx)
		cancel()
		if err != nil {
			l.transport.logger.Warn("Rejected inbound TLS connection",
				zap.String("remote", raw.RemoteAddr().String()),
				zap.Error(err))
			raw.Close()
			continue
		}
		return newStreamConn(conn, l.transport.scheme, auth.PeerNodeID(conn.ConnectionState())), nil
	}
}

func (l *streamListener) Close() error {
	return l.ln.Close()
}

func (l *streamListener) Endpoint() string {
	return l.transport.scheme + "://" + l.ln.Addr().String()
}

type streamConn struct {
	conn     net.Conn
	reader   *bufio.Reader
	endpoint string
	identity string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newStreamConn(conn net.Conn, scheme, identity string) *streamConn {
	return &streamConn{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		endpoint: scheme + "://" + conn.RemoteAddr().String(),
		identity: identity,
	}
}

func (c *streamConn) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.conn, payload)
}

func (c *streamConn) Recv() ([]byte, error) {
	return ReadFrame(c.reader)
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *streamConn) RemoteEndpoint() string { return c.endpoint }
func (c *streamConn) PeerIdentity() string   { return c.identity }
