// Package transport provides the framed, bidirectional connections the mesh
// is built on. Each variant is selected by the scheme of an endpoint URL:
// tcp://, tls://, grpc:// and inproc://.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrClosed            = errors.New("connection closed")
	ErrFrameTooLarge     = errors.New("frame exceeds maximum size")
	ErrEmptyFrame        = errors.New("empty frame")
	ErrUnsupportedScheme = errors.New("unsupported endpoint scheme")
)

// Connection carries discrete payloads in order. Send and Recv may be used
// from different goroutines, but each must have a single caller at a time.
type Connection interface {
	Send(payload []byte) error
	Recv() ([]byte, error)
	Close() error
	RemoteEndpoint() string
	// PeerIdentity is the node id proven by the transport (a verified
	// certificate), or "" when the transport proves nothing.
	PeerIdentity() string
}

type Listener interface {
	Accept() (Connection, error)
	Close() error
	// Endpoint is the URL peers can dial, including the bound port.
	Endpoint() string
}

type Transport interface {
	Connect(ctx context.Context, endpoint string) (Connection, error)
	Listen(endpoint string) (Listener, error)
}

// SplitEndpoint splits "scheme://address".
func SplitEndpoint(endpoint string) (scheme, address string, err error) {
	scheme, address, ok := strings.Cut(endpoint, "://")
	if !ok || scheme == "" || address == "" {
		return "", "", fmt.Errorf("invalid endpoint %q: expected scheme://address", endpoint)
	}
	return strings.ToLower(scheme), address, nil
}

// MultiTransport routes Connect and Listen to the transport registered for
// the endpoint's scheme.
type MultiTransport struct {
	transports map[string]Transport
}

// NewMultiTransport creates an empty MultiTransport
func NewMultiTransport() *MultiTransport {
	return &MultiTransport{transports: make(map[string]Transport)}
}

// Register binds scheme to t. It is not safe to call concurrently with
// Connect or Listen.
func (m *MultiTransport) Register(scheme string, t Transport) {
	m.transports[strings.ToLower(scheme)] = t
}

func (m *MultiTransport) Schemes() []string {
	out := make([]string, 0, len(m.transports))
	for s := range m.transports {
		out = append(out, s)
	}
	return out
}

func (m *MultiTransport) lookup(endpoint string) (Transport, error) {
	scheme, _, err := SplitEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	t, ok := m.transports[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
	return t, nil
}

func (m *MultiTransport) Connect(ctx context.Context, endpoint string) (Connection, error) {
	t, err := m.lookup(endpoint)
	if err != nil {
		return nil, err
	}
	return t.Connect(ctx, endpoint)
}

func (m *MultiTransport) Listen(endpoint string) (Listener, error) {
	t, err := m.lookup(endpoint)
	if err != nil {
		return nil, err
	}
	return t.Listen(endpoint)
}
