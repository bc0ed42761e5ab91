package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
)

const inprocBuffer = 64

// InprocTransport connects endpoints inside one process over channels. Each
// InprocTransport is its own namespace of inproc:// names.
type InprocTransport struct {
	mu        sync.Mutex
	listeners map[string]*inprocListener
}

// NewInprocTransport creates an empty in-process namespace
func NewInprocTransport() *InprocTransport {
	return &InprocTransport{listeners: make(map[string]*inprocListener)}
}

func (t *InprocTransport) Listen(endpoint string) (Listener, error) {
	name, err := inprocName(endpoint)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.listeners[name]; exists {
		return nil, fmt.Errorf("inproc endpoint %s already in use", endpoint)
	}
	l := &inprocListener{
		transport: t,
		name:      name,
		pending:   make(chan *inprocConn),
		closed:    make(chan struct{}),
	}
	t.listeners[name] = l
	return l, nil
}

func (t *InprocTransport) Connect(ctx context.Context, endpoint string) (Connection, error) {
	return t.ConnectAs(ctx, endpoint, "", "")
}

// ConnectAs connects while asserting identities for both sides, standing in
// for what a certificate would prove on a real transport. localID is what
// the listener sees; remoteID is what the dialer sees.
func (t *InprocTransport) ConnectAs(ctx context.Context, endpoint, localID, remoteID string) (Connection, error) {
	name, err := inprocName(endpoint)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	l, ok := t.listeners[name]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("failed to dial %s: no listener", endpoint)
	}

	dialer, acceptor := newPipe(endpoint, "inproc://client", remoteID, localID)
	select {
	case l.pending <- acceptor:
		return dialer, nil
	case <-l.closed:
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func inprocName(endpoint string) (string, error) {
	scheme, name, err := SplitEndpoint(endpoint)
	if err != nil {
		return "", err
	}
	if scheme != "inproc" {
		return "", fmt.Errorf("%w: inproc transport cannot handle %s", ErrUnsupportedScheme, endpoint)
	}
	return name, nil
}

type inprocListener struct {
	transport *InprocTransport
	name      string
	pending   chan *inprocConn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *inprocListener) Accept() (Connection, error) {
	select {
	case c := <-l.pending:
		return c, nil
	case <-l.closed:
		return nil, ErrClosed
	}
}

func (l *inprocListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.transport.mu.Lock()
		delete(l.transport.listeners, l.name)
		l.transport.mu.Unlock()
	})
	return nil
}

func (l *inprocListener) Endpoint() string { return "inproc://" + l.name }

// Pipe returns two connected in-memory connections. aIdentity is what a
// reports as its peer identity, and likewise for b.
func Pipe(aEndpoint, bEndpoint, aIdentity, bIdentity string) (Connection, Connection) {
	return newPipe(aEndpoint, bEndpoint, aIdentity, bIdentity)
}

func newPipe(aEndpoint, bEndpoint, aIdentity, bIdentity string) (*inprocConn, *inprocConn) {
	abData := make(chan []byte, inprocBuffer)
	baData := make(chan []byte, inprocBuffer)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a := &inprocConn{in: baData, out: abData, closed: aClosed, remoteClosed: bClosed, endpoint: aEndpoint, identity: aIdentity}
	b := &inprocConn{in: abData, out: baData, closed: bClosed, remoteClosed: aClosed, endpoint: bEndpoint, identity: bIdentity}
	return a, b
}

type inprocConn struct {
	in           <-chan []byte
	out          chan<- []byte
	closed       chan struct{}
	remoteClosed <-chan struct{}
	closeOnce    sync.Once
	endpoint     string
	identity     string
}

func (c *inprocConn) Send(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := append([]byte(nil), payload...)
	select {
	case <-c.closed:
		return ErrClosed
	case <-c.remoteClosed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.out <- buf:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-c.remoteClosed:
		return io.ErrClosedPipe
	}
}

// Recv drains frames already in flight before reporting the remote close.
func (c *inprocConn) Recv() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-c.remoteClosed:
		select {
		case b := <-c.in:
			return b, nil
		default:
			return nil, io.EOF
		}
	}
}

func (c *inprocConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *inprocConn) RemoteEndpoint() string { return c.endpoint }
func (c *inprocConn) PeerIdentity() string   { return c.identity }
