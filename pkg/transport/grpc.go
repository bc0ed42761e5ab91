package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"circuitmesh/pkg/auth"
)

const meshStreamMethod = "/circuitmesh.Mesh/Connect"

// meshStreamer is implemented by grpcListener; the stream handler below
// hands every inbound Connect stream to it.
type meshStreamer interface {
	serveStream(stream grpc.ServerStream) error
}

var meshServiceDesc = grpc.ServiceDesc{
	ServiceName: "circuitmesh.Mesh",
	HandlerType: (*meshStreamer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       meshConnectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "circuitmesh/mesh.proto",
}

func meshConnectHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(meshStreamer).serveStream(stream)
}

// GRPCTransport carries each mesh connection as one bidirectional gRPC
// stream of BytesValue frames.
type GRPCTransport struct {
	tlsConfig *tls.Config
	logger    *zap.Logger
}

// NewGRPCTransport creates the grpc:// transport. A nil cfg runs without TLS.
func NewGRPCTransport(cfg *tls.Config, logger *zap.Logger) *GRPCTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCTransport{tlsConfig: cfg, logger: logger}
}

func (t *GRPCTransport) address(endpoint string) (string, error) {
	scheme, address, err := SplitEndpoint(endpoint)
	if err != nil {
		return "", err
	}
	if scheme != "grpc" {
		return "", fmt.Errorf("%w: grpc transport cannot handle %s", ErrUnsupportedScheme, endpoint)
	}
	return address, nil
}

func (t *GRPCTransport) Connect(ctx context.Context, endpoint string) (Connection, error) {
	address, err := t.address(endpoint)
	if err != nil {
		return nil, err
	}

	conn := &grpcClientConn{endpoint: endpoint}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxFrameSize+64),
			grpc.MaxCallSendMsgSize(MaxFrameSize+64),
		),
	}
	if t.tlsConfig != nil {
		cfg := t.tlsConfig.Clone()
		if cfg.ServerName == "" {
			if host, _, err := net.SplitHostPort(address); err == nil {
				cfg.ServerName = host
			}
		}
		// a dedicated ClientConn backs each mesh connection, so the last
		// verified handshake is the identity of this connection
		cfg.VerifyConnection = func(state tls.ConnectionState) error {
			conn.setIdentity(auth.PeerNodeID(state))
			return nil
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(cfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	cc, err := grpc.DialContext(ctx, address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := cc.NewStream(streamCtx, &meshServiceDesc.Streams[0], meshStreamMethod, grpc.WaitForReady(true))
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		cc.Close()
		return nil, fmt.Errorf("failed to open mesh stream to %s: %w", endpoint, err)
	}

	conn.cc = cc
	conn.stream = stream
	conn.cancel = cancel
	return conn, nil
}

func (t *GRPCTransport) Listen(endpoint string) (Listener, error) {
	address, err := t.address(endpoint)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", endpoint, err)
	}

	serverOpts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(MaxFrameSize + 64),
		grpc.MaxSendMsgSize(MaxFrameSize + 64),
		grpc.StreamInterceptor(auth.StreamIdentityInterceptor(t.tlsConfig != nil)),
	}
	if t.tlsConfig != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(t.tlsConfig)))
	}

	l := &grpcListener{
		ln:       ln,
		server:   grpc.NewServer(serverOpts...),
		accepted: make(chan *grpcServerConn),
		closed:   make(chan struct{}),
		logger:   t.logger,
	}
	l.server.RegisterService(&meshServiceDesc, l)

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			l.logger.Warn("gRPC mesh listener stopped", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}()
	return l, nil
}

type grpcListener struct {
	ln        net.Listener
	server    *grpc.Server
	accepted  chan *grpcServerConn
	closed    chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func (l *grpcListener) serveStream(stream grpc.ServerStream) error {
	identity := ""
	if id, ok := auth.IdentityFromContext(stream.Context()); ok {
		identity = id.NodeID
	}

	remote := "unknown"
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		remote = p.Addr.String()
	}

	conn := &grpcServerConn{
		stream:   stream,
		identity: identity,
		endpoint: "grpc://" + remote,
		done:     make(chan struct{}),
	}

	select {
	case l.accepted <- conn:
	case <-l.closed:
		return status.Error(codes.Unavailable, "listener closed")
	case <-stream.Context().Done():
		return stream.Context().Err()
	}

	select {
	case <-conn.done:
	case <-stream.Context().Done():
	case <-l.closed:
	}
	return nil
}

func (l *grpcListener) Accept() (Connection, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-l.closed:
		return nil, ErrClosed
	}
}

func (l *grpcListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.server.Stop()
	})
	return nil
}

func (l *grpcListener) Endpoint() string {
	return "grpc://" + l.ln.Addr().String()
}

type grpcServerConn struct {
	stream    grpc.ServerStream
	identity  string
	endpoint  string
	sendMu    sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *grpcServerConn) Send(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(wrapperspb.Bytes(payload))
}

func (c *grpcServerConn) Recv() ([]byte, error) {
	msg := new(wrapperspb.BytesValue)
	if err := c.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg.GetValue(), nil
}

// Close ends the server handler, which terminates the stream.
func (c *grpcServerConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *grpcServerConn) RemoteEndpoint() string { return c.endpoint }
func (c *grpcServerConn) PeerIdentity() string   { return c.identity }

type grpcClientConn struct {
	cc       *grpc.ClientConn
	stream   grpc.ClientStream
	cancel   context.CancelFunc
	endpoint string

	mu       sync.Mutex
	identity string

	sendMu    sync.Mutex
	closeOnce sync.Once
}

func (c *grpcClientConn) setIdentity(id string) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

func (c *grpcClientConn) Send(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(wrapperspb.Bytes(payload))
}

func (c *grpcClientConn) Recv() ([]byte, error) {
	msg := new(wrapperspb.BytesValue)
	if err := c.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg.GetValue(), nil
}

func (c *grpcClientConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		_ = c.stream.CloseSend()
		c.sendMu.Unlock()
		c.cancel()
		err = c.cc.Close()
	})
	return err
}

func (c *grpcClientConn) RemoteEndpoint() string { return c.endpoint }

func (c *grpcClientConn) PeerIdentity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}
