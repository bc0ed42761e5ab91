package transport

import (
	"fmt"

	"go.uber.org/zap"

	"circuitmesh/pkg/auth"
)

// NewDefault registers tcp://, inproc:// and grpc:// and, when authCfg
// enables TLS, tls:// with grpc:// upgraded to mutual TLS.
func NewDefault(authCfg *auth.AuthConfig, logger *zap.Logger) (*MultiTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	mt := NewMultiTransport()
	mt.Register("tcp", NewTCPTransport(logger.Named("tcp")))
	mt.Register("inproc", NewInprocTransport())

	if authCfg == nil || !authCfg.Enabled {
		mt.Register("grpc", NewGRPCTransport(nil, logger.Named("grpc")))
		return mt, nil
	}

	builder, err := auth.NewTLSConfigBuilder(authCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	peerCfg, err := builder.BuildPeerConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build peer TLS config: %w", err)
	}
	tlsTransport, err := NewTLSTransport(peerCfg, logger.Named("tls"))
	if err != nil {
		return nil, err
	}
	mt.Register("tls", tlsTransport)
	mt.Register("grpc", NewGRPCTransport(peerCfg, logger.Named("grpc")))
	return mt, nil
}
