package auth

import (
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfigBuilder turns an AuthConfig into the TLS settings mesh
// transports use.
type TLSConfigBuilder struct {
	config *AuthConfig
}

func NewTLSConfigBuilder(config *AuthConfig) (*TLSConfigBuilder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &TLSConfigBuilder{config: config}, nil
}

// BuildPeerConfig returns one configuration for both sides of a
// node-to-node connection. Both ends must present a certificate from the
// mesh CA. Returns nil when TLS is disabled.
func (b *TLSConfigBuilder) BuildPeerConfig() (*tls.Config, error) {
	if !b.config.Enabled {
		return nil, nil
	}

	cert, err := LoadEd25519KeyPair(b.config.CertPath, b.config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load node certificate: %w", err)
	}
	pool, err := loadCAPool(b.config.CAPath)
	if err != nil {
		return nil, err
	}

	minVersion := uint16(tls.VersionTLS12)
	if b.config.MinTLSVersion == "1.3" {
		minVersion = tls.VersionTLS13
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   minVersion,
		// TLS 1.2 suites usable with Ed25519 certificates
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		},
		VerifyPeerCertificate: b.verifyPeer,
	}, nil
}

// verifyPeer runs after chain verification. The certificate must name a
// node, and that node must be admitted by the config.
func (b *TLSConfigBuilder) verifyPeer(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: no certificate presented", ErrInvalidCertificate)
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}

	id := IdentityFromCert(cert)
	if id.NodeID == "" {
		return fmt.Errorf("%w: certificate carries no node id", ErrInvalidCertificate)
	}
	if id.Type != "" && id.Type != ComponentNode && id.Type != ComponentClient {
		return fmt.Errorf("%w: certificate issued to %q", ErrInvalidCertificate, id.Type)
	}
	if !b.config.Allows(id.NodeID) {
		return fmt.Errorf("%w: node %s is not in allowed_node_ids", ErrUnauthorized, id.NodeID)
	}
	return nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, ErrInvalidCA
	}
	return pool, nil
}

// PeerNodeID returns the node id the remote side of an established TLS
// connection proved, or "" when it presented no certificate.
func PeerNodeID(state tls.ConnectionState) string {
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return IdentityFromCert(state.PeerCertificates[0]).NodeID
}

// LoadEd25519KeyPair loads a PEM certificate and its Ed25519 key.
func LoadEd25519KeyPair(certPath, keyPath string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read private key: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse certificate and key: %w", err)
	}
	if _, ok := cert.PrivateKey.(ed25519.PrivateKey); !ok {
		return tls.Certificate{}, fmt.Errorf("private key is not Ed25519")
	}
	return cert, nil
}
