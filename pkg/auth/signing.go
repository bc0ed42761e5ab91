package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Signer signs consensus messages on behalf of the local node.
type Signer interface {
	NodeID() string
	PublicKey() ed25519.PublicKey
	Sign(msg []byte) ([]byte, error)
}

// Verifier checks a signature against a public key.
type Verifier interface {
	Verify(pub ed25519.PublicKey, msg, sig []byte) bool
}

// Ed25519Signer is a Signer backed by an in-memory Ed25519 key.
type Ed25519Signer struct {
	nodeID string
	key    ed25519.PrivateKey
}

// NewEd25519Signer creates a signer for nodeID
func NewEd25519Signer(nodeID string, key ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{nodeID: nodeID, key: key}
}

func (s *Ed25519Signer) NodeID() string { return s.nodeID }

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

func (s *Ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.key, msg), nil
}

// Ed25519Verifier verifies Ed25519 signatures.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// LoadSigningKey reads an existing PKCS8 PEM Ed25519 key.
func LoadSigningKey(path string) (ed25519.PrivateKey, error) {
	key, err := readPrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	return key, nil
}

// LoadOrGenerateSigningKey reads a PKCS8 PEM Ed25519 key from path, creating
// one if the file does not exist.
func LoadOrGenerateSigningKey(path string) (ed25519.PrivateKey, bool, error) {
	key, err := readPrivateKey(path)
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	_, key, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	if err := writePrivateKey(path, key); err != nil {
		return nil, false, err
	}
	return key, true, nil
}

// PublicKeyHex renders a public key the way it appears in node config files.
func PublicKeyHex(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// ParsePublicKeyHex parses a hex encoded Ed25519 public key.
func ParsePublicKeyHex(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	keyPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to parse key PEM")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	ed25519Key, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not Ed25519")
	}

	return ed25519Key, nil
}

func writePrivateKey(path string, key ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}
