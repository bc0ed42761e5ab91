package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidCertificate = errors.New("invalid certificate")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCA          = errors.New("invalid CA certificate")
	ErrTLSDisabled        = errors.New("tls is not enabled")
)

// ComponentType identifies what a certificate was issued to
type ComponentType string

const (
	ComponentNode   ComponentType = "node"
	ComponentClient ComponentType = "client"
)

// Identity is what a certificate proves about the other end of a connection.
type Identity struct {
	Type   ComponentType
	NodeID string
	// Network is the name the issuing CA was created for.
	Network string

	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time

	Addresses []string
}

func (id *Identity) String() string {
	if id.Network == "" {
		return fmt.Sprintf("%s %s", id.Type, id.NodeID)
	}
	return fmt.Sprintf("%s %s@%s", id.Type, id.NodeID, id.Network)
}

// AuthConfig enables certificate authentication on the tls:// and grpc://
// transports. Every node presents its own certificate and trusts one CA.
type AuthConfig struct {
	Enabled  bool   `json:"enabled"`
	CAPath   string `json:"ca_cert"`
	CertPath string `json:"cert"`
	KeyPath  string `json:"key"`
	// AllowedNodeIDs restricts which certified nodes may connect. Empty
	// admits any node the CA vouches for.
	AllowedNodeIDs []string `json:"allowed_node_ids,omitempty"`
	MinTLSVersion  string   `json:"min_tls_version,omitempty"`
}

// DefaultAuthConfig returns a disabled config requiring TLS 1.2 once enabled
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{MinTLSVersion: "1.2"}
}

// Validate checks the paths a TLS setup needs.
func (c *AuthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CAPath == "" {
		return errors.New("ca_cert is required when authentication is enabled")
	}
	if c.CertPath == "" || c.KeyPath == "" {
		return errors.New("cert and key are required when authentication is enabled")
	}
	for _, id := range c.AllowedNodeIDs {
		if id == "" {
			return errors.New("allowed_node_ids cannot contain an empty id")
		}
	}

	switch c.MinTLSVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("min_tls_version must be 1.2 or 1.3, got %q", c.MinTLSVersion)
	}
	return nil
}

// Allows reports whether nodeID may connect under this config.
func (c *AuthConfig) Allows(nodeID string) bool {
	if len(c.AllowedNodeIDs) == 0 {
		return true
	}
	for _, id := range c.AllowedNodeIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}
