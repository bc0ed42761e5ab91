package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

var (
	oidComponentType = asn1.ObjectIdentifier{1, 2, 3, 4, 5, 1}
	oidNetwork       = asn1.ObjectIdentifier{1, 2, 3, 4, 5, 2}
	oidNodeID        = asn1.ObjectIdentifier{1, 2, 3, 4, 5, 3}
)

// CertManager implements certificate management with Ed25519 keys
type CertManager struct {
	caPath string
	caCert *x509.Certificate
	caKey  ed25519.PrivateKey
}

// NewCertManager creates a new certificate manager. An existing CA under
// caPath is loaded.
func NewCertManager(caPath string) (*CertManager, error) {
	cm := &CertManager{
		caPath: caPath,
	}

	if caPath != "" {
		if _, err := os.Stat(filepath.Join(caPath, "ca.crt")); err == nil {
			if err := cm.loadCA(); err != nil {
				return nil, fmt.Errorf("failed to load existing CA: %w", err)
			}
		}
	}

	return cm, nil
}

// CACertificate returns the loaded CA certificate, or nil.
func (cm *CertManager) CACertificate() *x509.Certificate {
	return cm.caCert
}

// GenerateCA creates a new Certificate Authority for a mesh network
func (cm *CertManager) GenerateCA(network string, validity time.Duration) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{network},
			CommonName:   fmt.Sprintf("%s-CA", network),
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		ExtraExtensions: []pkix.Extension{
			{Id: oidNetwork, Value: []byte(network)},
		},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	cm.caCert = cert
	cm.caKey = priv

	if cm.caPath != "" {
		if err := os.MkdirAll(cm.caPath, 0700); err != nil {
			return fmt.Errorf("failed to create CA directory: %w", err)
		}
		if err := cm.SaveCertificate(cert, priv, filepath.Join(cm.caPath, "ca.crt"), filepath.Join(cm.caPath, "ca.key")); err != nil {
			return fmt.Errorf("failed to save CA: %w", err)
		}
	}

	return nil
}

// GenerateCertificate creates a new certificate signed by the CA. nodeID
// becomes the common name and is what peers see as the connection identity.
func (cm *CertManager) GenerateCertificate(componentType ComponentType, nodeID string, addresses []string, validity time.Duration) (*x509.Certificate, ed25519.PrivateKey, error) {
	if cm.caCert == nil || cm.caKey == nil {
		return nil, nil, fmt.Errorf("CA not initialized")
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	network := ""
	if len(cm.caCert.Subject.Organization) > 0 {
		network = cm.caCert.Subject.Organization[0]
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{network},
			CommonName:   nodeID,
		},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		ExtraExtensions: []pkix.Extension{
			{Id: oidComponentType, Value: []byte(componentType)},
			{Id: oidNetwork, Value: []byte(network)},
			{Id: oidNodeID, Value: []byte(nodeID)},
		},
	}

	for _, addr := range addresses {
		if ip := net.ParseIP(addr); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, addr)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, pub, cm.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return cert, priv, nil
}

// SaveCertificate saves a certificate and key to files
func (cm *CertManager) SaveCertificate(cert *x509.Certificate, key ed25519.PrivateKey, certPath, keyPath string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	return writePrivateKey(keyPath, key)
}

// LoadCertificate loads a certificate from a file
func (cm *CertManager) LoadCertificate(path string) (*x509.Certificate, error) {
	return loadCertificate(path)
}

// LoadPrivateKey loads an Ed25519 private key from a file
func (cm *CertManager) LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	return readPrivateKey(path)
}

// VerifyCertificate verifies a certificate against the CA
func (cm *CertManager) VerifyCertificate(cert *x509.Certificate) error {
	if cm.caCert == nil {
		return fmt.Errorf("CA not initialized")
	}

	roots := x509.NewCertPool()
	roots.AddCert(cm.caCert)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}

	return nil
}

// GetIdentityFromCert extracts identity information from a certificate
func (cm *CertManager) GetIdentityFromCert(cert *x509.Certificate) (*Identity, error) {
	return IdentityFromCert(cert), nil
}

// IdentityFromCert reads the node identity extensions from cert. Certificates
// without them fall back to the common name.
func IdentityFromCert(cert *x509.Certificate) *Identity {
	identity := &Identity{
		Subject:      cert.Subject.CommonName,
		Issuer:       cert.Issuer.CommonName,
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
	}

	for _, ext := range cert.Extensions {
		switch {
		case ext.Id.Equal(oidComponentType):
			identity.Type = ComponentType(ext.Value)
		case ext.Id.Equal(oidNetwork):
			identity.Network = string(ext.Value)
		case ext.Id.Equal(oidNodeID):
			identity.NodeID = string(ext.Value)
		}
	}
	if identity.NodeID == "" {
		identity.NodeID = cert.Subject.CommonName
	}

	for _, ip := range cert.IPAddresses {
		identity.Addresses = append(identity.Addresses, ip.String())
	}
	identity.Addresses = append(identity.Addresses, cert.DNSNames...)

	return identity
}

func (cm *CertManager) loadCA() error {
	cert, err := loadCertificate(filepath.Join(cm.caPath, "ca.crt"))
	if err != nil {
		return err
	}

	key, err := readPrivateKey(filepath.Join(cm.caPath, "ca.key"))
	if err != nil {
		return err
	}

	cm.caCert = cert
	cm.caKey = key
	return nil
}

func loadCertificate(path string) (*x509.Certificate, error) {
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to parse certificate PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return cert, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}
