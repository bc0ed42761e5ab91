package auth

import (
	"fmt"
	"time"
)

// CertificateInfo holds parsed certificate details for display
type CertificateInfo struct {
	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
	IsCA         bool
	DNSNames     []string
	IPAddresses  []string

	NodeID        string
	Network       string
	ComponentType string

	IsValid   bool
	IsExpired bool
	ExpiresIn time.Duration
	ErrorMsg  string
}

// LoadCertificateInfo loads and parses certificate information from a file
func LoadCertificateInfo(certPath string) (*CertificateInfo, error) {
	cert, err := loadCertificate(certPath)
	if err != nil {
		return nil, err
	}

	identity := IdentityFromCert(cert)
	info := &CertificateInfo{
		Subject:       cert.Subject.String(),
		Issuer:        cert.Issuer.String(),
		SerialNumber:  cert.SerialNumber.String(),
		NotBefore:     cert.NotBefore,
		NotAfter:      cert.NotAfter,
		IsCA:          cert.IsCA,
		DNSNames:      cert.DNSNames,
		NodeID:        identity.NodeID,
		Network:       identity.Network,
		ComponentType: string(identity.Type),
		IsValid:       true,
	}
	for _, ip := range cert.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	if cert.IsCA {
		info.ComponentType = "CA"
		info.NodeID = ""
	}

	now := time.Now()
	switch {
	case now.After(cert.NotAfter):
		info.IsExpired = true
		info.IsValid = false
		info.ErrorMsg = "Certificate has expired"
	case now.Before(cert.NotBefore):
		info.IsValid = false
		info.ErrorMsg = "Certificate not yet valid"
	default:
		info.ExpiresIn = cert.NotAfter.Sub(now)
	}

	return info, nil
}

// VerifyCertificateChain verifies that a certificate was signed by a CA
func VerifyCertificateChain(certPath, caPath string) error {
	caCert, err := loadCertificate(caPath)
	if err != nil {
		return fmt.Errorf("failed to load CA certificate: %w", err)
	}
	cert, err := loadCertificate(certPath)
	if err != nil {
		return err
	}

	cm := &CertManager{caCert: caCert}
	return cm.VerifyCertificate(cert)
}
