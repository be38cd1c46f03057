package security

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCertificateExpired is returned when a certificate has expired
	ErrCertificateExpired = errors.New("certificate has expired")
	// ErrCertificateNotYetValid is returned when a certificate is not yet valid
	ErrCertificateNotYetValid = errors.New("certificate is not yet valid")
	// ErrCertificateUntrusted is returned when a certificate does not chain to
	// a trusted gateway certificate
	ErrCertificateUntrusted = errors.New("certificate is not trusted")
	// ErrCertificateRevoked is returned when a certificate has been revoked
	ErrCertificateRevoked = errors.New("certificate has been revoked")
	// ErrInvalidCertificate is returned for other certificate validation failures
	ErrInvalidCertificate = errors.New("certificate validation failed")
)

// Certificate purposes accepted by ChainValidator.
const (
	PurposeServer = "tls-server"
	PurposeClient = "tls-client"
)

// ChainValidator checks certificate chains against a pool of trusted
// gateway certificates. The pool holds both CA certificates and the
// self-signed server certificates that were installed after discovery.
type ChainValidator struct {
	roots *x509.CertPool
	now   func() time.Time
}

// NewChainValidator creates a validator trusting roots.
func NewChainValidator(roots *x509.CertPool) *ChainValidator {
	if roots == nil {
		roots = x509.NewCertPool()
	}
	return &ChainValidator{roots: roots, now: time.Now}
}

// Validate verifies chain[0] using chain[1:] as intermediates. A non-empty
// host is checked against the leaf.
func (v *ChainValidator) Validate(chain []*x509.Certificate, purpose, host string) error {
	if len(chain) == 0 {
		return fmt.Errorf("%w: empty chain", ErrInvalidCertificate)
	}
	leaf := chain[0]
	now := v.now()
	if now.Before(leaf.NotBefore) {
		return ErrCertificateNotYetValid
	}
	if now.After(leaf.NotAfter) {
		return ErrCertificateExpired
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		CurrentTime:   now,
		DNSName:       host,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	for _, c := range chain[1:] {
		opts.Intermediates.AddCert(c)
	}
	switch purpose {
	case PurposeServer:
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	case PurposeClient:
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateUntrusted, err)
	}
	return nil
}
