// Package keystore manages the certificates the bridge holds for each gateway
//
// For every gateway account the keystore keeps:
//
//   - the trusted server certificates discovered for the gateway
//   - the client certificate issued by the gateway, with its private key
//     encrypted under the account password
//
// Client certificates are obtained from the gateway's certificate signing
// service through an Issuer, or imported from a PKCS#12 file.
package keystore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"

	"github.com/sirosfoundation/go-wsbridge/pkg/credentials"
	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
)

// Common errors
var (
	ErrNoClientCertificate = errors.New("no client certificate")
	ErrNoIssuer            = errors.New("no certificate issuer configured")
	ErrNoServerCertificate = errors.New("server did not present a certificate")
)

// Manager is the per-gateway certificate store used by the bridge.
//
// Implementations must be safe for concurrent use and serialise their own
// mutations.
type Manager interface {
	// ClientCertificate returns the client certificate held for gw, or nil
	// if there is none.
	ClientCertificate(gw *gateway.Gateway) (*x509.Certificate, error)

	// TLSCertificate unlocks the client certificate's private key with the
	// account password. It fails with a CredentialsRequired error when
	// creds is nil, BadCredentials when the password is wrong and
	// ClientCertRevoked when the certificate has been revoked.
	TLSCertificate(ctx context.Context, gw *gateway.Gateway, creds *credentials.Credentials) (*tls.Certificate, error)

	// ServerCertPool returns the trusted server certificates for gw, or nil
	// if none have been installed.
	ServerCertPool(gw *gateway.Gateway) (*x509.CertPool, error)

	// InstallServerCertificate discovers and trusts the gateway's current
	// server certificate.
	InstallServerCertificate(ctx context.Context, gw *gateway.Gateway, creds *credentials.Credentials) error

	// ObtainClientCertificate applies to the gateway for a new client
	// certificate for the account in creds.
	ObtainClientCertificate(ctx context.Context, gw *gateway.Gateway, creds *credentials.Credentials) error

	// DeleteClientCertificate removes the client certificate and key.
	DeleteClientCertificate(gw *gateway.Gateway) error

	// HandleKeyStoreCorrupt discards the damaged stores of gw's trusted
	// gateway so they can be rebuilt.
	HandleKeyStoreCorrupt(ctx context.Context, gw *gateway.Gateway) error
}

// Issuer submits certificate signing requests to a gateway.
type Issuer interface {
	// IssueCertificate returns the certificate signed for csrDER. It fails
	// with CertificateAlreadyIssued if the account already has one, and
	// BadCredentials if the gateway rejects creds.
	IssueCertificate(ctx context.Context, gw *gateway.Gateway, creds *credentials.Credentials, csrDER []byte) (*x509.Certificate, error)
}
