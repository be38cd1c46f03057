package keystore

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/pkcs12"

	"github.com/sirosfoundation/go-wsbridge/pkg/credentials"
	"github.com/sirosfoundation/go-wsbridge/pkg/failure"
	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
	"github.com/sirosfoundation/go-wsbridge/pkg/security"
)

const (
	serverCertFile = "server.pem"
	clientCertFile = "client.pem"
	clientKeyFile  = "client.key"
)

// FileOptions configure a FileManager.
type FileOptions struct {
	// Dir holds one subdirectory per gateway ID.
	Dir string
	// Issuer obtains client certificates. Optional.
	Issuer Issuer
	// Revocation checks the client certificate before it is presented. Optional.
	Revocation security.RevocationChecker
	// ConfirmRebuild is asked before damaged stores are deleted. A nil
	// function always agrees.
	ConfirmRebuild func(gw *gateway.Gateway) bool
	// ProbeTimeout bounds the TLS handshake used for server certificate
	// discovery.
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// FileManager implements Manager with PEM files on disk.
//
// Files for a gateway live in {Dir}/{gatewayID}/:
//
//	server.pem  trusted server certificates
//	client.pem  client certificate
//	client.key  client private key, encrypted with the account password
type FileManager struct {
	opts   FileOptions
	logger *slog.Logger

	// mu serialises mutations of the files
	mu sync.Mutex

	cacheMu  sync.RWMutex
	unlocked map[string]*tls.Certificate
	// pools holds the trust anchors read from server.pem, by gateway ID
	pools    map[string]*x509.CertPool
}

// NewFileManager creates a file-backed keystore, creating Dir if needed.
func NewFileManager(opts FileOptions) (*FileManager, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("keystore directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating keystore directory: %w", err)
	}
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FileManager{
		opts:     opts,
		logger:   logger.With("component", "keystore"),
		unlocked: make(map[string]*tls.Certificate),
		pools:    make(map[string]*x509.CertPool),
	}, nil
}

func (m *FileManager) path(gw *gateway.Gateway, name string) string {
	return filepath.Join(m.opts.Dir, gw.ID, name)
}

// ClientCertificate implements Manager. Federated gateways use the client
// certificate of their trusted gateway.
func (m *FileManager) ClientCertificate(gw *gateway.Gateway) (*x509.Certificate, error) {
	certs, err := readCertificates(m.path(gw.Trusted(), clientCertFile))
	if err != nil || len(certs) == 0 {
		return nil, err
	}
	return certs[0], nil
}

// TLSCertificate implements Manager.
func (m *FileManager) TLSCertificate(ctx context.Context, gw *gateway.Gateway, creds *credentials.Credentials) (*tls.Certificate, error) {
	trusted := gw.Trusted()

	m.cacheMu.RLock()
	cached := m.unlocked[trusted.ID]
	m.cacheMu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	cert, err := m.ClientCertificate(trusted)
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, ErrNoClientCertificate
	}
	if creds == nil || creds.Password == "" {
		return nil, failure.Errorf(failure.KindCredentialsRequired, "password needed to unlock client certificate for %s", trusted.PeerName())
	}

	keyData, err := os.ReadFile(m.path(trusted, clientKeyFile))
	if err != nil {
		return nil, failure.Wrap(failure.KindKeyStoreCorrupt, err, "client certificate has no private key")
	}
	der, err := openPrivateKey(keyData, creds.Password)
	switch {
	case errors.Is(err, errWrongPassword):
		return nil, failure.Wrap(failure.KindBadCredentials, err, "unable to unlock client certificate private key")
	case err != nil:
		return nil, failure.Wrap(failure.KindKeyStoreCorrupt, err, "unable to read client certificate private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, failure.Wrap(failure.KindUnrecoverableKey, err, "unable to parse client certificate private key")
	}

	if err := m.checkRevocation(ctx, trusted, cert); err != nil {
		return nil, err
	}

	tlsCert := &tls.Certificate{Certificate: [][]byte{cert.Raw}, PrivateKey: key, Leaf: cert}
	m.cacheMu.Lock()
	m.unlocked[trusted.ID] = tlsCert
	m.cacheMu.Unlock()
	return tlsCert, nil
}

func (m *FileManager) checkRevocation(ctx context.Context, gw *gateway.Gateway, cert *x509.Certificate) error {
	if m.opts.Revocation == nil {
		return nil
	}
	servers, err := readCertificates(m.path(gw, serverCertFile))
	if err != nil {
		return err
	}
	for _, issuer := range servers {
		if cert.CheckSignatureFrom(issuer) != nil {
			continue
		}
		err := m.opts.Revocation.CheckRevocation(ctx, cert, issuer)
		if errors.Is(err, security.ErrCertificateRevoked) {
			m.logger.Warn("Client certificate has been revoked", "gateway", gw.PeerName(), "serial", cert.SerialNumber.String())
			return failure.Wrap(failure.KindClientCertRevoked, err, "client certificate revoked")
		}
		return err
	}
	return nil
}

// ServerCertPool implements Manager. The pool is read once and reused until
// the server certificate is reinstalled or the keystore is rebuilt.
func (m *FileManager) ServerCertPool(gw *gateway.Gateway) (*x509.CertPool, error) {
	m.cacheMu.RLock()
	cached := m.pools[gw.ID]
	m.cacheMu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	certs, err := readCertificates(m.path(gw, serverCertFile))
	if err != nil || len(certs) == 0 {
		return nil, err
	}
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	m.cacheMu.Lock()
	m.pools[gw.ID] = pool
	m.cacheMu.Unlock()
	return pool, nil
}

// InstallServerCertificate implements Manager. The certificate is
// discovered by a TLS handshake with the gateway's SSL port; the top of the
// presented chain becomes the trust anchor.
func (m *FileManager) InstallServerCertificate(ctx context.Context, gw *gateway.Gateway, _ *credentials.Credentials) error {
	addr := net.JoinHostPort(gw.Address(), strconv.Itoa(gw.Port()))
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: m.opts.ProbeTimeout},
		Config: &tls.Config{
			ServerName:         gw.Address(),
			InsecureSkipVerify: true, // discovery
			MinVersion:         tls.VersionTLS12,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("probing %s: %w", addr, err)
	}
	defer conn.Close()

	chain := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(chain) == 0 {
		return ErrNoServerCertificate
	}
	anchor := chain[len(chain)-1]

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := writePEM(m.path(gw, serverCertFile), []*pem.Block{{Type: "CERTIFICATE", Bytes: anchor.Raw}}, 0o644); err != nil {
		return err
	}
	m.cacheMu.Lock()
	delete(m.pools, gw.ID)
	m.cacheMu.Unlock()
	m.logger.Info("Installed server certificate",
		"gateway", gw.PeerName(),
		"subject", anchor.Subject.String(),
		"expires", anchor.NotAfter)
	return nil
}

// ObtainClientCertificate implements Manager.
func (m *FileManager) ObtainClientCertificate(ctx context.Context, gw *gateway.Gateway, creds *credentials.Credentials) error {
	if m.opts.Issuer == nil {
		return ErrNoIssuer
	}
	if !creds.Complete() {
		return failure.Errorf(failure.KindCredentialsRequired, "credentials needed to apply for a client certificate from %s", gw.PeerName())
	}
	pool, err := m.ServerCertPool(gw)
	if err != nil {
		return err
	}
	if pool == nil {
		return failure.Errorf(failure.KindServerCertUntrusted, "server certificate for %s has not been discovered", gw.PeerName())
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: creds.Username},
	}, key)
	if err != nil {
		return fmt.Errorf("creating certificate request: %w", err)
	}

	cert, err := m.opts.Issuer.IssueCertificate(ctx, gw, creds, csr)
	if err != nil {
		return err
	}
	if err := security.NewChainValidator(pool).Validate([]*x509.Certificate{cert}, security.PurposeClient, ""); err != nil {
		return failure.Wrap(failure.KindClientCertificate, err, "issued certificate does not chain to the gateway")
	}
	if err := m.saveClientCertificate(gw, key, cert, creds.Password); err != nil {
		return err
	}
	m.logger.Info("Obtained client certificate",
		"gateway", gw.PeerName(),
		"subject", cert.Subject.String(),
		"expires", cert.NotAfter)
	return nil
}

// ImportPKCS12 imports a client certificate and key from a PKCS#12 file
// protected by filePassword, re-encrypting the key under accountPassword.
func (m *FileManager) ImportPKCS12(gw *gateway.Gateway, data []byte, filePassword, accountPassword string) (*x509.Certificate, error) {
	key, cert, err := pkcs12.Decode(data, filePassword)
	switch {
	case errors.Is(err, pkcs12.ErrIncorrectPassword):
		return nil, failure.Wrap(failure.KindBadCredentials, err, "unable to decrypt PKCS#12 file")
	case err != nil:
		return nil, failure.Wrap(failure.KindKeyStoreCorrupt, err, "unable to read PKCS#12 file")
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, failure.New(failure.KindUnrecoverableKey, "PKCS#12 private key cannot sign")
	}
	if err := m.saveClientCertificate(gw, signer, cert, accountPassword); err != nil {
		return nil, err
	}
	return cert, nil
}

func (m *FileManager) saveClientCertificate(gw *gateway.Gateway, key crypto.Signer, cert *x509.Certificate, password string) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encoding private key: %w", err)
	}
	sealed, err := sealPrivateKey(der, password)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.MkdirAll(filepath.Join(m.opts.Dir, gw.ID), 0o700); err != nil {
		return fmt.Errorf("creating gateway keystore: %w", err)
	}
	if err := os.WriteFile(m.path(gw, clientKeyFile), sealed, 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := writePEM(m.path(gw, clientCertFile), []*pem.Block{{Type: "CERTIFICATE", Bytes: cert.Raw}}, 0o644); err != nil {
		return err
	}
	m.forget(gw)
	return nil
}

// DeleteClientCertificate implements Manager.
func (m *FileManager) DeleteClientCertificate(gw *gateway.Gateway) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forget(gw)
	return removeFiles(m.path(gw, clientCertFile), m.path(gw, clientKeyFile))
}

// HandleKeyStoreCorrupt implements Manager.
func (m *FileManager) HandleKeyStoreCorrupt(_ context.Context, gw *gateway.Gateway) error {
	trusted := gw.Trusted()
	if m.opts.ConfirmRebuild != nil && !m.opts.ConfirmRebuild(trusted) {
		return failure.Errorf(failure.KindOperationCanceled, "keystore for %s is damaged and was not rebuilt", trusted.PeerName())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.forget(trusted)
	m.logger.Warn("Deleting damaged keystore", "gateway", trusted.PeerName())
	return removeFiles(
		m.path(trusted, serverCertFile),
		m.path(trusted, clientCertFile),
		m.path(trusted, clientKeyFile),
	)
}

func (m *FileManager) forget(gw *gateway.Gateway) {
	m.cacheMu.Lock()
	delete(m.unlocked, gw.ID)
	delete(m.pools, gw.ID)
	m.cacheMu.Unlock()
}

// readCertificates returns the certificates in a PEM file, or nil if the
// file does not exist. Undecodable content is a KeyStoreCorrupt error.
func readCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, failure.Wrap(failure.KindKeyStoreCorrupt, err, "damaged certificate in "+filepath.Base(path))
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, failure.New(failure.KindKeyStoreCorrupt, "no certificates in "+filepath.Base(path))
	}
	return certs, nil
}

func writePEM(path string, blocks []*pem.Block, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating keystore directory: %w", err)
	}
	var out []byte
	for _, b := range blocks {
		out = append(out, pem.EncodeToMemory(b)...)
	}
	if err := os.WriteFile(path, out, perm); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func removeFiles(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
