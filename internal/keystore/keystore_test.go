package keystore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-wsbridge/pkg/credentials"
	"github.com/sirosfoundation/go-wsbridge/pkg/failure"
	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
	"github.com/sirosfoundation/go-wsbridge/pkg/security"
	"github.com/sirosfoundation/go-wsbridge/pkg/transport"
)

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Gateway CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{cert: cert, key: key}
}

func (ca *testCA) sign(csrDER []byte) (*x509.Certificate, error) {
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      csr.Subject,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, csr.PublicKey, ca.key)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

type caIssuer struct {
	ca    *testCA
	calls int
	err   error
}

func (i *caIssuer) IssueCertificate(_ context.Context, _ *gateway.Gateway, _ *credentials.Credentials, csr []byte) (*x509.Certificate, error) {
	i.calls++
	if i.err != nil {
		return nil, i.err
	}
	return i.ca.sign(csr)
}

type revokedChecker struct{}

func (revokedChecker) CheckRevocation(context.Context, *x509.Certificate, *x509.Certificate) error {
	return security.ErrCertificateRevoked
}

func newManager(t *testing.T, opts FileOptions) *FileManager {
	t.Helper()
	opts.Dir = t.TempDir()
	m, err := NewFileManager(opts)
	require.NoError(t, err)
	return m
}

func trustCA(t *testing.T, m *FileManager, gw *gateway.Gateway, ca *testCA) {
	t.Helper()
	require.NoError(t, writePEM(m.path(gw, serverCertFile), []*pem.Block{{Type: "CERTIFICATE", Bytes: ca.cert.Raw}}, 0o644))
}

func TestSealOpenPrivateKey(t *testing.T) {
	sealed, err := sealPrivateKey([]byte("pkcs8 bytes"), "pw")
	require.NoError(t, err)

	plain, err := openPrivateKey(sealed, "pw")
	require.NoError(t, err)
	assert.Equal(t, []byte("pkcs8 bytes"), plain)

	_, err = openPrivateKey(sealed, "wrong")
	assert.ErrorIs(t, err, errWrongPassword)

	_, err = openPrivateKey([]byte("garbage"), "pw")
	assert.ErrorIs(t, err, errMalformedKey)
}

func TestFileManager_ImportPKCS12(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "alice.p12"))
	require.NoError(t, err)
	m := newManager(t, FileOptions{})
	gw := &gateway.Gateway{ID: "gw1"}

	_, err = m.ImportPKCS12(gw, data, "not-the-password", "account")
	assert.Equal(t, failure.KindBadCredentials, failure.KindOf(err))

	_, err = m.ImportPKCS12(gw, []byte("not a pkcs12 file"), "changeit", "account")
	assert.Equal(t, failure.KindKeyStoreCorrupt, failure.KindOf(err))

	cert, err := m.ImportPKCS12(gw, data, "changeit", "account")
	require.NoError(t, err)
	assert.Equal(t, "alice", cert.Subject.CommonName)

	stored, err := m.ClientCertificate(gw)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, cert.Equal(stored))
}

func TestFileManager_TLSCertificate(t *testing.T) {
	ca := newTestCA(t)
	issuer := &caIssuer{ca: ca}
	m := newManager(t, FileOptions{Issuer: issuer})
	gw := &gateway.Gateway{ID: "gw1"}
	ctx := context.Background()

	_, err := m.TLSCertificate(ctx, gw, nil)
	assert.ErrorIs(t, err, ErrNoClientCertificate)

	creds := &credentials.Credentials{Username: "alice", Password: "secret"}
	err = m.ObtainClientCertificate(ctx, gw, creds)
	assert.Equal(t, failure.KindServerCertUntrusted, failure.KindOf(err), "server certificate must be known first")

	trustCA(t, m, gw, ca)
	require.NoError(t, m.ObtainClientCertificate(ctx, gw, creds))
	assert.Equal(t, 1, issuer.calls)

	_, err = m.TLSCertificate(ctx, gw, nil)
	assert.Equal(t, failure.KindCredentialsRequired, failure.KindOf(err))

	_, err = m.TLSCertificate(ctx, gw, &credentials.Credentials{Username: "alice", Password: "wrong"})
	assert.Equal(t, failure.KindBadCredentials, failure.KindOf(err))

	tlsCert, err := m.TLSCertificate(ctx, gw, creds)
	require.NoError(t, err)
	assert.Equal(t, "alice", tlsCert.Leaf.Subject.CommonName)

	again, err := m.TLSCertificate(ctx, gw, nil)
	require.NoError(t, err)
	assert.Same(t, tlsCert, again, "unlocked key is cached")

	fed := &gateway.Gateway{ID: "partner", TrustedGateway: gw}
	fedCert, err := m.ClientCertificate(fed)
	require.NoError(t, err)
	assert.True(t, fedCert.Equal(tlsCert.Leaf))

	require.NoError(t, m.DeleteClientCertificate(gw))
	gone, err := m.ClientCertificate(gw)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestFileManager_CertificateAlreadyIssued(t *testing.T) {
	ca := newTestCA(t)
	issuer := &caIssuer{ca: ca, err: failure.New(failure.KindCertificateAlreadyIssued, "already issued")}
	m := newManager(t, FileOptions{Issuer: issuer})
	gw := &gateway.Gateway{ID: "gw1"}
	trustCA(t, m, gw, ca)

	err := m.ObtainClientCertificate(context.Background(), gw, &credentials.Credentials{Username: "a", Password: "b"})
	assert.ErrorIs(t, err, failure.ErrCertAlreadyIssued)
}

func TestFileManager_RevokedClientCertificate(t *testing.T) {
	ca := newTestCA(t)
	m := newManager(t, FileOptions{Issuer: &caIssuer{ca: ca}, Revocation: revokedChecker{}})
	gw := &gateway.Gateway{ID: "gw1"}
	trustCA(t, m, gw, ca)
	creds := &credentials.Credentials{Username: "alice", Password: "secret"}
	require.NoError(t, m.ObtainClientCertificate(context.Background(), gw, creds))

	_, err := m.TLSCertificate(context.Background(), gw, creds)
	assert.ErrorIs(t, err, failure.ErrClientCertRevoked)
}

func TestFileManager_CorruptStore(t *testing.T) {
	m := newManager(t, FileOptions{})
	gw := &gateway.Gateway{ID: "gw1"}
	require.NoError(t, os.MkdirAll(filepath.Join(m.opts.Dir, "gw1"), 0o700))
	require.NoError(t, os.WriteFile(m.path(gw, serverCertFile), []byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"), 0o644))

	_, err := m.ServerCertPool(gw)
	assert.Equal(t, failure.KindKeyStoreCorrupt, failure.KindOf(err))

	require.NoError(t, m.HandleKeyStoreCorrupt(context.Background(), gw))
	pool, err := m.ServerCertPool(gw)
	require.NoError(t, err)
	assert.Nil(t, pool)
}

func TestFileManager_RebuildDeclined(t *testing.T) {
	m := newManager(t, FileOptions{ConfirmRebuild: func(*gateway.Gateway) bool { return false }})
	err := m.HandleKeyStoreCorrupt(context.Background(), &gateway.Gateway{ID: "gw1"})
	assert.ErrorIs(t, err, failure.ErrOperationCanceled)
}

func gatewayFor(t *testing.T, srv *httptest.Server) *gateway.Gateway {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return &gateway.Gateway{ID: "gw1", ServerURL: "http://" + host + "/ssg/soap", SSLPort: p}
}

func TestFileManager_InstallServerCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	m := newManager(t, FileOptions{ProbeTimeout: 5 * time.Second})
	gw := gatewayFor(t, srv)

	require.NoError(t, m.InstallServerCertificate(context.Background(), gw, nil))

	pool, err := m.ServerCertPool(gw)
	require.NoError(t, err)
	require.NotNil(t, pool)
	_, err = srv.Certificate().Verify(x509.VerifyOptions{Roots: pool})
	assert.NoError(t, err)
}

func TestFileManager_ServerCertPoolSharesTransport(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	m := newManager(t, FileOptions{ProbeTimeout: 5 * time.Second})
	gw := gatewayFor(t, srv)
	require.NoError(t, m.InstallServerCertificate(context.Background(), gw, nil))

	target, err := url.Parse(srv.URL)
	require.NoError(t, err)
	client := transport.NewHTTPSClient(nil)
	defer client.CloseIdleConnections()

	for i := 0; i < 50; i++ {
		pool, err := m.ServerCertPool(gw)
		require.NoError(t, err)
		resp, err := client.Do(context.Background(), &transport.Request{URL: target, RootCAs: pool})
		require.NoError(t, err)
		resp.Close()
	}
	assert.Equal(t, 1, client.PooledTransports())
}

func TestFileManager_ServerCertPoolInvalidation(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	m := newManager(t, FileOptions{ProbeTimeout: 5 * time.Second})
	gw := gatewayFor(t, srv)
	require.NoError(t, m.InstallServerCertificate(context.Background(), gw, nil))

	first, err := m.ServerCertPool(gw)
	require.NoError(t, err)
	again, err := m.ServerCertPool(gw)
	require.NoError(t, err)
	assert.Same(t, first, again)

	require.NoError(t, m.InstallServerCertificate(context.Background(), gw, nil))
	reinstalled, err := m.ServerCertPool(gw)
	require.NoError(t, err)
	assert.NotSame(t, first, reinstalled)
	assert.True(t, first.Equal(reinstalled))

	require.NoError(t, m.HandleKeyStoreCorrupt(context.Background(), gw))
	gone, err := m.ServerCertPool(gw)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

type poolOf struct{ pool *x509.CertPool }

func (p poolOf) ServerCertPool(*gateway.Gateway) (*x509.CertPool, error) { return p.pool, nil }

func TestHTTPIssuer(t *testing.T) {
	ca := newTestCA(t)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		switch {
		case !ok || pass != "secret":
			w.WriteHeader(http.StatusUnauthorized)
			return
		case user == "issued":
			w.WriteHeader(http.StatusForbidden)
			return
		}
		body, _ := io.ReadAll(r.Body)
		block, _ := pem.Decode(body)
		if block == nil || r.URL.Path != DefaultCSRPath {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		cert, err := ca.sign(block.Bytes)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	}))
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	issuer := NewHTTPIssuer(poolOf{pool}, nil)
	gw := gatewayFor(t, srv)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{Subject: pkix.Name{CommonName: "alice"}}, key)
	require.NoError(t, err)

	cert, err := issuer.IssueCertificate(context.Background(), gw, &credentials.Credentials{Username: "alice", Password: "secret"}, csr)
	require.NoError(t, err)
	assert.Equal(t, "alice", cert.Subject.CommonName)

	_, err = issuer.IssueCertificate(context.Background(), gw, &credentials.Credentials{Username: "alice", Password: "nope"}, csr)
	assert.ErrorIs(t, err, failure.ErrBadCredentials)

	_, err = issuer.IssueCertificate(context.Background(), gw, &credentials.Credentials{Username: "issued", Password: "secret"}, csr)
	assert.ErrorIs(t, err, failure.ErrCertAlreadyIssued)

	untrusting := NewHTTPIssuer(poolOf{x509.NewCertPool()}, nil)
	_, err = untrusting.IssueCertificate(context.Background(), gw, &credentials.Credentials{Username: "alice", Password: "secret"}, csr)
	assert.True(t, failure.IsTLS(err))
}

func TestFileManager_IssuedCertificateFromStranger(t *testing.T) {
	trusted, stranger := newTestCA(t), newTestCA(t)
	m := newManager(t, FileOptions{Issuer: &caIssuer{ca: stranger}})
	gw := &gateway.Gateway{ID: "gw1"}
	trustCA(t, m, gw, trusted)

	err := m.ObtainClientCertificate(context.Background(), gw, &credentials.Credentials{Username: "alice", Password: "secret"})
	assert.Equal(t, failure.KindClientCertificate, failure.KindOf(err))
	assert.ErrorIs(t, err, security.ErrCertificateUntrusted)

	cert, err := m.ClientCertificate(gw)
	require.NoError(t, err)
	assert.Nil(t, cert)
}
