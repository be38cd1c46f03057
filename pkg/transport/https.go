// Package transport implements the HTTP(S) exchange with a gateway
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirosfoundation/go-wsbridge/pkg/credentials"
	"github.com/sirosfoundation/go-wsbridge/pkg/failure"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// Recommended TLS 1.2 cipher suites
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// AuthScheme selects HTTP authentication for a request
type AuthScheme int

const (
	AuthNone AuthScheme = iota
	// AuthBasic sends credentials preemptively
	AuthBasic
	// AuthDigest answers a Digest challenge with one retry
	AuthDigest
)

// Request is a single POST to a gateway.
type Request struct {
	URL    *url.URL
	Header http.Header
	Body   []byte

	Auth        AuthScheme
	Credentials *credentials.Credentials

	// ClientCertificate is presented when the server asks for one.
	ClientCertificate *tls.Certificate
	// RootCAs verifies the server; nil uses the system roots.
	RootCAs *x509.CertPool
}

// Response is the gateway's reply. Body must be closed by the caller.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Close closes the response body.
func (r *Response) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// Client performs exactly one HTTP exchange per call.
type Client interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// HTTPSConfig contains HTTPS client configuration
type HTTPSConfig struct {
	MinTLSVersion   uint16
	MaxTLSVersion   uint16
	CipherSuites    []uint16
	ConnectTimeout  time.Duration
	Timeout         time.Duration
	IdleConnTimeout time.Duration
	Logger          *slog.Logger
}

// DefaultHTTPSConfig returns a default HTTPS configuration
func DefaultHTTPSConfig() *HTTPSConfig {
	return &HTTPSConfig{
		MinTLSVersion:   TLS12,
		MaxTLSVersion:   TLS13,
		CipherSuites:    RecommendedTLS12CipherSuites,
		ConnectTimeout:  30 * time.Second,
		Timeout:         60 * time.Second,
		IdleConnTimeout: 90 * time.Second,
	}
}

// maxTransports bounds the pooled transports; the least recently used one
// is closed when a new TLS identity needs room.
const maxTransports = 16

// tlsIdentity is the trust anchors and client certificate of a pooled
// transport. Identities are compared by content, so a pool rebuilt from
// the same certificates reuses the transport.
type tlsIdentity struct {
	roots     *x509.CertPool
	cert      *tls.Certificate
	transport *http.Transport
}

func (id *tlsIdentity) matches(roots *x509.CertPool, cert *tls.Certificate) bool {
	return sameRoots(id.roots, roots) && sameCertificate(id.cert, cert)
}

func sameRoots(a, b *x509.CertPool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a == b || a.Equal(b)
}

func sameCertificate(a, b *tls.Certificate) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a == b {
		return true
	}
	if len(a.Certificate) != len(b.Certificate) {
		return false
	}
	for i := range a.Certificate {
		if !bytes.Equal(a.Certificate[i], b.Certificate[i]) {
			return false
		}
	}
	return true
}

// HTTPSClient posts requests with net/http, keeping one pooled transport per
// TLS identity.
type HTTPSClient struct {
	config *HTTPSConfig
	logger *slog.Logger

	mu sync.Mutex
	// transports is ordered from least to most recently used
	transports []*tlsIdentity
}

// NewHTTPSClient creates a new HTTPS client
func NewHTTPSClient(config *HTTPSConfig) *HTTPSClient {
	if config == nil {
		config = DefaultHTTPSConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSClient{
		config: config,
		logger: logger,
	}
}

func (c *HTTPSClient) transport(roots *x509.CertPool, cert *tls.Certificate) *http.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range c.transports {
		if id.matches(roots, cert) {
			c.transports = append(append(c.transports[:i:i], c.transports[i+1:]...), id)
			return id.transport
		}
	}

	if len(c.transports) >= maxTransports {
		oldest := c.transports[0]
		oldest.transport.CloseIdleConnections()
		c.transports = c.transports[1:]
	}

	tlsConfig := &tls.Config{
		MinVersion:   c.config.MinTLSVersion,
		MaxVersion:   c.config.MaxTLSVersion,
		CipherSuites: c.config.CipherSuites,
		RootCAs:      roots,
	}
	if cert != nil {
		tlsConfig.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return cert, nil
		}
	}

	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: c.config.ConnectTimeout}).DialContext,
		TLSClientConfig:     tlsConfig,
		IdleConnTimeout:     c.config.IdleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		// bodies are decoded by the caller according to Content-Encoding
		DisableCompression: true,
	}
	c.transports = append(c.transports, &tlsIdentity{roots: roots, cert: cert, transport: t})
	return t
}

// PooledTransports returns the number of TLS identities with a pooled
// transport.
func (c *HTTPSClient) PooledTransports() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.transports)
}

// CloseIdleConnections closes idle connections on every pooled transport.
func (c *HTTPSClient) CloseIdleConnections() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.transports {
		id.transport.CloseIdleConnections()
	}
}

// Do implements Client. TLS failures are returned as failure.KindSSL.
func (c *HTTPSClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.URL == nil {
		return nil, fmt.Errorf("transport: request has no URL")
	}
	client := &http.Client{
		Transport: c.transport(req.RootCAs, req.ClientCertificate),
		Timeout:   c.config.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.Auth == AuthBasic && req.Credentials != nil {
		httpReq.SetBasicAuth(req.Credentials.Username, req.Credentials.Password)
	}

	resp, err := c.exchange(client, httpReq)
	if err != nil {
		return nil, err
	}

	if req.Auth == AuthDigest && req.Credentials != nil && resp.StatusCode == http.StatusUnauthorized {
		challenge, ok := parseDigestChallenge(resp.Header.Values("WWW-Authenticate"))
		if ok {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			retry, err := c.newRequest(ctx, req)
			if err != nil {
				return nil, err
			}
			retry.Header.Set("Authorization", challenge.authorize(req.Credentials, http.MethodPost, req.URL.RequestURI()))
			c.logger.Debug("Answering digest challenge", "url", redact(req.URL), "realm", challenge.realm)
			if resp, err = c.exchange(client, retry); err != nil {
				return nil, err
			}
		}
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

func (c *HTTPSClient) newRequest(ctx context.Context, req *Request) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.ContentLength = int64(len(req.Body))
	return httpReq, nil
}

func (c *HTTPSClient) exchange(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		if failure.IsTLS(err) {
			return nil, failure.Wrap(failure.KindSSL, err, "TLS connection to "+req.URL.Host+" failed")
		}
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

func redact(u *url.URL) string {
	r := *u
	r.User = nil
	r.RawQuery = ""
	return strings.TrimSuffix(r.String(), "?")
}
