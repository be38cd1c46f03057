package security

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
)

// RevocationChecker reports whether a certificate issued by issuer has been
// revoked. It returns ErrCertificateRevoked for revoked certificates.
type RevocationChecker interface {
	CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) error
}

// OCSPConfig configures OCSP checking behavior
type OCSPConfig struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	// CRLFallback consults the CRL distribution points when OCSP gives no answer
	CRLFallback bool
	// CacheTimeout bounds how long a status answer is reused
	CacheTimeout time.Duration
	// StrictMode fails if revocation status cannot be determined
	StrictMode bool
}

// DefaultOCSPConfig returns default configuration
func DefaultOCSPConfig() *OCSPConfig {
	return &OCSPConfig{
		Timeout:      10 * time.Second,
		CRLFallback:  true,
		CacheTimeout: time.Hour,
	}
}

// OCSPRevocationChecker checks the client certificate issued by a gateway
// against the gateway's OCSP responder, falling back to its CRL.
type OCSPRevocationChecker struct {
	config     *OCSPConfig
	httpClient *http.Client
	statuses   *statusCache[error]
	crls       *statusCache[*x509.RevocationList]
}

// NewOCSPRevocationChecker creates a new OCSP-based revocation checker
func NewOCSPRevocationChecker(config *OCSPConfig) *OCSPRevocationChecker {
	if config == nil {
		config = DefaultOCSPConfig()
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &OCSPRevocationChecker{
		config:     config,
		httpClient: client,
		statuses:   newStatusCache[error](config.CacheTimeout),
		crls:       newStatusCache[*x509.RevocationList](config.CacheTimeout),
	}
}

// CheckRevocation implements RevocationChecker.
func (c *OCSPRevocationChecker) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) error {
	if cert == nil || issuer == nil {
		return fmt.Errorf("%w: certificate and issuer are required", ErrInvalidCertificate)
	}

	ocspErr := c.checkOCSP(ctx, cert, issuer)
	if ocspErr == nil || errors.Is(ocspErr, ErrCertificateRevoked) {
		return ocspErr
	}

	if c.config.CRLFallback {
		crlErr := c.checkCRL(ctx, cert)
		if crlErr == nil || errors.Is(crlErr, ErrCertificateRevoked) {
			return crlErr
		}
		if c.config.StrictMode {
			return fmt.Errorf("revocation check failed: OCSP: %v, CRL: %v", ocspErr, crlErr)
		}
	}
	if c.config.StrictMode {
		return fmt.Errorf("OCSP check failed: %w", ocspErr)
	}
	return nil
}

func (c *OCSPRevocationChecker) checkOCSP(ctx context.Context, cert, issuer *x509.Certificate) error {
	key := cert.SerialNumber.String()
	if cached, ok := c.statuses.get(key); ok {
		return cached
	}
	if len(cert.OCSPServer) == 0 {
		return fmt.Errorf("no OCSP server URL in certificate")
	}

	req, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return fmt.Errorf("failed to create OCSP request: %w", err)
	}
	body, err := c.fetch(ctx, http.MethodPost, cert.OCSPServer[0], req)
	if err != nil {
		return fmt.Errorf("OCSP request failed: %w", err)
	}
	resp, err := ocsp.ParseResponse(body, issuer)
	if err != nil {
		return fmt.Errorf("failed to parse OCSP response: %w", err)
	}

	var result error
	switch resp.Status {
	case ocsp.Good:
	case ocsp.Revoked:
		result = ErrCertificateRevoked
	default:
		return fmt.Errorf("OCSP status unknown")
	}
	c.statuses.set(key, result)
	return result
}

func (c *OCSPRevocationChecker) checkCRL(ctx context.Context, cert *x509.Certificate) error {
	if len(cert.CRLDistributionPoints) == 0 {
		return fmt.Errorf("no CRL distribution points in certificate")
	}
	var lastErr error
	for _, dp := range cert.CRLDistributionPoints {
		crl, ok := c.crls.get(dp)
		if !ok {
			body, err := c.fetch(ctx, http.MethodGet, dp, nil)
			if err != nil {
				lastErr = err
				continue
			}
			crl, err = x509.ParseRevocationList(body)
			if err != nil {
				lastErr = fmt.Errorf("failed to parse CRL: %w", err)
				continue
			}
			c.crls.set(dp, crl)
		}
		for _, revoked := range crl.RevokedCertificateEntries {
			if revoked.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				return ErrCertificateRevoked
			}
		}
		return nil
	}
	return fmt.Errorf("failed to check CRL: %w", lastErr)
}

func (c *OCSPRevocationChecker) fetch(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/ocsp-request")
		req.Header.Set("Accept", "application/ocsp-response")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

type statusEntry[T any] struct {
	value     T
	fetchedAt time.Time
}

type statusCache[T any] struct {
	mu      sync.RWMutex
	entries map[string]statusEntry[T]
	timeout time.Duration
}

func newStatusCache[T any](timeout time.Duration) *statusCache[T] {
	return &statusCache[T]{entries: make(map[string]statusEntry[T]), timeout: timeout}
}

func (c *statusCache[T]) get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || time.Since(entry.fetchedAt) > c.timeout {
		var zero T
		return zero, false
	}
	return entry.value, true
}

func (c *statusCache[T]) set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = statusEntry[T]{value: value, fetchedAt: time.Now()}
}
