package keystore

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirosfoundation/go-wsbridge/pkg/credentials"
	"github.com/sirosfoundation/go-wsbridge/pkg/failure"
	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
)

// DefaultCSRPath is the gateway's certificate signing service.
const DefaultCSRPath = "/ssg/csr"

// CertPoolSource supplies the trusted server certificates for a gateway.
type CertPoolSource interface {
	ServerCertPool(gw *gateway.Gateway) (*x509.CertPool, error)
}

// HTTPIssuer applies for client certificates by posting a PEM encoded
// certificate request to the gateway over HTTPS with Basic authentication.
type HTTPIssuer struct {
	Pools   CertPoolSource
	Path    string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewHTTPIssuer creates an issuer trusting the certificates from pools.
func NewHTTPIssuer(pools CertPoolSource, logger *slog.Logger) *HTTPIssuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPIssuer{Pools: pools, Path: DefaultCSRPath, Timeout: 30 * time.Second, Logger: logger}
}

// IssueCertificate implements Issuer.
func (i *HTTPIssuer) IssueCertificate(ctx context.Context, gw *gateway.Gateway, creds *credentials.Credentials, csrDER []byte) (*x509.Certificate, error) {
	pool, err := i.Pools.ServerCertPool(gw)
	if err != nil {
		return nil, err
	}
	endpoint := url.URL{
		Scheme: "https",
		Host:   gw.Address() + ":" + strconv.Itoa(gw.Port()),
		Path:   i.Path,
	}
	client := &http.Client{
		Timeout: i.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		},
	}

	body := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating certificate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/pkcs10")
	req.SetBasicAuth(creds.Username, creds.Password)

	resp, err := client.Do(req)
	if err != nil {
		if failure.IsTLS(err) {
			return nil, failure.Wrap(failure.KindSSL, err, "certificate signing service")
		}
		return nil, fmt.Errorf("posting certificate request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading certificate response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, failure.Errorf(failure.KindBadCredentials, "%s rejected the credentials for %s", gw.PeerName(), creds.Username)
	case http.StatusForbidden, http.StatusConflict:
		return nil, failure.Errorf(failure.KindCertificateAlreadyIssued, "%s has already issued a certificate for %s", gw.PeerName(), creds.Username)
	default:
		return nil, failure.Errorf(failure.KindClientCertificate, "certificate signing service returned status %d", resp.StatusCode)
	}

	der := respBody
	if block, _ := pem.Decode(respBody); block != nil {
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, failure.Wrap(failure.KindClientCertificate, err, "gateway returned an unreadable certificate")
	}
	i.Logger.Debug("Certificate issued", "gateway", gw.PeerName(), "serial", cert.SerialNumber.String())
	return cert, nil
}
