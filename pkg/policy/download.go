package policy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirosfoundation/go-wsbridge/pkg/compression"
	"github.com/sirosfoundation/go-wsbridge/pkg/credentials"
	"github.com/sirosfoundation/go-wsbridge/pkg/failure"
	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
	"github.com/sirosfoundation/go-wsbridge/pkg/transport"
)

// DefaultDiscoveryPath is where gateways serve policy documents.
const DefaultDiscoveryPath = "/ssg/policy/disco"

// MaxPolicySize caps a decoded policy document.
const MaxPolicySize = 4 << 20

// clockSkewTolerance is the difference between the gateway's and the local
// clock that is ignored.
const clockSkewTolerance = 10 * time.Second

// DownloadRequest selects the policy to fetch and how to authenticate.
type DownloadRequest struct {
	ServiceID string
	// Path overrides the downloader's discovery path.
	Path   string
	Secure bool

	RootCAs           *x509.CertPool
	ClientCertificate *tls.Certificate
	// Credentials are sent with HTTP Basic over TLS only.
	Credentials *credentials.Credentials
}

// Downloader fetches policy documents from a gateway's policy service.
type Downloader struct {
	client transport.Client
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// NewDownloader creates a downloader. An empty path uses
// DefaultDiscoveryPath.
func NewDownloader(client transport.Client, path string, logger *slog.Logger) *Downloader {
	if path == "" {
		path = DefaultDiscoveryPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{client: client, path: path, logger: logger, now: time.Now}
}

func (d *Downloader) url(gw *gateway.Gateway, req DownloadRequest) (*url.URL, error) {
	base, err := gw.URL()
	if err != nil {
		return nil, failure.Wrap(failure.KindConfiguration, err, "cannot build policy URL")
	}
	path := req.Path
	if path == "" {
		path = d.path
	}
	u := &url.URL{
		Scheme:   "http",
		Host:     base.Host,
		Path:     path,
		RawQuery: "serviceoid=" + url.QueryEscape(req.ServiceID),
	}
	if req.Secure {
		u.Scheme = "https"
		u.Host = net.JoinHostPort(base.Hostname(), strconv.Itoa(gw.Port()))
	}
	return u, nil
}

// Download fetches and parses the policy for req.ServiceID.
//
// It fails with ClientCertRevoked when the gateway reports the client
// certificate invalid, BadCredentials on 401 and InvalidDocument when the
// reply is not a policy.
func (d *Downloader) Download(ctx context.Context, gw *gateway.Gateway, req DownloadRequest) (*Policy, error) {
	if req.ServiceID == "" {
		return nil, failure.New(failure.KindConfiguration, "policy download needs a service id")
	}
	target, err := d.url(gw, req)
	if err != nil {
		return nil, err
	}

	treq := &transport.Request{
		URL: target,
		Header: http.Header{
			"User-Agent":      {gateway.UserAgent},
			"Accept-Encoding": {compression.EncodingGzip},
		},
		RootCAs:           req.RootCAs,
		ClientCertificate: req.ClientCertificate,
	}
	if req.Secure && req.Credentials.Complete() {
		treq.Auth = transport.AuthBasic
		treq.Credentials = req.Credentials
	}

	logger := d.logger.With("gateway", gw.PeerName(), "serviceoid", req.ServiceID)
	before := d.now()
	resp, err := d.client.Do(ctx, treq)
	if err != nil {
		return nil, err
	}
	defer resp.Close()
	after := d.now()
	logger.Debug("policy server responded", "status", resp.Status, "took", after.Sub(before))

	if strings.EqualFold(resp.Header.Get(gateway.HeaderCertStatus), gateway.CertStatusInvalid) {
		logger.Info("policy download failed due to invalid client certificate")
		return nil, failure.New(failure.KindClientCertRevoked, "client certificate invalid")
	}
	switch {
	case resp.Status == http.StatusUnauthorized:
		return nil, failure.Errorf(failure.KindBadCredentials, "policy server at %s rejected the credentials", gw.PeerName())
	case resp.Status != http.StatusOK:
		return nil, failure.Errorf(failure.KindIO, "unable to obtain policy from policy server: status %d", resp.Status)
	}

	data, err := compression.ReadBody(resp.Body, resp.Header.Get(compression.HeaderContentEncoding), MaxPolicySize)
	if err != nil {
		return nil, failure.Wrap(failure.KindIO, err, "reading policy")
	}
	p, err := Parse(data)
	if err != nil {
		return nil, failure.Wrap(failure.KindInvalidDocument, err, "policy server returned an unusable document")
	}

	if req.Secure {
		d.noteClockOffset(gw, resp.Header.Get("Date"), before, after, logger)
	}
	return p, nil
}

// noteClockOffset records the gateway clock offset when the Date header of
// a trusted reply differs from the local clock by more than the round trip
// plus clockSkewTolerance.
func (d *Downloader) noteClockOffset(gw *gateway.Gateway, date string, before, after time.Time, logger *slog.Logger) {
	if date == "" {
		return
	}
	gwTime, err := http.ParseTime(date)
	if err != nil {
		return
	}
	roundTrip := after.Sub(before)
	if diff := gwTime.Sub(after); diff > clockSkewTolerance+roundTrip || -diff > clockSkewTolerance+roundTrip {
		offset := gwTime.Sub(before.Add(roundTrip / 2))
		logger.Info("gateway clock differs from local clock", "offset", offset)
		gw.SetClockOffset(offset)
	}
}
