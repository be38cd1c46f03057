package bridge

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirosfoundation/go-wsbridge/pkg/compression"
	"github.com/sirosfoundation/go-wsbridge/pkg/failure"
	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
	"github.com/sirosfoundation/go-wsbridge/pkg/message"
	"github.com/sirosfoundation/go-wsbridge/pkg/policy"
	"github.com/sirosfoundation/go-wsbridge/pkg/security"
	"github.com/sirosfoundation/go-wsbridge/pkg/transport"
)

const defaultContentType = "text/xml; charset=utf-8"

// errPolicyDownloaded marks the retry that follows a policy download.
var errPolicyDownloaded = errors.New("gateway sent a new policy")

// targetURL is the gateway URL, switched to its TLS variant when the
// policy requires TLS.
func (p *Processor) targetURL(rc *RequestContext) (*url.URL, error) {
	u, err := rc.gw.URL()
	if err != nil {
		return nil, failure.Wrap(failure.KindConfiguration, err, "invalid gateway URL")
	}
	if rc.attempt.sslRequired {
		secure, err := rc.gw.SecureURL(u)
		if err != nil {
			return nil, failure.Wrap(failure.KindConfiguration, err, "policy requires TLS")
		}
		u = secure
	}
	switch u.Scheme {
	case "http", "https":
		return u, nil
	default:
		return nil, failure.Errorf(failure.KindConfiguration, "unsupported gateway URL scheme %q", u.Scheme)
	}
}

func (p *Processor) passthrough(gw *gateway.Gateway) bool {
	return p.cfg.HTTPHeaderPassthrough || gw.HTTPHeaderPassthrough
}

// obtainResponse posts the decorated request to the gateway and stores
// the reply in rc.Response().
func (p *Processor) obtainResponse(ctx context.Context, rc *RequestContext) error {
	gw := rc.gw
	target, err := p.targetURL(rc)
	if err != nil {
		return err
	}
	logger := p.logger.With("gateway", gw.PeerName(), "url", target.Redacted())
	passthrough := p.passthrough(gw)

	header := make(http.Header)
	if !passthrough {
		if cookies := gw.Session().Cookies(); len(cookies) > 0 {
			header.Set("Cookie", cookieHeader(cookies))
		}
	}
	header.Set("User-Agent", gateway.UserAgent)

	treq := &transport.Request{URL: target, Header: header}
	if err := p.setAuthentication(ctx, rc, treq); err != nil {
		return err
	}
	p.addRequestHeaders(rc, header, passthrough)

	body, err := rc.request.Bytes()
	if err != nil {
		return failure.Wrap(failure.KindInvalidDocument, err, "unable to serialize request")
	}
	if p.cfg.LogPosts {
		logger.Info("posting to gateway", "body", truncate(body, p.cfg.LogPostsByteLimit))
	}
	if gw.Compress || p.cfg.Compress || rc.attempt.compressionRequested {
		compressed, err := p.compressor.Compress(body)
		if err != nil {
			return failure.Wrap(failure.KindIO, err, "unable to compress request")
		}
		header.Set(compression.HeaderContentEncoding, compression.EncodingGzip)
		body = compressed
	}
	treq.Body = body

	rc.interceptRequest()

	rc.sslPeer = nil
	if target.Scheme == "https" {
		rc.sslPeer = gw
		if err := p.tlsIdentity(ctx, rc, treq); err != nil {
			return err
		}
	}

	resp, err := p.transport.Do(ctx, treq)
	if err != nil {
		return err
	}
	defer resp.Close()
	return p.readResponse(ctx, rc, target, resp, logger)
}

// setAuthentication enables HTTP Basic or Digest authentication when the
// policy asked for it.
func (p *Processor) setAuthentication(ctx context.Context, rc *RequestContext, treq *transport.Request) error {
	a := &rc.attempt
	if !a.basicAuthRequired && !a.digestAuthRequired {
		return nil
	}
	if rc.gw.Federated() {
		return failure.New(failure.KindOperationCanceled,
			"password based authentication is not supported for federated gateways")
	}
	creds, err := rc.TrustedCredentials(ctx)
	if err != nil {
		return err
	}
	treq.Credentials = creds
	treq.Auth = transport.AuthDigest
	if a.basicAuthRequired {
		treq.Auth = transport.AuthBasic
	}
	return nil
}

func (p *Processor) addRequestHeaders(rc *RequestContext, header http.Header, passthrough bool) {
	header.Set("SOAPAction", rc.key.SOAPAction)
	if rc.originalURL != "" {
		header.Set(gateway.HeaderOriginalURL, rc.originalURL)
	}
	if ap := rc.attempt.activePolicy; ap != nil && !ap.AlwaysValid() && ap.Version() != "" {
		header.Set(gateway.HeaderPolicyVersion, ap.Version())
	}
	contentType := rc.request.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	header.Set("Content-Type", contentType)

	if !passthrough {
		return
	}
	for name, values := range rc.originalHeader {
		if !rc.gw.ShouldCopyHeader(name) {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
}

// tlsIdentity sets the trust anchors for the gateway and, if the account
// has a client certificate, unlocks it for the handshake.
func (p *Processor) tlsIdentity(ctx context.Context, rc *RequestContext, treq *transport.Request) error {
	pool, err := p.keys.ServerCertPool(rc.gw)
	if err != nil {
		return err
	}
	treq.RootCAs = pool

	trusted := rc.gw.Trusted()
	cert, err := p.keys.ClientCertificate(trusted)
	if err != nil || cert == nil {
		return err
	}
	creds, err := rc.TrustedCredentials(ctx)
	if err != nil {
		return err
	}
	tlsCert, err := p.keys.TLSCertificate(ctx, trusted, creds)
	if err != nil {
		return err
	}
	treq.ClientCertificate = tlsCert
	return nil
}

func (p *Processor) readResponse(ctx context.Context, rc *RequestContext, target *url.URL, resp *transport.Response, logger *slog.Logger) error {
	gw := rc.gw
	status := resp.Status
	logger.Debug("gateway responded", "status", status)

	if !p.passthrough(gw) {
		now := p.now()
		gw.Session().MergeCookies(func(current []*http.Cookie) []*http.Cookie {
			return mergeCookies(current, resp.Header, target, now)
		})
	}

	if target.Scheme == "https" {
		switch strings.ToLower(strings.TrimSpace(resp.Header.Get(gateway.HeaderCertStatus))) {
		case gateway.CertStatusInvalid:
			logger.Info("gateway reports the client certificate is invalid")
			return p.handleCertStatusInvalid(ctx, rc)
		case gateway.CertStatusStale:
			logger.Info("gateway reports the client certificate is stale; it will be renewed")
			rc.runOnClose(func(ctx context.Context) { p.handleCertStatusStale(ctx, rc) })
		}
	}

	if err := p.checkPolicyURL(ctx, rc, resp, logger); err != nil {
		return err
	}

	data, err := compression.ReadBody(resp.Body, resp.Header.Get(compression.HeaderContentEncoding), p.cfg.MaxResponseSize)
	if err != nil {
		return failure.Wrap(failure.KindIO, err, "unable to read response")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		saveFault(rc.response, data, status)
		logger.Warn("response from gateway did not contain a content type", "status", status,
			"body", p.loggedResponse(data))
		if err := p.checkStatus(rc, status, resp.Header, target, logger); err != nil {
			return err
		}
		return failure.Errorf(failure.KindIO, "response from gateway did not contain a content type (status %d)", status)
	}

	rc.response.Initialize(data, contentType)
	rc.response.Header = resp.Header.Clone()
	rc.response.Header.Del(compression.HeaderContentEncoding)
	rc.response.Status = status

	rc.interceptReply()
	if p.cfg.LogResponse {
		logger.Info("response from gateway", "status", status, "body", truncate(data, p.cfg.LogResponseByteLimit))
	}

	rc.attempt.processResponse = func() (*security.ProcessorResult, error) { return p.processResponse(rc) }

	return p.checkStatus(rc, status, resp.Header, target, logger)
}

// checkPolicyURL downloads the policy the gateway points to. When the
// gateway rejected the request the attempt is retried with the new policy.
func (p *Processor) checkPolicyURL(ctx context.Context, rc *RequestContext, resp *transport.Response, logger *slog.Logger) error {
	raw := resp.Header.Get(gateway.HeaderPolicyURL)
	if raw == "" {
		return nil
	}
	if rc.policyUpdated {
		return failure.New(failure.KindConfiguration,
			"gateway rejected message for non-compliance with policy; updating the policy did not help")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return failure.Wrap(failure.KindConfiguration, err, "gateway sent a malformed policy URL")
	}
	serviceID := u.Query().Get("serviceoid")
	if serviceID == "" {
		return failure.Errorf(failure.KindConfiguration,
			"gateway sent policy URL %q, but it was unable to extract the service ID", raw)
	}

	logger.Info("gateway sent a new policy URL", "policyUrl", raw)
	if err := p.downloadPolicy(ctx, rc, u.Path, serviceID); err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return failure.Wrap(failure.KindPolicyRetryable, errPolicyDownloaded, "policy updated")
	}
	return nil
}

// downloadPolicy fetches and installs the policy with the given service
// ID. A revoked client certificate is replaced and the download retried
// once.
func (p *Processor) downloadPolicy(ctx context.Context, rc *RequestContext, path, serviceID string) error {
	pol, err := p.fetchPolicy(ctx, rc, path, serviceID)
	if failure.CausedBy(err, failure.KindClientCertRevoked) {
		if rerr := p.handleCertStatusInvalid(ctx, rc); rerr != nil && !failure.CausedBy(rerr, failure.KindPolicyRetryable) {
			return rerr
		}
		pol, err = p.fetchPolicy(ctx, rc, path, serviceID)
	}
	if err != nil {
		if rc.interceptor != nil {
			rc.interceptor.OnPolicyError(rc.gw, rc.key, err)
		}
		return err
	}

	if err := p.policies.For(rc.gw).SetPolicy(ctx, rc.key, pol); err != nil {
		return err
	}
	rc.policyUpdated = true
	p.logger.Info("policy updated", "gateway", rc.gw.PeerName(), "key", rc.key.String(), "version", pol.Version())
	if rc.interceptor != nil {
		rc.interceptor.OnPolicyUpdated(rc.gw, rc.key, pol)
	}
	return nil
}

// fetchPolicy downloads over TLS whenever the gateway is reached over
// TLS, presenting the client certificate if there is one.
func (p *Processor) fetchPolicy(ctx context.Context, rc *RequestContext, path, serviceID string) (*policy.Policy, error) {
	gw := rc.gw
	req := policy.DownloadRequest{
		ServiceID: serviceID,
		Path:      path,
		Secure:    gw.UseSSLByDefault || rc.attempt.sslRequired,
	}
	if u, err := gw.URL(); err == nil && u.Scheme == "https" {
		req.Secure = true
	}
	if req.Secure {
		rc.sslPeer = gw
		treq := &transport.Request{}
		if err := p.tlsIdentity(ctx, rc, treq); err != nil {
			return nil, err
		}
		req.RootCAs, req.ClientCertificate = treq.RootCAs, treq.ClientCertificate
		if !gw.Federated() {
			req.Credentials = rc.CachedCredentials()
		}
	}
	return p.downloader.Download(ctx, gw, req)
}

// checkStatus turns an HTTP authentication failure into BadCredentials.
func (p *Processor) checkStatus(rc *RequestContext, status int, header http.Header, target *url.URL, logger *slog.Logger) error {
	if status != http.StatusUnauthorized && status != http.StatusPaymentRequired {
		return nil
	}
	challenge := header.Get("WWW-Authenticate")
	logger.Info("gateway requires authentication", "status", status, "challenge", challenge)
	if challenge == "" && target.Scheme == "https" {
		if cert, _ := p.keys.ClientCertificate(rc.gw.Trusted()); cert != nil {
			logger.Info("got 401 over TLS without an HTTP challenge; the client certificate may be no good")
		}
	}
	return failure.Errorf(failure.KindBadCredentials, "gateway %s rejected the credentials (status %d)", rc.gw.PeerName(), status)
}

// saveFault keeps a SOAP fault found in an otherwise unusable response so
// that it can still be delivered.
func saveFault(resp *message.Message, data []byte, status int) {
	candidate := message.New(data, defaultContentType)
	if !candidate.IsFault() {
		return
	}
	resp.Initialize(data, defaultContentType)
	resp.Status = status
}

func (p *Processor) loggedResponse(data []byte) string {
	if !p.cfg.LogResponse {
		return ""
	}
	return truncate(data, p.cfg.LogResponseByteLimit)
}

func truncate(data []byte, limit int) string {
	if limit > 0 && len(data) > limit {
		return string(bytes.ToValidUTF8(data[:limit], nil)) + "..."
	}
	return string(data)
}
