package bridge

import (
	"compress/gzip"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sirosfoundation/go-wsbridge/internal/keystore"
	"github.com/sirosfoundation/go-wsbridge/pkg/compression"
	"github.com/sirosfoundation/go-wsbridge/pkg/credentials"
	"github.com/sirosfoundation/go-wsbridge/pkg/failure"
	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
	"github.com/sirosfoundation/go-wsbridge/pkg/message"
	"github.com/sirosfoundation/go-wsbridge/pkg/policy"
	"github.com/sirosfoundation/go-wsbridge/pkg/security"
	"github.com/sirosfoundation/go-wsbridge/pkg/transport"
)

var (
	// ErrNoKeyStore is returned by NewProcessor without a keystore.
	ErrNoKeyStore = errors.New("a keystore is required")
)

// Dependencies are the collaborators of a Processor. Only KeyStore is
// required.
type Dependencies struct {
	Policies    policy.Source
	Credentials credentials.Manager
	KeyStore    keystore.Manager
	Transport   transport.Client
	Downloader  *policy.Downloader

	Decorator         security.Decorator
	SecurityProcessor security.Processor

	Interceptor RequestInterceptor
	Observer    Observer
	Logger      *slog.Logger
}

// Processor sends requests to gateways, applying their policies and
// recovering from the failures the gateway or the local key material
// report. A Processor is safe for concurrent use; each request has its own
// RequestContext.
type Processor struct {
	cfg Config

	policies    policy.Source
	creds       credentials.Manager
	keys        keystore.Manager
	transport   transport.Client
	downloader  *policy.Downloader
	decorator   security.Decorator
	wss         security.Processor
	interceptor RequestInterceptor
	observer    Observer
	logger      *slog.Logger

	compressor *compression.Compressor
	now        func() time.Time
}

// NewProcessor creates a processor. Missing collaborators other than the
// keystore get defaults: an in-memory policy cache, no credentials, the
// HTTPS transport and the header decorator and processor.
func NewProcessor(cfg Config, deps Dependencies) (*Processor, error) {
	if deps.KeyStore == nil {
		return nil, ErrNoKeyStore
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Policies == nil {
		deps.Policies = policy.NewManagers(nil, logger)
	}
	if deps.Credentials == nil {
		deps.Credentials = credentials.NewStaticManager()
	}
	if deps.Transport == nil {
		deps.Transport = transport.NewHTTPSClient(&transport.HTTPSConfig{
			MinTLSVersion:   transport.TLS12,
			MaxTLSVersion:   transport.TLS13,
			CipherSuites:    transport.RecommendedTLS12CipherSuites,
			ConnectTimeout:  30 * time.Second,
			Timeout:         60 * time.Second,
			IdleConnTimeout: 90 * time.Second,
			Logger:          logger,
		})
	}
	if deps.Downloader == nil {
		deps.Downloader = policy.NewDownloader(deps.Transport, "", logger)
	}
	if deps.Decorator == nil {
		deps.Decorator = security.NewHeaderDecorator()
	}
	if deps.SecurityProcessor == nil {
		deps.SecurityProcessor = security.NewHeaderProcessor()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if cfg.LogPostsByteLimit <= 0 {
		cfg.LogPostsByteLimit = DefaultLogByteLimit
	}
	if cfg.LogResponseByteLimit <= 0 {
		cfg.LogResponseByteLimit = DefaultLogByteLimit
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = DefaultMaxResponseSize
	}
	level := cfg.CompressionLevel
	if level == 0 {
		level = gzip.DefaultCompression
	}
	compressor, err := compression.NewCompressorWithLevel(level)
	if err != nil {
		return nil, err
	}

	return &Processor{
		cfg:         cfg,
		policies:    deps.Policies,
		creds:       deps.Credentials,
		keys:        deps.KeyStore,
		transport:   deps.Transport,
		downloader:  deps.Downloader,
		decorator:   deps.Decorator,
		wss:         deps.SecurityProcessor,
		interceptor: deps.Interceptor,
		observer:    deps.Observer,
		logger:      logger,
		compressor:  compressor,
		now:         time.Now,
	}, nil
}

// NewRequestContext prepares req for sending to gw. key selects the policy;
// originalURL is the URL the client addressed, if any. The caller must
// Close the context once it is done with the response.
func (p *Processor) NewRequestContext(gw *gateway.Gateway, req *message.Message, key policy.AttachmentKey, originalURL string) (*RequestContext, error) {
	if gw == nil {
		return nil, failure.New(failure.KindConfiguration, "no gateway")
	}
	body, err := req.Bytes()
	if err != nil {
		return nil, failure.Wrap(failure.KindInvalidDocument, err, "unable to read request")
	}
	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	rc := &RequestContext{
		p:                   p,
		gw:                  gw,
		key:                 key,
		originalURL:         originalURL,
		interceptor:         p.interceptor,
		original:            body,
		originalContentType: req.ContentType,
		originalHeader:      header,
	}
	rc.Reset()
	return rc, nil
}

// ProcessMessage sends the request of rc to its gateway and leaves the
// gateway's reply in rc.Response().
//
// Each attempt enforces the policy, posts the request and undecorates the
// response. When an attempt fails with a recoverable error the recovery is
// performed and the request is tried again from its original form, at most
// MaxTries times. If every attempt fails and the last response is a SOAP
// fault, the fault is delivered as the response and ProcessMessage returns
// nil.
//
// Unless the request succeeds, the policy in use is invalidated so that the
// next request does not reuse it.
func (p *Processor) ProcessMessage(ctx context.Context, rc *RequestContext) error {
	logger := p.logger.With("gateway", rc.gw.PeerName(), "key", rc.key.String())
	start := p.now()
	succeeded := false
	outcome := OutcomeError
	defer func() {
		if !succeeded {
			if ap := rc.attempt.activePolicy; ap != nil {
				ap.Invalidate()
			}
		}
		p.observer.Finished(rc.gw, outcome, p.now().Sub(start))
	}()

	for attempt := 0; attempt < MaxTries; attempt++ {
		if attempt > 0 {
			rc.Reset()
		}
		if err := ctx.Err(); err != nil {
			return failure.Wrap(failure.KindOperationCanceled, err, "request abandoned")
		}
		p.observer.Attempt(rc.gw)

		err := p.attempt(ctx, rc)
		if err == nil {
			succeeded = true
			outcome = OutcomeSuccess
			return nil
		}

		action, rerr := p.recover(ctx, rc, err)
		if rerr != nil {
			logger.Warn("request failed", "attempt", attempt+1, "error", rerr)
			return rerr
		}
		p.observer.Recovered(rc.gw, action)
		logger.Info("retrying request", "attempt", attempt+1, "recovery", string(action), "cause", err)
	}

	if rc.response.IsFault() {
		logger.Warn("unable to conform to policy; delivering the gateway's fault", "attempts", MaxTries)
		outcome = OutcomeFault
		return nil
	}
	return failure.New(failure.KindConfiguration, "unable to conform to policy, and no useful fault from gateway")
}

func (p *Processor) attempt(ctx context.Context, rc *RequestContext) error {
	if err := p.enforcePolicy(ctx, rc); err != nil {
		return err
	}
	if err := p.obtainResponse(ctx, rc); err != nil {
		return err
	}
	return p.undecorateResponse(ctx, rc)
}

// recover performs the recovery action for a failed attempt. An error
// means the failure is not recoverable, or the recovery itself failed.
func (p *Processor) recover(ctx context.Context, rc *RequestContext, err error) (Recovery, error) {
	switch kind := failure.KindOf(err); {
	case kind == failure.KindSSL || (kind == failure.KindUnknown && failure.IsTLS(err)):
		return p.handleSSLError(ctx, rc, err)

	case kind == failure.KindClientCertRevoked:
		if rerr := p.handleCertStatusInvalid(ctx, rc); rerr != nil && !errors.Is(rerr, failure.ErrPolicyRetryable) {
			return "", rerr
		}
		return RecoverClientCert, nil

	case kind == failure.KindServerCertUntrusted:
		return p.handleServerCertUntrusted(ctx, rc, err)

	case kind == failure.KindPolicyRetryable:
		if errors.Is(err, errPolicyDownloaded) {
			return RecoverPolicyDownloaded, nil
		}
		return RecoverRetry, nil

	case kind == failure.KindBadCredentials:
		return p.handleBadCredentials(ctx, rc, err)

	case kind == failure.KindKeyStoreCorrupt:
		if rerr := p.keys.HandleKeyStoreCorrupt(ctx, rc.gw); rerr != nil {
			return "", rerr
		}
		return RecoverKeyStore, nil

	case kind == failure.KindDecorator:
		if !failure.CausedBy(err, failure.KindCredentialsRequired) {
			return "", failure.Wrap(failure.KindConfiguration, err, "unable to decorate request")
		}
		if rerr := rc.credentialsWithHint(ctx, credentials.HintPrivateKey); rerr != nil {
			return "", rerr
		}
		return RecoverCredentials, nil

	case kind == failure.KindProcessor:
		if !failure.CausedBy(err, failure.KindCredentialsRequired) {
			return "", err
		}
		if _, rerr := rc.TrustedCredentials(ctx); rerr != nil {
			return "", rerr
		}
		return RecoverCredentials, nil

	case kind == failure.KindCredentialsRequired:
		if _, rerr := rc.TrustedCredentials(ctx); rerr != nil {
			return "", rerr
		}
		return RecoverCredentials, nil
	}
	return "", err
}

func (p *Processor) failedPeer(rc *RequestContext, err error) gateway.Peer {
	var pe *gateway.PeerError
	if errors.As(err, &pe) {
		return pe.Peer
	}
	return rc.sslPeer
}

func (p *Processor) handleSSLError(ctx context.Context, rc *RequestContext, err error) (Recovery, error) {
	gw := rc.gw
	if failure.CausedBy(err, failure.KindCredentialsRequired) {
		if rerr := rc.credentialsWithHint(ctx, credentials.HintPrivateKey); rerr != nil {
			return "", rerr
		}
		return RecoverCredentials, nil
	}
	if gw.Generic {
		return "", err
	}
	if !gw.Federated() {
		creds, rerr := rc.TrustedCredentials(ctx)
		if rerr != nil {
			return "", rerr
		}
		return RecoverServerCert, p.handleSSLException(ctx, gw, creds, err)
	}

	switch peer := p.failedPeer(rc, err); {
	case peer == nil:
		return "", failure.Wrap(failure.KindConfiguration, err, "TLS failure, but no TLS peer was recorded")
	case peer == gateway.Peer(gw):
		return RecoverServerCert, p.handleSSLException(ctx, gw, nil, err)
	case peer == gateway.Peer(gw.TrustedGateway):
		creds, rerr := rc.TrustedCredentials(ctx)
		if rerr != nil {
			return "", rerr
		}
		return RecoverServerCert, p.handleSSLException(ctx, gw.TrustedGateway, creds, err)
	default:
		return RecoverTokenService, p.handleTokenServiceSSLError(ctx, rc, peer, err)
	}
}

// handleSSLException fixes what caused a TLS failure with gw when that is
// as simple as not trusting its current server certificate.
func (p *Processor) handleSSLException(ctx context.Context, gw *gateway.Gateway, creds *credentials.Credentials, err error) error {
	if failure.CausedBy(err, failure.KindBadCredentials) || failure.CausedBy(err, failure.KindUnrecoverableKey) {
		p.logger.Info("TLS handshake failed; the password does not unlock the client certificate", "gateway", gw.PeerName())
		return failure.Wrap(failure.KindBadCredentials, err, "unable to unlock the client certificate")
	}
	if corrupt := failure.Find(err, failure.KindKeyStoreCorrupt); corrupt != nil {
		return corrupt
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return failure.Wrap(failure.KindConfiguration, err,
			fmt.Sprintf("the certificate of %s does not match its host name", gw.PeerName()))
	}

	p.logger.Info("discovering server certificate", "gateway", gw.PeerName(), "cause", err)
	return p.keys.InstallServerCertificate(ctx, gw, creds)
}

func (p *Processor) handleTokenServiceSSLError(ctx context.Context, rc *RequestContext, peer gateway.Peer, err error) error {
	strategy := rc.gw.TokenStrategy
	if strategy == nil {
		return failure.Wrap(failure.KindSSL, err, fmt.Sprintf(
			"TLS failure talking to %s, which is neither the gateway nor its trusted gateway, and no token strategy is configured",
			peer.PeerName()))
	}
	if rerr := strategy.HandleSSLError(ctx, peer, err); rerr != nil {
		return rerr
	}
	return p.creds.SaveGatewayChanges(ctx, rc.gw)
}

func (p *Processor) handleServerCertUntrusted(ctx context.Context, rc *RequestContext, err error) (Recovery, error) {
	gw := rc.gw
	if !gw.Federated() {
		creds, rerr := rc.TrustedCredentials(ctx)
		if rerr != nil {
			return "", rerr
		}
		if rerr := p.keys.InstallServerCertificate(ctx, gw, creds); rerr != nil {
			return "", rerr
		}
		rc.serverCertUpdated = true
		return RecoverServerCert, nil
	}

	switch peer := p.failedPeer(rc, err); {
	case peer == gateway.Peer(gw):
		if rerr := p.keys.InstallServerCertificate(ctx, gw, nil); rerr != nil {
			return "", rerr
		}
		rc.serverCertUpdated = true
		return RecoverServerCert, nil
	case peer == gateway.Peer(gw.TrustedGateway):
		creds, rerr := rc.TrustedCredentials(ctx)
		if rerr != nil {
			return "", rerr
		}
		return RecoverServerCert, p.keys.InstallServerCertificate(ctx, gw.TrustedGateway, creds)
	case peer != nil:
		return RecoverTokenService, p.handleTokenServiceSSLError(ctx, rc, peer, err)
	default:
		return "", failure.Wrap(failure.KindConfiguration, err, "server certificate untrusted, but no TLS peer was recorded")
	}
}

func (p *Processor) handleBadCredentials(ctx context.Context, rc *RequestContext, err error) (Recovery, error) {
	gw := rc.gw
	if gw.ChainCredentialsFromClient {
		return "", failure.Wrap(failure.KindHTTPChallengeRequired, err, "the client must authenticate again")
	}
	if gw.Federated() {
		return "", failure.Wrap(failure.KindOperationCanceled, err,
			fmt.Sprintf("client identity rejected by federated gateway %s", gw.Address()))
	}
	if rerr := rc.newCredentials(ctx); rerr != nil {
		return "", rerr
	}
	return RecoverNewCredentials, nil
}

// handleCertStatusInvalid replaces a client certificate the gateway no
// longer accepts. It returns a PolicyRetryable error once a new certificate
// was obtained.
func (p *Processor) handleCertStatusInvalid(ctx context.Context, rc *RequestContext) error {
	gw := rc.gw
	if gw.Federated() {
		return failure.Errorf(failure.KindConfiguration,
			"%s rejected the client certificate issued by its trusted gateway", gw)
	}
	creds, err := rc.TrustedCredentials(ctx)
	if err != nil {
		return err
	}

	p.logger.Info("obtaining a new client certificate", "gateway", gw.PeerName())
	err = p.keys.ObtainClientCertificate(ctx, gw, creds)
	switch {
	case err == nil:
		return failure.New(failure.KindPolicyRetryable, "obtained a new client certificate")
	case failure.CausedBy(err, failure.KindCertificateAlreadyIssued):
		if !rc.policyUpdated {
			p.policies.For(gw).FlushPolicy(ctx, rc.key)
			return failure.Wrap(failure.KindPolicyRetryable, err, "client certificate already issued; retrying with a fresh policy")
		}
		p.creds.NotifyCertificateAlreadyIssued(gw.Trusted())
		return err
	case failure.KindOf(err) == failure.KindUnknown || failure.KindOf(err) == failure.KindIO:
		return failure.Wrap(failure.KindClientCertificate, err, "unable to obtain new client certificate")
	default:
		return err
	}
}

// handleCertStatusStale renews a client certificate that the gateway still
// accepts but wants replaced. It runs after the response was delivered, so
// failures are only logged.
func (p *Processor) handleCertStatusStale(ctx context.Context, rc *RequestContext) {
	gw := rc.gw
	if gw.Federated() {
		return
	}
	logger := p.logger.With("gateway", gw.PeerName())
	creds, err := rc.TrustedCredentials(ctx)
	if err != nil {
		logger.Warn("unable to renew stale client certificate", "error", err)
		return
	}
	logger.Info("renewing stale client certificate")
	if err := p.keys.ObtainClientCertificate(ctx, gw, creds); err != nil {
		logger.Warn("unable to renew stale client certificate", "error", err)
		if failure.CausedBy(err, failure.KindKeyStoreCorrupt) {
			if err := p.keys.HandleKeyStoreCorrupt(ctx, gw); err != nil {
				logger.Warn("unable to rebuild keystore", "error", err)
			}
		}
	}
}
