package bridge

import (
	"context"
	"crypto/x509"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-wsbridge/pkg/credentials"
	"github.com/sirosfoundation/go-wsbridge/pkg/failure"
	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
	"github.com/sirosfoundation/go-wsbridge/pkg/message"
	"github.com/sirosfoundation/go-wsbridge/pkg/policy"
	"github.com/sirosfoundation/go-wsbridge/pkg/security"
)

// RequestContext is the state of one request on its way through the
// processor. It is not safe for concurrent use.
//
// State set while evaluating the policy is discarded by Reset before each
// new attempt. Credentials, the secure conversation in use, the cookies
// and the recovery flags last for the whole request.
type RequestContext struct {
	p           *Processor
	gw          *gateway.Gateway
	key         policy.AttachmentKey
	originalURL string
	interceptor RequestInterceptor

	request  *message.Message
	response *message.Message

	original            []byte
	originalContentType string
	originalHeader      http.Header

	clientCreds *credentials.Credentials
	creds       *credentials.Credentials

	attempt attemptSettings

	scID     string
	scSecret []byte

	policyUpdated      bool
	serverCertUpdated  bool
	encryptedKeySecret []byte
	encryptedKeySHA1   string
	sslPeer            gateway.Peer

	closeOnce sync.Once
	onClose   []closeHook
}

// attemptSettings is everything the policy walk and the send step record
// for a single attempt.
type attemptSettings struct {
	activePolicy *policy.Policy

	sslRequired          bool
	basicAuthRequired    bool
	digestAuthRequired   bool
	compressionRequested bool
	authMissing          bool

	requirements map[string]*security.DecorationRequirements
	actors       []string
	decorations  []pendingDecoration

	messageID    string
	useWsa       bool
	wsaNamespace string

	usedKerberos bool
	usedSAML     bool

	processResponse func() (*security.ProcessorResult, error)
	result          *security.ProcessorResult
	resultErr       error
	resultDone      bool
}

type pendingDecoration struct {
	key        string
	decoration policy.Decoration
}

var _ policy.Context = (*RequestContext)(nil)

// Gateway returns the target gateway.
func (rc *RequestContext) Gateway() *gateway.Gateway { return rc.gw }

// Key returns the attachment key used to look up the policy.
func (rc *RequestContext) Key() policy.AttachmentKey { return rc.key }

// OriginalURL is the URL the client addressed, sent to the gateway in
// the L7-Original-Url header.
func (rc *RequestContext) OriginalURL() string { return rc.originalURL }

// Request returns the request as decorated by the current attempt.
func (rc *RequestContext) Request() *message.Message { return rc.request }

// Response returns the response of the current attempt.
func (rc *RequestContext) Response() *message.Message { return rc.response }

// ActivePolicy returns the policy applied by the current attempt, or nil.
func (rc *RequestContext) ActivePolicy() *policy.Policy { return rc.attempt.activePolicy }

// PolicyUpdated reports whether a new policy was downloaded for this
// request.
func (rc *RequestContext) PolicyUpdated() bool { return rc.policyUpdated }

// ServerCertUpdated reports whether the gateway's server certificate was
// rediscovered for this request.
func (rc *RequestContext) ServerCertUpdated() bool { return rc.serverCertUpdated }

// EncryptedKey returns the encrypted key secret and its SHA-1 reference
// recorded while decorating the request.
func (rc *RequestContext) EncryptedKey() ([]byte, string) {
	return rc.encryptedKeySecret, rc.encryptedKeySHA1
}

// SetClientCredentials supplies the credentials of the calling client, used
// for gateways that chain credentials from the client.
func (rc *RequestContext) SetClientCredentials(c *credentials.Credentials) {
	rc.clientCreds = c
}

// SetInterceptor installs an interceptor for this request only.
func (rc *RequestContext) SetInterceptor(i RequestInterceptor) { rc.interceptor = i }

// Reset discards everything the previous attempt did to the request and
// response.
func (rc *RequestContext) Reset() {
	rc.request = message.New(append([]byte(nil), rc.original...), rc.originalContentType)
	rc.request.Header = rc.originalHeader.Clone()
	rc.response = message.New(nil, "")
	rc.attempt = attemptSettings{}
}

// Close runs the work deferred until the response was delivered, such as
// renewing a stale client certificate. It is safe to call more than once.
func (rc *RequestContext) Close(ctx context.Context) {
	rc.closeOnce.Do(func() {
		for _, hook := range rc.onClose {
			hook(ctx)
		}
		rc.onClose = nil
	})
}

func (rc *RequestContext) runOnClose(hook closeHook) {
	rc.onClose = append(rc.onClose, hook)
}

// CachedCredentials implements policy.Context.
func (rc *RequestContext) CachedCredentials() *credentials.Credentials {
	if rc.gw.ChainCredentialsFromClient {
		return rc.clientCreds
	}
	if rc.creds.Complete() {
		return rc.creds
	}
	return rc.p.creds.Cached(rc.gw.Trusted())
}

// TrustedCredentials implements policy.Context. For federated gateways
// these are the credentials of the trusted gateway and must never be sent
// to the federated one.
func (rc *RequestContext) TrustedCredentials(ctx context.Context) (*credentials.Credentials, error) {
	if rc.gw.ChainCredentialsFromClient {
		if !rc.clientCreds.Complete() {
			return nil, failure.Errorf(failure.KindHTTPChallengeRequired,
				"%s needs credentials from the client", rc.gw)
		}
		return rc.clientCreds, nil
	}
	if rc.creds.Complete() {
		return rc.creds, nil
	}
	c, err := rc.p.creds.Credentials(ctx, rc.gw.Trusted())
	if err != nil {
		return nil, err
	}
	rc.creds = c
	return c, nil
}

func (rc *RequestContext) newCredentials(ctx context.Context) error {
	c, err := rc.p.creds.NewCredentials(ctx, rc.gw.Trusted(), true)
	if err != nil {
		return err
	}
	rc.creds = c
	return nil
}

func (rc *RequestContext) credentialsWithHint(ctx context.Context, hint credentials.ReasonHint) error {
	c, err := rc.p.creds.CredentialsWithHint(ctx, rc.gw.Trusted(), hint, false)
	if err != nil {
		return err
	}
	rc.creds = c
	return nil
}

// SetSSLRequired implements policy.Context.
func (rc *RequestContext) SetSSLRequired(v bool) { rc.attempt.sslRequired = v }

// SetBasicAuthRequired implements policy.Context.
func (rc *RequestContext) SetBasicAuthRequired(v bool) { rc.attempt.basicAuthRequired = v }

// SetDigestAuthRequired implements policy.Context.
func (rc *RequestContext) SetDigestAuthRequired(v bool) { rc.attempt.digestAuthRequired = v }

// SetCompressionRequested implements policy.Context.
func (rc *RequestContext) SetCompressionRequested(v bool) { rc.attempt.compressionRequested = v }

// SetAuthenticationMissing implements policy.Context.
func (rc *RequestContext) SetAuthenticationMissing() { rc.attempt.authMissing = true }

// DefaultRequirements implements policy.Context.
func (rc *RequestContext) DefaultRequirements() *security.DecorationRequirements {
	return rc.Requirements("")
}

// Requirements implements policy.Context.
func (rc *RequestContext) Requirements(actor string) *security.DecorationRequirements {
	if r, ok := rc.attempt.requirements[actor]; ok {
		return r
	}
	if rc.attempt.requirements == nil {
		rc.attempt.requirements = make(map[string]*security.DecorationRequirements)
	}
	r := &security.DecorationRequirements{RecipientActor: actor}
	rc.attempt.requirements[actor] = r
	rc.attempt.actors = append(rc.attempt.actors, actor)
	return r
}

// AddDecoration implements policy.Context. A repeated key keeps the
// position of the first registration.
func (rc *RequestContext) AddDecoration(key string, d policy.Decoration) {
	for i := range rc.attempt.decorations {
		if rc.attempt.decorations[i].key == key {
			rc.attempt.decorations[i].decoration = d
			return
		}
	}
	rc.attempt.decorations = append(rc.attempt.decorations, pendingDecoration{key: key, decoration: d})
}

// PrepareMessageID implements policy.Context.
func (rc *RequestContext) PrepareMessageID(useWsa bool, wsaNamespace string) (string, error) {
	if rc.attempt.messageID != "" {
		return rc.attempt.messageID, nil
	}
	doc, err := rc.request.Document()
	if err != nil {
		return "", failure.Wrap(failure.KindInvalidDocument, err, "request is not XML")
	}
	existing, found, err := message.WsaMessageID(doc, wsaNamespace)
	if err == nil && !found {
		existing, found, err = message.L7aMessageID(doc)
	}
	if err != nil {
		return "", failure.Wrap(failure.KindInvalidDocument, err, "unable to read request message ID")
	}
	if !found {
		existing = "urn:uuid:" + uuid.NewString()
	}
	rc.attempt.messageID = existing
	rc.attempt.useWsa = useWsa
	rc.attempt.wsaNamespace = wsaNamespace
	return existing, nil
}

// PrepareClientCertificate implements policy.Context.
func (rc *RequestContext) PrepareClientCertificate(ctx context.Context) (*x509.Certificate, error) {
	trusted := rc.gw.Trusted()
	cert, err := rc.p.keys.ClientCertificate(trusted)
	if err != nil {
		return nil, err
	}
	if cert != nil {
		return cert, nil
	}

	rc.p.logger.Info("applying for client certificate", "gateway", trusted.PeerName())
	creds, err := rc.TrustedCredentials(ctx)
	if err != nil {
		return nil, err
	}
	if err := rc.p.keys.ObtainClientCertificate(ctx, trusted, creds); err != nil {
		if !failure.CausedBy(err, failure.KindCertificateAlreadyIssued) {
			if failure.KindOf(err) == failure.KindUnknown {
				return nil, failure.Wrap(failure.KindClientCertificate, err, "unable to obtain a client certificate")
			}
			return nil, err
		}
		if !rc.policyUpdated && !rc.gw.Federated() {
			rc.p.policies.For(rc.gw).FlushPolicy(ctx, rc.key)
			return nil, failure.Wrap(failure.KindPolicyRetryable, err, "client certificate already issued; retrying with a fresh policy")
		}
		rc.p.creds.NotifyCertificateAlreadyIssued(trusted)
		return nil, failure.Wrap(failure.KindOperationCanceled, err, "unable to obtain a client certificate")
	}
	return rc.p.keys.ClientCertificate(trusted)
}

// SecureConversationSession implements policy.Context.
func (rc *RequestContext) SecureConversationSession(ctx context.Context) (*security.SecureConversationSession, error) {
	session := rc.gw.Session()
	if id, secret, ok := session.SecureConversation(); ok {
		rc.scID, rc.scSecret = id, secret
		return &security.SecureConversationSession{ID: id, SharedSecret: secret}, nil
	}
	if rc.gw.Conversations == nil {
		return nil, failure.Errorf(failure.KindConfiguration,
			"no WS-SecureConversation token service is configured for %s", rc.gw)
	}
	id, secret, expires, err := rc.gw.Conversations.Establish(ctx, rc.gw)
	if err != nil {
		return nil, err
	}
	session.SetSecureConversation(id, secret, expires)
	rc.scID, rc.scSecret = id, secret
	rc.p.logger.Info("established secure conversation", "gateway", rc.gw.PeerName(), "expires", expires)
	return &security.SecureConversationSession{ID: id, SharedSecret: secret, Expires: expires}, nil
}

func (rc *RequestContext) closeSecureConversation() {
	rc.gw.Session().CloseSecureConversation()
	rc.scID, rc.scSecret = "", nil
}

// SecurityContext implements security.SecurityContextFinder. While a
// secure conversation is in use every identifier resolves to its secret.
func (rc *RequestContext) SecurityContext(string) (*security.SecurityContext, bool) {
	if rc.scID == "" {
		return nil, false
	}
	return &security.SecurityContext{SharedSecret: rc.scSecret}, true
}

// SAMLToken implements policy.Context.
func (rc *RequestContext) SAMLToken(ctx context.Context) ([]byte, error) {
	token, err := rc.gw.TokenStrategy.Token(ctx)
	if err != nil {
		return nil, err
	}
	rc.attempt.usedSAML = true
	return token, nil
}

// KerberosTicket implements policy.Context.
func (rc *RequestContext) KerberosTicket(ctx context.Context) ([]byte, error) {
	ticket, err := rc.gw.Kerberos.Ticket(ctx)
	if err != nil {
		return nil, err
	}
	rc.attempt.usedKerberos = true
	return ticket, nil
}

// errResponseNotReady is returned when the processor result is asked for
// before a response arrived.
var errResponseNotReady = errors.New("response has not been received")

// ProcessorResult implements policy.Context. The response is processed on
// first use only.
func (rc *RequestContext) ProcessorResult() (*security.ProcessorResult, error) {
	a := &rc.attempt
	if !a.resultDone {
		if a.processResponse == nil {
			return nil, failure.Wrap(failure.KindProcessor, errResponseNotReady, "unable to undecorate response")
		}
		a.result, a.resultErr = a.processResponse()
		a.resultDone = true
	}
	return a.result, a.resultErr
}
