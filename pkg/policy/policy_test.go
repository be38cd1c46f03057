package policy

import (
	"context"
	"crypto/x509"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-wsbridge/pkg/credentials"
	"github.com/sirosfoundation/go-wsbridge/pkg/failure"
	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
	"github.com/sirosfoundation/go-wsbridge/pkg/security"
)

type fakeContext struct {
	gw    *gateway.Gateway
	creds *credentials.Credentials

	ssl, basic, digest, compress, authMissing bool

	requirements map[string]*security.DecorationRequirements
	decorations  map[string]Decoration
	order        []string

	messageIDs   []string
	certErr      error
	certCalls    int
	session      *security.SecureConversationSession
	samlToken    []byte
	result       *security.ProcessorResult
	resultErr    error
	kerberosTkt  []byte
	kerberosCall int
}

func newFakeContext(gw *gateway.Gateway) *fakeContext {
	if gw == nil {
		gw = &gateway.Gateway{ID: "gw", ServerURL: "http://gw.example.com/ssg/soap"}
	}
	return &fakeContext{
		gw:           gw,
		requirements: make(map[string]*security.DecorationRequirements),
		decorations:  make(map[string]Decoration),
	}
}

func (c *fakeContext) Gateway() *gateway.Gateway { return c.gw }
func (c *fakeContext) CachedCredentials() *credentials.Credentials { return c.creds }
func (c *fakeContext) TrustedCredentials(context.Context) (*credentials.Credentials, error) {
	return c.creds, nil
}
func (c *fakeContext) SetSSLRequired(v bool) { c.ssl = v }
func (c *fakeContext) SetBasicAuthRequired(v bool) { c.basic = v }
func (c *fakeContext) SetDigestAuthRequired(v bool) { c.digest = v }
func (c *fakeContext) SetCompressionRequested(v bool) { c.compress = v }
func (c *fakeContext) SetAuthenticationMissing() { c.authMissing = true }

func (c *fakeContext) DefaultRequirements() *security.DecorationRequirements {
	return c.Requirements("")
}

func (c *fakeContext) Requirements(actor string) *security.DecorationRequirements {
	r, ok := c.requirements[actor]
	if !ok {
		r = &security.DecorationRequirements{RecipientActor: actor}
		c.requirements[actor] = r
	}
	return r
}

func (c *fakeContext) AddDecoration(key string, d Decoration) {
	if _, ok := c.decorations[key]; !ok {
		c.order = append(c.order, key)
	}
	c.decorations[key] = d
}

func (c *fakeContext) PrepareMessageID(useWsa bool, ns string) (string, error) {
	id := "l7a"
	if useWsa {
		id = "wsa:" + ns
	}
	c.messageIDs = append(c.messageIDs, id)
	return id, nil
}

func (c *fakeContext) PrepareClientCertificate(context.Context) (*x509.Certificate, error) {
	c.certCalls++
	if c.certErr != nil {
		return nil, c.certErr
	}
	return &x509.Certificate{}, nil
}

func (c *fakeContext) SecureConversationSession(context.Context) (*security.SecureConversationSession, error) {
	return c.session, nil
}

func (c *fakeContext) SAMLToken(context.Context) ([]byte, error) { return c.samlToken, nil }

func (c *fakeContext) KerberosTicket(context.Context) ([]byte, error) {
	c.kerberosCall++
	return c.kerberosTkt, nil
}

func (c *fakeContext) ProcessorResult() (*security.ProcessorResult, error) {
	return c.result, c.resultErr
}

type stubAssertion struct {
	status Status
	err    error
	calls  int
}

func (a *stubAssertion) Kind() string { return "stub" }
func (a *stubAssertion) DecorateRequest(context.Context, Context) (Status, error) {
	a.calls++
	return a.status, a.err
}
func (a *stubAssertion) UndecorateReply(context.Context, Context) (Status, error) {
	a.calls++
	return a.status, a.err
}

type tokenStrategy struct{}

func (tokenStrategy) Token(context.Context) ([]byte, error) { return []byte("<saml/>"), nil }
func (tokenStrategy) OnTokenRejected() {}
func (tokenStrategy) HandleSSLError(context.Context, gateway.Peer, error) error {
	return nil
}

type kerberosSource struct{}

func (kerberosSource) Ticket(context.Context) ([]byte, error) { return []byte("ticket"), nil }
func (kerberosSource) Clear() {}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "NONE", StatusNone.String())
	assert.Equal(t, "AUTH_REQUIRED", StatusAuthRequired.String())
	assert.Equal(t, "Status(42)", Status(42).String())
}

func TestPolicyInvalidate(t *testing.T) {
	p := New(&SSL{}, "3")
	assert.True(t, p.Valid())
	assert.Equal(t, "3", p.Version())

	p.Invalidate()
	assert.False(t, p.Valid())
	p.Invalidate()
	assert.False(t, p.Valid(), "invalidation is one way")
}

func TestSSLPolicyAlwaysValid(t *testing.T) {
	p := SSLPolicy()
	require.True(t, p.AlwaysValid())
	assert.Empty(t, p.Version())

	p.Invalidate()
	assert.True(t, p.Valid())
	assert.Same(t, p, SSLPolicy())
}

func TestAll(t *testing.T) {
	ok := &stubAssertion{status: StatusNone}
	bad := &stubAssertion{status: StatusFalsified}
	never := &stubAssertion{status: StatusNone}

	st, err := (&All{Assertions: []Assertion{ok, bad, never}}).DecorateRequest(context.Background(), newFakeContext(nil))
	require.NoError(t, err)
	assert.Equal(t, StatusFalsified, st)
	assert.Equal(t, 0, never.calls)

	st, err = (&All{Assertions: []Assertion{ok, never}}).UndecorateReply(context.Background(), newFakeContext(nil))
	require.NoError(t, err)
	assert.Equal(t, StatusNone, st)
}

func TestOneOrMore(t *testing.T) {
	ctx := context.Background()
	auth := &stubAssertion{status: StatusAuthRequired}
	ok := &stubAssertion{status: StatusNone}
	never := &stubAssertion{status: StatusNone}

	st, err := (&OneOrMore{Assertions: []Assertion{auth, ok, never}}).DecorateRequest(ctx, newFakeContext(nil))
	require.NoError(t, err)
	assert.Equal(t, StatusNone, st)
	assert.Equal(t, 0, never.calls)

	st, err = (&OneOrMore{Assertions: []Assertion{&stubAssertion{status: StatusFalsified}, auth}}).DecorateRequest(ctx, newFakeContext(nil))
	require.NoError(t, err)
	assert.Equal(t, StatusAuthRequired, st, "last status wins")

	st, err = (&OneOrMore{}).DecorateRequest(ctx, newFakeContext(nil))
	require.NoError(t, err)
	assert.Equal(t, StatusFalsified, st)

	boom := errors.New("boom")
	_, err = (&OneOrMore{Assertions: []Assertion{&stubAssertion{err: boom}, ok}}).DecorateRequest(ctx, newFakeContext(nil))
	assert.ErrorIs(t, err, boom)
}

func TestSSL(t *testing.T) {
	ctx := context.Background()
	c := newFakeContext(nil)
	st, err := (&SSL{}).DecorateRequest(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, StatusNone, st)
	assert.True(t, c.ssl)
	assert.Zero(t, c.certCalls)

	c = newFakeContext(nil)
	_, err = (&SSL{RequireClientCert: true}).DecorateRequest(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 1, c.certCalls)

	c = newFakeContext(nil)
	c.certErr = failure.New(failure.KindCredentialsRequired, "need password")
	_, err = (&SSL{RequireClientCert: true}).DecorateRequest(ctx, c)
	assert.ErrorIs(t, err, failure.ErrCredentialsRequired)
}

func TestHTTPAuthentication(t *testing.T) {
	ctx := context.Background()

	c := newFakeContext(nil)
	st, err := (&HTTPBasic{}).DecorateRequest(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthRequired, st)
	assert.True(t, c.authMissing)
	assert.False(t, c.basic)

	c = newFakeContext(nil)
	c.creds = &credentials.Credentials{Username: "alice", Password: "secret"}
	st, err = (&HTTPDigest{}).DecorateRequest(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, StatusNone, st)
	assert.True(t, c.digest)

	trusted := &gateway.Gateway{ID: "trusted", ServerURL: "http://trusted/ssg/soap"}
	c = newFakeContext(&gateway.Gateway{ID: "partner", ServerURL: "http://partner/ssg/soap", TrustedGateway: trusted})
	c.creds = &credentials.Credentials{Username: "alice", Password: "secret"}
	st, err = (&HTTPBasic{}).DecorateRequest(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, StatusFalsified, st, "federated gateways never get the password")
	assert.False(t, c.authMissing)
}

func TestWssAssertions(t *testing.T) {
	ctx := context.Background()
	c := newFakeContext(nil)
	c.creds = &credentials.Credentials{Username: "alice", Password: "secret"}

	_, err := (&WssUsernameToken{}).DecorateRequest(ctx, c)
	require.NoError(t, err)
	_, err = (&WssTimestamp{Actor: "urn:downstream"}).DecorateRequest(ctx, c)
	require.NoError(t, err)

	def := c.requirements[""]
	require.NotNil(t, def)
	assert.Equal(t, "alice", def.UsernameToken.Username)
	assert.False(t, def.IncludeTimestamp)
	assert.True(t, c.requirements["urn:downstream"].IncludeTimestamp)
}

func TestMessageID(t *testing.T) {
	ctx := context.Background()
	gw := &gateway.Gateway{ID: "gw", ServerURL: "http://gw/ssg/soap", UseWsaMessageID: true, WsaNamespace: "urn:wsa"}
	c := newFakeContext(gw)

	_, err := (&MessageID{}).DecorateRequest(ctx, c)
	require.NoError(t, err)
	off := false
	_, err = (&MessageID{UseWsa: &off}).DecorateRequest(ctx, c)
	require.NoError(t, err)
	_, err = (&MessageID{WsaNamespace: "urn:other"}).DecorateRequest(ctx, c)
	require.NoError(t, err)

	assert.Equal(t, []string{"wsa:urn:wsa", "l7a", "wsa:urn:other"}, c.messageIDs)
}

func TestSecureConversationDeferred(t *testing.T) {
	ctx := context.Background()
	c := newFakeContext(nil)
	c.session = &security.SecureConversationSession{ID: "urn:sc:1", SharedSecret: []byte("k")}

	a := &SecureConversation{}
	_, err := a.DecorateRequest(ctx, c)
	require.NoError(t, err)
	_, err = a.DecorateRequest(ctx, c)
	require.NoError(t, err)
	require.Len(t, c.order, 1, "repeated key replaces the decoration")
	assert.Nil(t, c.requirements[""], "nothing applied before the policy succeeded")

	st, err := c.decorations[c.order[0]](ctx, c)
	require.NoError(t, err)
	assert.Equal(t, StatusNone, st)
	assert.Equal(t, "urn:sc:1", c.requirements[""].SecureConversation.ID)
	assert.True(t, c.requirements[""].IncludeTimestamp)

	c = newFakeContext(&gateway.Gateway{ID: "generic", ServerURL: "http://x/", Generic: true})
	_, err = a.DecorateRequest(ctx, c)
	assert.ErrorIs(t, err, failure.ErrConfiguration)
}

func TestTokenAssertions(t *testing.T) {
	ctx := context.Background()

	c := newFakeContext(nil)
	_, err := (&SAMLToken{}).DecorateRequest(ctx, c)
	assert.ErrorIs(t, err, failure.ErrPolicyAssertion)
	_, err = (&KerberosTicket{}).DecorateRequest(ctx, c)
	assert.ErrorIs(t, err, failure.ErrPolicyAssertion)

	gw := &gateway.Gateway{ID: "gw", ServerURL: "http://gw/", TokenStrategy: tokenStrategy{}, Kerberos: kerberosSource{}}
	c = newFakeContext(gw)
	c.samlToken = []byte("<saml/>")
	c.kerberosTkt = []byte("ticket")
	_, err = (&SAMLToken{}).DecorateRequest(ctx, c)
	require.NoError(t, err)
	_, err = (&KerberosTicket{}).DecorateRequest(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, []byte("<saml/>"), c.requirements[""].SenderSAMLToken)
	assert.Equal(t, []byte("ticket"), c.requirements[""].KerberosTicket)
	assert.Equal(t, 1, c.kerberosCall)
}

func TestResponseTimestamp(t *testing.T) {
	ctx := context.Background()
	c := newFakeContext(nil)

	st, err := (&ResponseTimestamp{}).UndecorateReply(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, StatusFalsified, st)

	c.result = &security.ProcessorResult{Timestamp: &security.Timestamp{}}
	st, err = (&ResponseTimestamp{}).UndecorateReply(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, StatusNone, st)

	c.resultErr = failure.New(failure.KindProcessor, "bad header")
	_, err = (&ResponseTimestamp{}).UndecorateReply(ctx, c)
	assert.ErrorIs(t, err, failure.ErrProcessor)
}

func TestCompression(t *testing.T) {
	c := newFakeContext(nil)
	_, err := (&Compression{}).DecorateRequest(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, c.compress)
}

func TestAttachmentKeyString(t *testing.T) {
	k := AttachmentKey{URI: "urn:a", SOAPAction: "op"}
	assert.Equal(t, "[uri=urn:a soapAction=op proxyUri=]", k.String())
}
