package policy

import (
	"context"

	"github.com/sirosfoundation/go-wsbridge/pkg/failure"
	"github.com/sirosfoundation/go-wsbridge/pkg/security"
)

// All is satisfied when every child is.
type All struct {
	Assertions []Assertion
}

func (a *All) Kind() string { return "all" }
func (a *All) Children() []Assertion { return a.Assertions }

func (a *All) DecorateRequest(ctx context.Context, c Context) (Status, error) {
	for _, child := range a.Assertions {
		if st, err := child.DecorateRequest(ctx, c); err != nil || st != StatusNone {
			return st, err
		}
	}
	return StatusNone, nil
}

func (a *All) UndecorateReply(ctx context.Context, c Context) (Status, error) {
	for _, child := range a.Assertions {
		if st, err := child.UndecorateReply(ctx, c); err != nil || st != StatusNone {
			return st, err
		}
	}
	return StatusNone, nil
}

// OneOrMore is satisfied by the first child that is. When no child is
// satisfied the last child's status is returned.
type OneOrMore struct {
	Assertions []Assertion
}

func (a *OneOrMore) Kind() string { return "oneOrMore" }
func (a *OneOrMore) Children() []Assertion { return a.Assertions }

func (a *OneOrMore) DecorateRequest(ctx context.Context, c Context) (Status, error) {
	return a.first(func(child Assertion) (Status, error) { return child.DecorateRequest(ctx, c) })
}

func (a *OneOrMore) UndecorateReply(ctx context.Context, c Context) (Status, error) {
	return a.first(func(child Assertion) (Status, error) { return child.UndecorateReply(ctx, c) })
}

func (a *OneOrMore) first(eval func(Assertion) (Status, error)) (Status, error) {
	result := StatusFalsified
	for _, child := range a.Assertions {
		st, err := eval(child)
		if err != nil {
			return st, err
		}
		if st == StatusNone {
			return StatusNone, nil
		}
		result = st
	}
	return result, nil
}

// SSL requires the request to be sent over TLS.
type SSL struct {
	// RequireClientCert makes sure a client certificate is available before
	// the request is sent.
	RequireClientCert bool `yaml:"requireClientCert,omitempty"`
}

func (a *SSL) Kind() string { return "ssl" }

func (a *SSL) DecorateRequest(ctx context.Context, c Context) (Status, error) {
	c.SetSSLRequired(true)
	if a.RequireClientCert {
		if _, err := c.PrepareClientCertificate(ctx); err != nil {
			return StatusFailed, err
		}
	}
	return StatusNone, nil
}

func (a *SSL) UndecorateReply(context.Context, Context) (Status, error) { return StatusNone, nil }

// credentialsOnHand returns cached credentials, or records that they are
// missing. Federated gateways never receive the trusted gateway's password.
func credentialsOnHand(c Context) (Status, bool) {
	if c.Gateway().Federated() {
		return StatusFalsified, false
	}
	if creds := c.CachedCredentials(); !creds.Complete() {
		c.SetAuthenticationMissing()
		return StatusAuthRequired, false
	}
	return StatusNone, true
}

// HTTPBasic sends the account credentials with HTTP Basic authentication.
type HTTPBasic struct{}

func (a *HTTPBasic) Kind() string { return "httpBasic" }

func (a *HTTPBasic) DecorateRequest(_ context.Context, c Context) (Status, error) {
	st, ok := credentialsOnHand(c)
	if !ok {
		return st, nil
	}
	c.SetBasicAuthRequired(true)
	return StatusNone, nil
}

func (a *HTTPBasic) UndecorateReply(context.Context, Context) (Status, error) { return StatusNone, nil }

// HTTPDigest answers the gateway's HTTP Digest challenge.
type HTTPDigest struct{}

func (a *HTTPDigest) Kind() string { return "httpDigest" }

func (a *HTTPDigest) DecorateRequest(_ context.Context, c Context) (Status, error) {
	st, ok := credentialsOnHand(c)
	if !ok {
		return st, nil
	}
	c.SetDigestAuthRequired(true)
	return StatusNone, nil
}

func (a *HTTPDigest) UndecorateReply(context.Context, Context) (Status, error) { return StatusNone, nil }

// WssUsernameToken adds a wsse:UsernameToken to the security header.
type WssUsernameToken struct {
	Actor string `yaml:"actor,omitempty"`
}

func (a *WssUsernameToken) Kind() string { return "wssUsernameToken" }

func (a *WssUsernameToken) DecorateRequest(_ context.Context, c Context) (Status, error) {
	st, ok := credentialsOnHand(c)
	if !ok {
		return st, nil
	}
	creds := c.CachedCredentials()
	req := c.Requirements(a.Actor)
	req.UsernameToken = &security.UsernameToken{Username: creds.Username, Password: creds.Password}
	return StatusNone, nil
}

func (a *WssUsernameToken) UndecorateReply(context.Context, Context) (Status, error) {
	return StatusNone, nil
}

// WssTimestamp adds a wsu:Timestamp to the security header.
type WssTimestamp struct {
	Actor string `yaml:"actor,omitempty"`
}

func (a *WssTimestamp) Kind() string { return "wssTimestamp" }

func (a *WssTimestamp) DecorateRequest(_ context.Context, c Context) (Status, error) {
	c.Requirements(a.Actor).IncludeTimestamp = true
	return StatusNone, nil
}

func (a *WssTimestamp) UndecorateReply(context.Context, Context) (Status, error) {
	return StatusNone, nil
}

// MessageID makes sure the request carries a message identifier. The
// gateway's addressing settings apply unless overridden.
type MessageID struct {
	UseWsa       *bool  `yaml:"useWsa,omitempty"`
	WsaNamespace string `yaml:"wsaNamespace,omitempty"`
}

func (a *MessageID) Kind() string { return "messageId" }

func (a *MessageID) DecorateRequest(_ context.Context, c Context) (Status, error) {
	gw := c.Gateway()
	useWsa, ns := gw.UseWsaMessageID, gw.WsaNamespace
	if a.UseWsa != nil {
		useWsa = *a.UseWsa
	}
	if a.WsaNamespace != "" {
		ns = a.WsaNamespace
	}
	if _, err := c.PrepareMessageID(useWsa, ns); err != nil {
		return StatusFailed, err
	}
	return StatusNone, nil
}

func (a *MessageID) UndecorateReply(context.Context, Context) (Status, error) { return StatusNone, nil }

// SecureConversation references a WS-SecureConversation session in the
// security header. The decoration is deferred so that the session is only
// established when the rest of the policy succeeded.
type SecureConversation struct {
	Actor string `yaml:"actor,omitempty"`
}

func (a *SecureConversation) Kind() string { return "secureConversation" }

func (a *SecureConversation) DecorateRequest(_ context.Context, c Context) (Status, error) {
	if c.Gateway().Generic {
		return StatusFailed, failure.Errorf(failure.KindConfiguration,
			"no WS-SecureConversation token service is available for gateway %s", c.Gateway())
	}
	c.AddDecoration(a.Kind()+":"+a.Actor, func(ctx context.Context, c Context) (Status, error) {
		session, err := c.SecureConversationSession(ctx)
		if err != nil {
			return StatusFailed, err
		}
		req := c.Requirements(a.Actor)
		req.SecureConversation = session
		req.IncludeTimestamp = true
		return StatusNone, nil
	})
	return StatusNone, nil
}

func (a *SecureConversation) UndecorateReply(context.Context, Context) (Status, error) {
	return StatusNone, nil
}

// SAMLToken attaches a SAML assertion obtained through the gateway's token
// strategy.
type SAMLToken struct {
	Actor string `yaml:"actor,omitempty"`
}

func (a *SAMLToken) Kind() string { return "samlToken" }

func (a *SAMLToken) DecorateRequest(ctx context.Context, c Context) (Status, error) {
	if c.Gateway().TokenStrategy == nil {
		return StatusFailed, failure.Errorf(failure.KindPolicyAssertion,
			"policy requires a SAML token but gateway %s has no token strategy", c.Gateway())
	}
	token, err := c.SAMLToken(ctx)
	if err != nil {
		return StatusFailed, err
	}
	c.Requirements(a.Actor).SenderSAMLToken = token
	return StatusNone, nil
}

func (a *SAMLToken) UndecorateReply(context.Context, Context) (Status, error) { return StatusNone, nil }

// KerberosTicket attaches a Kerberos service ticket.
type KerberosTicket struct {
	Actor string `yaml:"actor,omitempty"`
}

func (a *KerberosTicket) Kind() string { return "kerberosTicket" }

func (a *KerberosTicket) DecorateRequest(ctx context.Context, c Context) (Status, error) {
	if c.Gateway().Kerberos == nil {
		return StatusFailed, failure.Errorf(failure.KindPolicyAssertion,
			"policy requires a Kerberos ticket but gateway %s has no Kerberos source", c.Gateway())
	}
	ticket, err := c.KerberosTicket(ctx)
	if err != nil {
		return StatusFailed, err
	}
	c.Requirements(a.Actor).KerberosTicket = ticket
	return StatusNone, nil
}

func (a *KerberosTicket) UndecorateReply(context.Context, Context) (Status, error) {
	return StatusNone, nil
}

// ResponseTimestamp requires the response security header to carry a
// timestamp. Its freshness is checked when the response is processed.
type ResponseTimestamp struct{}

func (a *ResponseTimestamp) Kind() string { return "responseTimestamp" }

func (a *ResponseTimestamp) DecorateRequest(context.Context, Context) (Status, error) {
	return StatusNone, nil
}

func (a *ResponseTimestamp) UndecorateReply(_ context.Context, c Context) (Status, error) {
	result, err := c.ProcessorResult()
	if err != nil {
		return StatusFailed, err
	}
	if result == nil || result.Timestamp == nil {
		return StatusFalsified, nil
	}
	return StatusNone, nil
}

// Compression asks for the request body to be gzip compressed.
type Compression struct{}

func (a *Compression) Kind() string { return "compression" }

func (a *Compression) DecorateRequest(_ context.Context, c Context) (Status, error) {
	c.SetCompressionRequested(true)
	return StatusNone, nil
}

func (a *Compression) UndecorateReply(context.Context, Context) (Status, error) {
	return StatusNone, nil
}
