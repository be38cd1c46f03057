package policy

import (
	"context"
	"crypto/x509"
	"fmt"
	"sync/atomic"

	"github.com/sirosfoundation/go-wsbridge/pkg/credentials"
	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
	"github.com/sirosfoundation/go-wsbridge/pkg/security"
)

// Status is the outcome of evaluating an assertion.
type Status int

const (
	// StatusNone means the assertion was satisfied.
	StatusNone Status = iota
	StatusFalsified
	StatusAuthRequired
	StatusFailed
	StatusServerError
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusFalsified:
		return "FALSIFIED"
	case StatusAuthRequired:
		return "AUTH_REQUIRED"
	case StatusFailed:
		return "FAILED"
	case StatusServerError:
		return "SERVER_ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Context is the view of a request being processed that assertions may
// read and modify.
type Context interface {
	Gateway() *gateway.Gateway

	// CachedCredentials returns the credentials already on hand for the
	// trusted gateway without prompting. It may return nil.
	CachedCredentials() *credentials.Credentials
	// TrustedCredentials returns credentials for the trusted gateway,
	// prompting if necessary.
	TrustedCredentials(ctx context.Context) (*credentials.Credentials, error)

	SetSSLRequired(required bool)
	SetBasicAuthRequired(required bool)
	SetDigestAuthRequired(required bool)
	SetCompressionRequested(requested bool)
	// SetAuthenticationMissing records that evaluation failed for lack of
	// credentials.
	SetAuthenticationMissing()

	// DefaultRequirements returns the requirements for the security header
	// addressed to the gateway, creating them on first use.
	DefaultRequirements() *security.DecorationRequirements
	// Requirements returns the requirements for the header addressed to
	// actor; "" is the default header.
	Requirements(actor string) *security.DecorationRequirements

	// AddDecoration defers d until the whole policy evaluated to
	// StatusNone. A repeated key replaces the earlier decoration.
	AddDecoration(key string, d Decoration)

	// PrepareMessageID chooses the request's message identifier, reusing
	// one already present in the request.
	PrepareMessageID(useWsa bool, wsaNamespace string) (string, error)
	// PrepareClientCertificate ensures a client certificate exists,
	// applying for one if necessary.
	PrepareClientCertificate(ctx context.Context) (*x509.Certificate, error)
	// SecureConversationSession returns the active session, establishing
	// one if needed.
	SecureConversationSession(ctx context.Context) (*security.SecureConversationSession, error)
	SAMLToken(ctx context.Context) ([]byte, error)
	KerberosTicket(ctx context.Context) ([]byte, error)

	// ProcessorResult undecorates the response on first use.
	ProcessorResult() (*security.ProcessorResult, error)
}

// Decoration is a deferred request decoration.
type Decoration func(ctx context.Context, c Context) (Status, error)

// Assertion is one node of a policy tree.
type Assertion interface {
	// Kind is the name the assertion is registered under.
	Kind() string
	DecorateRequest(ctx context.Context, c Context) (Status, error)
	UndecorateReply(ctx context.Context, c Context) (Status, error)
}

// Composite is implemented by assertions with children.
type Composite interface {
	Children() []Assertion
}

// Policy is an assertion tree with a version and a validity flag. The tree
// never changes; the flag only goes from valid to invalid.
type Policy struct {
	root        Assertion
	version     string
	document    []byte
	alwaysValid bool
	invalid     atomic.Bool
}

// New creates a valid policy.
func New(root Assertion, version string) *Policy {
	return &Policy{root: root, version: version}
}

// NewAlwaysValid creates a built-in policy that can not be invalidated and
// carries no version.
func NewAlwaysValid(root Assertion) *Policy {
	return &Policy{root: root, alwaysValid: true}
}

var sslPolicy = NewAlwaysValid(&SSL{})

// SSLPolicy is the policy applied when none is known for a gateway that
// uses TLS by default.
func SSLPolicy() *Policy { return sslPolicy }

// Root returns the root assertion. It may be nil.
func (p *Policy) Root() Assertion { return p.root }

// Version returns the policy version, or "".
func (p *Policy) Version() string { return p.version }

// Document returns the document the policy was parsed from, if any.
func (p *Policy) Document() []byte { return p.document }

// AlwaysValid reports whether the policy is a built-in policy.
func (p *Policy) AlwaysValid() bool { return p.alwaysValid }

// Valid reports whether the policy may still be used.
func (p *Policy) Valid() bool { return p.alwaysValid || !p.invalid.Load() }

// Invalidate marks the policy unusable.
func (p *Policy) Invalidate() { p.invalid.Store(true) }

// AttachmentKey identifies the service and operation a policy applies to.
type AttachmentKey struct {
	URI        string `yaml:"uri" json:"uri"`
	SOAPAction string `yaml:"soapAction" json:"soapAction"`
	ProxyURI   string `yaml:"proxyUri" json:"proxyUri"`
}

func (k AttachmentKey) String() string {
	return fmt.Sprintf("[uri=%s soapAction=%s proxyUri=%s]", k.URI, k.SOAPAction, k.ProxyURI)
}
