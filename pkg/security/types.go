package security

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"time"

	"github.com/beevik/etree"
)

// WS-Security namespaces
const (
	NSSecurityExt  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	NSSecurityUtil = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	NSSecureConv   = "http://schemas.xmlsoap.org/ws/2005/02/sc"
	NSSAML         = "urn:oasis:names:tc:SAML:1.0:assertion"
	NSSAML2        = "urn:oasis:names:tc:SAML:2.0:assertion"
)

// Token value types
const (
	PasswordText        = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordText"
	ValueTypeX509v3     = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-x509-token-profile-1.0#X509v3"
	ValueTypeKerberosV5 = "http://docs.oasis-open.org/wss/oasis-wss-kerberos-token-profile-1.1#GSS_Kerberosv5_AP_REQ"
	EncodingBase64      = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"
)

// TimestampFormat is the xsd:dateTime layout used for wsu:Created and wsu:Expires.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// DefaultTimestampTimeout is used when a requirement carries no timeout.
const DefaultTimestampTimeout = 5 * time.Minute

// UsernameToken carries credentials to embed as a wsse:UsernameToken.
type UsernameToken struct {
	Username string
	Password string
}

// SecureConversationSession identifies an established WS-SecureConversation
// context.
type SecureConversationSession struct {
	ID           string
	SharedSecret []byte
	Expires      time.Time
}

// DecorationRequirements describes the WS-Security treatment for one
// security header, addressed to RecipientActor ("" for the default header).
type DecorationRequirements struct {
	RecipientActor                string
	SecurityHeaderActorNamespaced bool
	IncludeTimestamp              bool
	TimestampCreated              time.Time
	TimestampTimeout              time.Duration
	UsernameToken                 *UsernameToken
	SenderCertificate             *x509.Certificate
	SenderSAMLToken               []byte
	KerberosTicket                []byte
	SecureConversation            *SecureConversationSession
}

// Empty reports whether the requirements ask for no header content.
func (r *DecorationRequirements) Empty() bool {
	return !r.IncludeTimestamp && r.UsernameToken == nil && r.SenderCertificate == nil &&
		r.SenderSAMLToken == nil && r.KerberosTicket == nil && r.SecureConversation == nil
}

// DecorationResult carries byproducts of decoration that the caller may
// need to process the response.
type DecorationResult struct {
	EncryptedKeySecret []byte
	EncryptedKeySHA1   string
}

// Decorator applies WS-Security decorations to a request document.
type Decorator interface {
	Decorate(doc *etree.Document, req *DecorationRequirements) (*DecorationResult, error)
}

// SecurityContext is a resolved secure-conversation context.
type SecurityContext struct {
	SharedSecret []byte
}

// SecurityContextFinder resolves secure-conversation identifiers found in a
// response.
type SecurityContextFinder interface {
	SecurityContext(identifier string) (*SecurityContext, bool)
}

// ProcessOptions configure one Processor run.
type ProcessOptions struct {
	// Actor selects the security header to process; "" means the default
	// header.
	Actor         string
	ContextFinder SecurityContextFinder
}

// Timestamp is a processed wsu:Timestamp. Times are as found in the
// message, in the sender's clock.
type Timestamp struct {
	ID      string
	Created time.Time
	Expires time.Time
}

// Token is a security token found in a processed header.
type Token struct {
	Type  string
	ID    string
	Value string
}

// ProcessorResult is the outcome of undecorating a response.
type ProcessorResult struct {
	Timestamp         *Timestamp
	ProcessedActor    string
	ProcessedActorURI string
	Tokens            []Token
}

// Processor undecorates a response document.
type Processor interface {
	Process(doc *etree.Document, opts ProcessOptions) (*ProcessorResult, error)
}

// generateID generates a random ID for XML elements using hex encoding
// to avoid special characters like '=' that may cause issues with XPointer
func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
