package security

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-wsbridge/pkg/message"
)

// Actor names used for security headers addressed to the bridge
const (
	BridgeActor    = "secure_span"
	BridgeActorURI = "http://www.layer7tech.com/ws/policy"
)

// HeaderDecorator writes wsse:Security headers containing timestamps and
// tokens. It does not sign or encrypt.
type HeaderDecorator struct {
	now func() time.Time
}

// NewHeaderDecorator creates a header decorator.
func NewHeaderDecorator() *HeaderDecorator {
	return &HeaderDecorator{now: time.Now}
}

// Decorate implements Decorator.
func (d *HeaderDecorator) Decorate(doc *etree.Document, req *DecorationRequirements) (*DecorationResult, error) {
	if req == nil {
		return nil, fmt.Errorf("nil decoration requirements")
	}
	header, err := message.GetOrMakeHeader(doc)
	if err != nil {
		return nil, fmt.Errorf("locating SOAP header: %w", err)
	}

	security, err := d.securityElement(doc, header, req)
	if err != nil {
		return nil, err
	}

	if req.IncludeTimestamp {
		d.addTimestamp(security, req)
	}
	if req.UsernameToken != nil {
		ut := security.CreateElement("wsse:UsernameToken")
		ut.CreateAttr("wsu:Id", "UsernameToken-"+generateID())
		ut.CreateElement("wsse:Username").SetText(req.UsernameToken.Username)
		pw := ut.CreateElement("wsse:Password")
		pw.CreateAttr("Type", PasswordText)
		pw.SetText(req.UsernameToken.Password)
	}
	if req.SenderCertificate != nil {
		addBinaryToken(security, "X509Token-", ValueTypeX509v3, req.SenderCertificate.Raw)
	}
	if req.KerberosTicket != nil {
		addBinaryToken(security, "KerberosToken-", ValueTypeKerberosV5, req.KerberosTicket)
	}
	if req.SenderSAMLToken != nil {
		assertion := etree.NewDocument()
		if err := assertion.ReadFromBytes(req.SenderSAMLToken); err != nil {
			return nil, fmt.Errorf("parsing SAML assertion: %w", err)
		}
		if assertion.Root() == nil {
			return nil, fmt.Errorf("SAML assertion has no root element")
		}
		security.AddChild(assertion.Root().Copy())
	}
	if req.SecureConversation != nil {
		sct := security.CreateElement("wsc:SecurityContextToken")
		sct.CreateAttr("xmlns:wsc", NSSecureConv)
		sct.CreateAttr("wsu:Id", "SecurityContextToken-"+generateID())
		sct.CreateElement("wsc:Identifier").SetText(req.SecureConversation.ID)
	}

	return &DecorationResult{}, nil
}

func (d *HeaderDecorator) securityElement(doc *etree.Document, header *etree.Element, req *DecorationRequirements) (*etree.Element, error) {
	existing, err := message.SecurityElement(doc, req.RecipientActor)
	if err != nil {
		return nil, fmt.Errorf("locating security header: %w", err)
	}
	if existing != nil {
		ensureNamespace(existing, "wsu", NSSecurityUtil)
		return existing, nil
	}

	security := header.CreateElement("wsse:Security")
	security.CreateAttr("xmlns:wsse", NSSecurityExt)
	security.CreateAttr("xmlns:wsu", NSSecurityUtil)
	if req.RecipientActor != "" {
		name := "actor"
		if message.IsSOAP12(doc) {
			name = "role"
		}
		if req.SecurityHeaderActorNamespaced {
			name = doc.Root().Space + ":" + name
		}
		security.CreateAttr(name, req.RecipientActor)
	}
	return security, nil
}

func (d *HeaderDecorator) addTimestamp(security *etree.Element, req *DecorationRequirements) {
	created := req.TimestampCreated
	if created.IsZero() {
		created = d.now()
	}
	timeout := req.TimestampTimeout
	if timeout <= 0 {
		timeout = DefaultTimestampTimeout
	}

	ts := etree.NewElement("wsu:Timestamp")
	ts.CreateAttr("wsu:Id", "Timestamp-"+generateID())
	ts.CreateElement("wsu:Created").SetText(created.UTC().Format(TimestampFormat))
	ts.CreateElement("wsu:Expires").SetText(created.Add(timeout).UTC().Format(TimestampFormat))
	security.InsertChildAt(0, ts)
}

func addBinaryToken(security *etree.Element, idPrefix, valueType string, raw []byte) {
	bst := security.CreateElement("wsse:BinarySecurityToken")
	bst.CreateAttr("wsu:Id", idPrefix+generateID())
	bst.CreateAttr("ValueType", valueType)
	bst.CreateAttr("EncodingType", EncodingBase64)
	bst.SetText(base64.StdEncoding.EncodeToString(raw))
}

func ensureNamespace(el *etree.Element, prefix, ns string) {
	if el.SelectAttr("xmlns:"+prefix) == nil {
		el.CreateAttr("xmlns:"+prefix, ns)
	}
}
