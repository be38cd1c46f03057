package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-wsbridge/pkg/message"
)

var (
	// ErrInvalidTimestamp is returned for a wsu:Timestamp that cannot be parsed.
	ErrInvalidTimestamp = errors.New("invalid wsu:Timestamp")

	// ErrUnknownSecurityContext is returned when a response references a
	// secure conversation the finder cannot resolve.
	ErrUnknownSecurityContext = errors.New("unknown security context")
)

// HeaderProcessor reads the wsse:Security header of a response. It locates
// the header addressed to the requested actor, or to the bridge, or the
// default header, and reports its timestamp and tokens.
type HeaderProcessor struct{}

// NewHeaderProcessor creates a header processor.
func NewHeaderProcessor() *HeaderProcessor {
	return &HeaderProcessor{}
}

// Process implements Processor.
func (p *HeaderProcessor) Process(doc *etree.Document, opts ProcessOptions) (*ProcessorResult, error) {
	elements, err := message.SecurityElements(doc)
	if err != nil {
		return nil, err
	}
	result := &ProcessorResult{}

	security := selectHeader(elements, opts.Actor)
	if security == nil {
		return result, nil
	}
	result.ProcessedActorURI = message.SecurityActor(security)
	switch result.ProcessedActorURI {
	case BridgeActor, BridgeActorURI:
		result.ProcessedActor = BridgeActor
	default:
		result.ProcessedActor = result.ProcessedActorURI
	}

	for _, child := range security.ChildElements() {
		switch child.Tag {
		case "Timestamp":
			ts, err := parseTimestamp(child)
			if err != nil {
				return nil, err
			}
			result.Timestamp = ts
		case "UsernameToken":
			token := Token{Type: "UsernameToken", ID: wsuID(child)}
			if u := child.SelectElement("Username"); u != nil {
				token.Value = strings.TrimSpace(u.Text())
			}
			result.Tokens = append(result.Tokens, token)
		case "BinarySecurityToken":
			result.Tokens = append(result.Tokens, Token{
				Type:  child.SelectAttrValue("ValueType", ""),
				ID:    wsuID(child),
				Value: strings.TrimSpace(child.Text()),
			})
		case "Assertion":
			result.Tokens = append(result.Tokens, Token{Type: "SAML", ID: child.SelectAttrValue("AssertionID", child.SelectAttrValue("ID", ""))})
		case "SecurityContextToken":
			token, err := resolveContext(child, opts.ContextFinder)
			if err != nil {
				return nil, err
			}
			result.Tokens = append(result.Tokens, token)
		}
	}
	return result, nil
}

func selectHeader(elements []*etree.Element, actor string) *etree.Element {
	if actor != "" {
		for _, el := range elements {
			if message.SecurityActor(el) == actor {
				return el
			}
		}
		return nil
	}
	var fallback *etree.Element
	for _, el := range elements {
		switch message.SecurityActor(el) {
		case BridgeActor, BridgeActorURI:
			return el
		case "":
			if fallback == nil {
				fallback = el
			}
		}
	}
	return fallback
}

func parseTimestamp(el *etree.Element) (*Timestamp, error) {
	ts := &Timestamp{ID: wsuID(el)}
	if created := el.SelectElement("Created"); created != nil {
		t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(created.Text()))
		if err != nil {
			return nil, fmt.Errorf("%w: Created: %v", ErrInvalidTimestamp, err)
		}
		ts.Created = t
	}
	if expires := el.SelectElement("Expires"); expires != nil {
		t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(expires.Text()))
		if err != nil {
			return nil, fmt.Errorf("%w: Expires: %v", ErrInvalidTimestamp, err)
		}
		ts.Expires = t
	}
	return ts, nil
}

func resolveContext(el *etree.Element, finder SecurityContextFinder) (Token, error) {
	token := Token{Type: "SecurityContextToken", ID: wsuID(el)}
	if id := el.SelectElement("Identifier"); id != nil {
		token.Value = strings.TrimSpace(id.Text())
	}
	if finder == nil {
		return token, fmt.Errorf("%w: %s", ErrUnknownSecurityContext, token.Value)
	}
	if _, ok := finder.SecurityContext(token.Value); !ok {
		return token, fmt.Errorf("%w: %s", ErrUnknownSecurityContext, token.Value)
	}
	return token, nil
}

func wsuID(el *etree.Element) string {
	for _, attr := range el.Attr {
		if attr.Key == "Id" {
			return attr.Value
		}
	}
	return ""
}
