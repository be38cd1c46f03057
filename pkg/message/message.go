package message

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/beevik/etree"
)

var (
	// ErrNotSOAP is returned when a SOAP operation is applied to a non-SOAP message
	ErrNotSOAP = errors.New("message is not SOAP")
	// ErrNotXML is returned when the message body cannot be parsed as XML
	ErrNotXML = errors.New("message is not well-formed XML")
	// ErrElementExists is returned when inserting a header that is already present
	ErrElementExists = errors.New("element already exists")
	// ErrMultipleHeaders is returned for envelopes with more than one Header
	ErrMultipleHeaders = errors.New("more than one SOAP Header")
)

// Message is a request or response body plus its transport metadata.
type Message struct {
	ContentType string
	Header      http.Header
	Status      int

	body []byte
	doc  *etree.Document
}

// New creates a message from a raw body.
func New(body []byte, contentType string) *Message {
	return &Message{
		ContentType: contentType,
		Header:      make(http.Header),
		body:        body,
	}
}

// Initialize replaces the body and content type, dropping any parsed DOM.
func (m *Message) Initialize(body []byte, contentType string) {
	m.body = body
	m.ContentType = contentType
	m.doc = nil
}

// SetDocument replaces the body with doc.
func (m *Message) SetDocument(doc *etree.Document) {
	m.doc = doc
	m.body = nil
}

// Bytes returns the current body, serialising the DOM if it was parsed.
func (m *Message) Bytes() ([]byte, error) {
	if m.doc == nil {
		return m.body, nil
	}
	out, err := m.doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serializing message: %w", err)
	}
	return out, nil
}

// Empty reports whether the message has no body.
func (m *Message) Empty() bool {
	return m.doc == nil && len(m.body) == 0
}

// Document parses the body on first use and returns the DOM. The returned
// document is writable; later calls to Bytes reflect its changes.
func (m *Message) Document() (*etree.Document, error) {
	if m.doc != nil {
		return m.doc, nil
	}
	if len(m.body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrNotXML)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(m.body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotXML, err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("%w: no root element", ErrNotXML)
	}
	m.doc = doc
	return doc, nil
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := &Message{
		ContentType: m.ContentType,
		Header:      m.Header.Clone(),
		Status:      m.Status,
	}
	if m.doc != nil {
		c.doc = m.doc.Copy()
	}
	if m.body != nil {
		c.body = append([]byte(nil), m.body...)
	}
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	return c
}

// IsXML reports whether the content type declares an XML body.
func (m *Message) IsXML() bool {
	mediaType, _, err := mime.ParseMediaType(m.ContentType)
	if err != nil {
		return false
	}
	return mediaType == "text/xml" || mediaType == "application/xml" ||
		strings.HasSuffix(mediaType, "+xml")
}

// IsSOAP reports whether the body is a SOAP 1.1 or 1.2 envelope.
func (m *Message) IsSOAP() bool {
	if m.Empty() {
		return false
	}
	doc, err := m.Document()
	if err != nil {
		return false
	}
	return envelopeNamespace(doc) != ""
}

// IsFault reports whether the body is a SOAP envelope carrying a Fault.
func (m *Message) IsFault() bool {
	if !m.IsSOAP() {
		return false
	}
	return faultElement(m.doc) != nil
}

// FaultDetail returns the fault carried by the message, or nil if there is
// none.
func (m *Message) FaultDetail() (*FaultDetail, error) {
	if !m.IsSOAP() {
		return nil, ErrNotSOAP
	}
	return Fault(m.doc), nil
}
