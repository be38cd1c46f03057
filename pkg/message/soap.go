package message

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

func envelopeNamespace(doc *etree.Document) string {
	root := doc.Root()
	if root == nil || root.Tag != "Envelope" {
		return ""
	}
	switch ns := root.NamespaceURI(); ns {
	case NsSOAP11, NsSOAP12:
		return ns
	default:
		return ""
	}
}

// IsSOAP12 reports whether doc is a SOAP 1.2 envelope.
func IsSOAP12(doc *etree.Document) bool {
	return envelopeNamespace(doc) == NsSOAP12
}

// childElements returns the children of parent with the given local name in
// any of the namespaces.
func childElements(parent *etree.Element, local string, namespaces ...string) []*etree.Element {
	var out []*etree.Element
	for _, child := range parent.ChildElements() {
		if child.Tag != local {
			continue
		}
		if len(namespaces) == 0 {
			out = append(out, child)
			continue
		}
		ns := child.NamespaceURI()
		for _, want := range namespaces {
			if ns == want {
				out = append(out, child)
				break
			}
		}
	}
	return out
}

func qualified(prefix, local string) string {
	if prefix == "" {
		return local
	}
	return prefix + ":" + local
}

// HeaderElement returns the SOAP Header, or nil if the envelope has none.
func HeaderElement(doc *etree.Document) (*etree.Element, error) {
	ns := envelopeNamespace(doc)
	if ns == "" {
		return nil, ErrNotSOAP
	}
	headers := childElements(doc.Root(), "Header", ns)
	switch len(headers) {
	case 0:
		return nil, nil
	case 1:
		return headers[0], nil
	default:
		return nil, ErrMultipleHeaders
	}
}

// BodyElement returns the SOAP Body.
func BodyElement(doc *etree.Document) (*etree.Element, error) {
	ns := envelopeNamespace(doc)
	if ns == "" {
		return nil, ErrNotSOAP
	}
	bodies := childElements(doc.Root(), "Body", ns)
	if len(bodies) != 1 {
		return nil, fmt.Errorf("%w: expected one Body, found %d", ErrNotSOAP, len(bodies))
	}
	return bodies[0], nil
}

// GetOrMakeHeader returns the SOAP Header, creating it in front of the Body
// if it does not exist.
func GetOrMakeHeader(doc *etree.Document) (*etree.Element, error) {
	header, err := HeaderElement(doc)
	if err != nil || header != nil {
		return header, err
	}
	root := doc.Root()
	header = etree.NewElement(qualified(root.Space, "Header"))
	root.InsertChildAt(0, header)
	return header, nil
}

func onlyOneChild(header *etree.Element, local string, namespaces ...string) (*etree.Element, error) {
	if header == nil {
		return nil, nil
	}
	found := childElements(header, local, namespaces...)
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("more than one %s header", local)
	}
}

func prependHeader(doc *etree.Document, prefix, ns, local, text string) (*etree.Element, error) {
	header, err := GetOrMakeHeader(doc)
	if err != nil {
		return nil, err
	}
	el := etree.NewElement(qualified(prefix, local))
	el.CreateAttr("xmlns:"+prefix, ns)
	el.SetText(text)
	header.InsertChildAt(0, el)
	return el, nil
}

// WsaMessageID returns the wsa:MessageID value, or "" if there is none.
// otherNamespace, if not empty, is accepted in addition to the standard
// WS-Addressing namespaces.
func WsaMessageID(doc *etree.Document, otherNamespace string) (string, bool, error) {
	header, err := HeaderElement(doc)
	if err != nil {
		return "", false, err
	}
	namespaces := WsaNamespaces
	if otherNamespace != "" {
		namespaces = append(append([]string(nil), WsaNamespaces...), otherNamespace)
	}
	el, err := onlyOneChild(header, "MessageID", namespaces...)
	if err != nil || el == nil {
		return "", false, err
	}
	return strings.TrimSpace(el.Text()), true, nil
}

// SetWsaMessageID inserts a wsa:MessageID header. It fails if one exists.
func SetWsaMessageID(doc *etree.Document, namespace, id string) error {
	_, found, err := WsaMessageID(doc, namespace)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: wsa:MessageID", ErrElementExists)
	}
	if namespace == "" {
		namespace = DefaultWsaNamespace
	}
	_, err = prependHeader(doc, "wsa", namespace, "MessageID", id)
	return err
}

// L7aMessageID returns the L7a:MessageID value.
func L7aMessageID(doc *etree.Document) (string, bool, error) {
	header, err := HeaderElement(doc)
	if err != nil {
		return "", false, err
	}
	el, err := onlyOneChild(header, "MessageID", NsL7a)
	if err != nil || el == nil {
		return "", false, err
	}
	return strings.TrimSpace(el.Text()), true, nil
}

// SetL7aMessageID inserts an L7a:MessageID header. It fails if one exists.
func SetL7aMessageID(doc *etree.Document, id string) error {
	_, found, err := L7aMessageID(doc)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: L7a:MessageID", ErrElementExists)
	}
	_, err = prependHeader(doc, "L7a", NsL7a, "MessageID", id)
	return err
}

// SecurityElements returns every wsse:Security header.
func SecurityElements(doc *etree.Document) ([]*etree.Element, error) {
	header, err := HeaderElement(doc)
	if err != nil || header == nil {
		return nil, err
	}
	return childElements(header, "Security", SecurityNamespaces...), nil
}

// SecurityActor returns the actor (SOAP 1.1) or role (SOAP 1.2) of a
// header block, or "" if it has none.
func SecurityActor(el *etree.Element) string {
	for _, attr := range el.Attr {
		if attr.Key == "actor" || attr.Key == "role" {
			return attr.Value
		}
	}
	return ""
}

// SecurityElement returns the wsse:Security header addressed to actor. An
// empty actor selects the header without an actor attribute.
func SecurityElement(doc *etree.Document, actor string) (*etree.Element, error) {
	elements, err := SecurityElements(doc)
	if err != nil {
		return nil, err
	}
	for _, el := range elements {
		if SecurityActor(el) == actor {
			return el, nil
		}
	}
	return nil, nil
}

// RemoveEmptyHeader removes the SOAP Header if it has no child elements.
func RemoveEmptyHeader(doc *etree.Document) error {
	header, err := HeaderElement(doc)
	if err != nil || header == nil {
		return err
	}
	if len(header.ChildElements()) > 0 {
		return nil
	}
	doc.Root().RemoveChild(header)
	return nil
}

// RemoveElement detaches el from its parent.
func RemoveElement(el *etree.Element) {
	if parent := el.Parent(); parent != nil {
		parent.RemoveChild(el)
	}
}

func faultElement(doc *etree.Document) *etree.Element {
	body, err := BodyElement(doc)
	if err != nil {
		return nil
	}
	faults := childElements(body, "Fault", envelopeNamespace(doc))
	if len(faults) == 0 {
		return nil
	}
	return faults[0]
}

// Fault extracts the fault detail from a SOAP envelope, or nil if the body
// is not a fault.
func Fault(doc *etree.Document) *FaultDetail {
	fault := faultElement(doc)
	if fault == nil {
		return nil
	}
	detail := &FaultDetail{}
	if IsSOAP12(doc) {
		if value := fault.FindElement("./Code/Value"); value != nil {
			detail.Code = strings.TrimSpace(value.Text())
		}
		if sub := fault.FindElement("./Code/Subcode/Value"); sub != nil {
			detail.Code = strings.TrimSpace(sub.Text())
		}
		if reason := fault.FindElement("./Reason/Text"); reason != nil {
			detail.String = strings.TrimSpace(reason.Text())
		}
		if role := fault.FindElement("./Role"); role != nil {
			detail.Actor = strings.TrimSpace(role.Text())
		}
		return detail
	}
	if code := fault.SelectElement("faultcode"); code != nil {
		detail.Code = strings.TrimSpace(code.Text())
	}
	if str := fault.SelectElement("faultstring"); str != nil {
		detail.String = strings.TrimSpace(str.Text())
	}
	if actor := fault.SelectElement("faultactor"); actor != nil {
		detail.Actor = strings.TrimSpace(actor.Text())
	}
	return detail
}

// NewFault builds an envelope whose body is a single Fault. code is a local
// name qualified with the envelope prefix, such as "Server" for SOAP 1.1 or
// "Receiver" for SOAP 1.2.
func NewFault(soap12 bool, code, reason string) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	ns := NsSOAP11
	if soap12 {
		ns = NsSOAP12
	}
	env := doc.CreateElement("soapenv:Envelope")
	env.CreateAttr("xmlns:soapenv", ns)
	fault := env.CreateElement("soapenv:Body").CreateElement("soapenv:Fault")
	if soap12 {
		fault.CreateElement("soapenv:Code").CreateElement("soapenv:Value").SetText("soapenv:" + code)
		text := fault.CreateElement("soapenv:Reason").CreateElement("soapenv:Text")
		text.CreateAttr("xml:lang", "en")
		text.SetText(reason)
		return doc
	}
	fault.CreateElement("faultcode").SetText("soapenv:" + code)
	fault.CreateElement("faultstring").SetText(reason)
	return doc
}

// PayloadNamespace returns the namespace of the first element in the Body,
// which names the service a request is addressed to.
func PayloadNamespace(doc *etree.Document) string {
	body, err := BodyElement(doc)
	if err != nil {
		return ""
	}
	if children := body.ChildElements(); len(children) > 0 {
		return children[0].NamespaceURI()
	}
	return ""
}
