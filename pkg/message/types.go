package message

// Namespace constants for the envelopes and header blocks the bridge handles
const (
	NsSOAP11 = "http://schemas.xmlsoap.org/soap/envelope/"
	NsSOAP12 = "http://www.w3.org/2003/05/soap-envelope"

	NsWSSE     = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	NsWSSE2002 = "http://schemas.xmlsoap.org/ws/2002/12/secext"
	NsWSU      = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	NsWSC      = "http://schemas.xmlsoap.org/ws/2005/02/sc"

	NsWSA200408 = "http://schemas.xmlsoap.org/ws/2004/08/addressing"
	NsWSA200508 = "http://www.w3.org/2005/08/addressing"

	// NsL7a is the legacy addressing namespace understood by the gateway.
	NsL7a = "http://www.layer7tech.com/ws/addr"
)

// Default WS-Addressing namespace used when a MessageID is inserted.
const DefaultWsaNamespace = NsWSA200408

// SecurityNamespaces lists the namespaces accepted for wsse:Security.
var SecurityNamespaces = []string{NsWSSE, NsWSSE2002}

// WsaNamespaces lists the namespaces accepted for WS-Addressing headers.
var WsaNamespaces = []string{NsWSA200408, NsWSA200508}

// Well-known SOAP actor URIs
const (
	ActorNext11 = "http://schemas.xmlsoap.org/soap/actor/next"
	RoleNext12  = "http://www.w3.org/2003/05/soap-envelope/role/next"
)

// Fault codes with special handling by the bridge
const (
	FaultCodeSecurityTokenUnavailable = "wsse:SecurityTokenUnavailable"
	FaultCodeInvalidSecurityToken     = "wsse:InvalidSecurityToken"
	FaultCodeBadContextToken          = "wsc:BadContextToken"
)

// FaultDetail is the useful part of a SOAP fault.
type FaultDetail struct {
	Code   string
	String string
	Actor  string
}
