package gateway

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultSSLPort is the gateway's HTTPS port unless configured otherwise.
const DefaultSSLPort = 8443

// PropStripHeader selects when a processed response Security header is
// removed: "always" (default), "when_processed", "secure_span" or "lazy".
const PropStripHeader = "response.security.stripHeader"

// Peer is the far end of a TLS connection. A Gateway is a Peer; token
// services contacted by a TokenStrategy are others.
type Peer interface {
	PeerName() string
}

// HostPeer is a Peer that is not a configured gateway.
type HostPeer string

// PeerName implements Peer.
func (h HostPeer) PeerName() string { return string(h) }

// Gateway describes a target gateway account.
type Gateway struct {
	ID        string
	ServerURL string
	SSLPort   int

	// UseSSLByDefault requires TLS when no policy is known for a request.
	UseSSLByDefault bool
	// Generic gateways are plain URLs: no policy discovery, no certificate
	// discovery.
	Generic bool
	// ChainCredentialsFromClient takes credentials from the calling client
	// instead of the credential manager.
	ChainCredentialsFromClient bool

	HTTPHeaderPassthrough bool
	PassthroughHeaders    []string
	Compress              bool

	UseWsaMessageID bool
	WsaNamespace    string

	// TrustedGateway is set for federated gateways: the gateway whose client
	// certificate and trust anchors this one relies on.
	TrustedGateway *Gateway

	TokenStrategy TokenStrategy
	Kerberos      KerberosSource
	// Conversations establishes WS-SecureConversation sessions; nil means
	// the gateway offers no token service.
	Conversations ConversationService

	Properties map[string]string

	// clockOffset is added to local time to obtain gateway time, in ns.
	clockOffset atomic.Int64

	session Session
}

// Federated reports whether the gateway is trusted through another gateway.
func (g *Gateway) Federated() bool {
	return g.TrustedGateway != nil
}

// Trusted returns the gateway holding the client certificate: the trusted
// gateway for federated gateways, otherwise g itself.
func (g *Gateway) Trusted() *Gateway {
	if g.TrustedGateway != nil {
		return g.TrustedGateway
	}
	return g
}

// PeerName implements Peer.
func (g *Gateway) PeerName() string {
	if g.ID != "" {
		return g.ID
	}
	return g.Address()
}

func (g *Gateway) String() string {
	return fmt.Sprintf("gateway %s (%s)", g.PeerName(), g.ServerURL)
}

// Address returns the host name of the gateway.
func (g *Gateway) Address() string {
	u, err := url.Parse(g.ServerURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Port returns the SSL port, or DefaultSSLPort if none is configured.
func (g *Gateway) Port() int {
	if g.SSLPort > 0 {
		return g.SSLPort
	}
	return DefaultSSLPort
}

// SecureURL returns the HTTPS form of target on this gateway's SSL port.
// Only http and https URLs have a secure form.
func (g *Gateway) SecureURL(target *url.URL) (*url.URL, error) {
	switch strings.ToLower(target.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("no secure variant of %s URL %q", target.Scheme, target.String())
	}
	secure := *target
	secure.Scheme = "https"
	secure.Host = net.JoinHostPort(target.Hostname(), strconv.Itoa(g.Port()))
	return &secure, nil
}

// URL returns the parsed server URL.
func (g *Gateway) URL() (*url.URL, error) {
	u, err := url.Parse(g.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("gateway %s: invalid server URL: %w", g.PeerName(), err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("gateway %s: server URL %q has no host", g.PeerName(), g.ServerURL)
	}
	return u, nil
}

var neverCopied = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Te":                true,
	"Trailer":           true,
	"Host":              true,
	"Content-Length":    true,
	"Content-Type":      true,
	"Content-Encoding":  true,
	"User-Agent":        true,
	"Soapaction":        true,
}

// ShouldCopyHeader reports whether a header of the original request should
// be passed through to the gateway. Cookie headers are always candidates;
// other headers must be on the gateway's allow-list.
func (g *Gateway) ShouldCopyHeader(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	if neverCopied[canonical] || strings.HasPrefix(canonical, "L7-") {
		return false
	}
	if canonical == "Cookie" || canonical == "Set-Cookie" {
		return true
	}
	for _, allowed := range g.PassthroughHeaders {
		if strings.EqualFold(allowed, name) {
			return true
		}
	}
	return false
}

// ReluctantToStripSecurityHeader reports whether a processed response
// Security header is only removed when it was addressed to the bridge.
func (g *Gateway) ReluctantToStripSecurityHeader() bool {
	switch g.Properties[PropStripHeader] {
	case "secure_span", "lazy":
		return true
	default:
		return false
	}
}

// ClockOffset returns the offset added to local time to get gateway time.
func (g *Gateway) ClockOffset() time.Duration {
	return time.Duration(g.clockOffset.Load())
}

// SetClockOffset sets the gateway clock offset; zero disables translation.
func (g *Gateway) SetClockOffset(d time.Duration) {
	g.clockOffset.Store(int64(d))
}

// ToGatewayTime translates a local time to the gateway's clock.
func (g *Gateway) ToGatewayTime(t time.Time) time.Time {
	return t.Add(g.ClockOffset())
}

// FromGatewayTime translates a gateway time to the local clock.
func (g *Gateway) FromGatewayTime(t time.Time) time.Time {
	return t.Add(-g.ClockOffset())
}

// Session returns the runtime state shared by all requests to g.
func (g *Gateway) Session() *Session {
	return &g.session
}

// PeerError reports a failure talking to a particular TLS peer, such as
// the token service of a TokenStrategy.
type PeerError struct {
	Peer Peer
	Err  error
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Peer.PeerName(), e.Err)
}

func (e *PeerError) Unwrap() error { return e.Err }
