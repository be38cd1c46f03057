package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Session is the per-gateway state that outlives a single request: session
// cookies and the secure conversation context.
type Session struct {
	mu      sync.Mutex
	cookies []*http.Cookie

	scID      string
	scSecret  []byte
	scExpires time.Time
}

// Cookies returns a copy of the session cookies.
func (s *Session) Cookies() []*http.Cookie {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Cookie(nil), s.cookies...)
}

// SetCookies replaces the session cookies.
func (s *Session) SetCookies(cookies []*http.Cookie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies = append([]*http.Cookie(nil), cookies...)
}

// MergeCookies replaces the session cookies with merge(current) while
// holding the session lock, so concurrent merges do not lose updates.
func (s *Session) MergeCookies(merge func(current []*http.Cookie) []*http.Cookie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies = append([]*http.Cookie(nil), merge(append([]*http.Cookie(nil), s.cookies...))...)
}

// ClearCookies drops all session cookies.
func (s *Session) ClearCookies() {
	s.SetCookies(nil)
}

// SecureConversation returns the established context, if it has not expired.
func (s *Session) SecureConversation() (id string, secret []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scID == "" {
		return "", nil, false
	}
	if !s.scExpires.IsZero() && time.Now().After(s.scExpires) {
		s.scID, s.scSecret, s.scExpires = "", nil, time.Time{}
		return "", nil, false
	}
	return s.scID, s.scSecret, true
}

// SetSecureConversation records an established context. A zero expiry
// never expires.
func (s *Session) SetSecureConversation(id string, secret []byte, expires time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scID, s.scSecret, s.scExpires = id, secret, expires
}

// CloseSecureConversation forgets the established context.
func (s *Session) CloseSecureConversation() {
	s.SetSecureConversation("", nil, time.Time{})
}

// TokenStrategy obtains security tokens, such as SAML assertions issued by
// a WS-Trust token service, for a federated gateway.
type TokenStrategy interface {
	// Token returns the current token, requesting a new one if needed.
	Token(ctx context.Context) ([]byte, error)
	// OnTokenRejected discards the cached token.
	OnTokenRejected()
	// HandleSSLError recovers from a TLS failure talking to peer, typically
	// the token service.
	HandleSSLError(ctx context.Context, peer Peer, err error) error
}

// KerberosSource supplies Kerberos service tickets for a gateway.
type KerberosSource interface {
	Ticket(ctx context.Context) ([]byte, error)
	// Clear discards the cached ticket.
	Clear()
}

// ConversationService establishes WS-SecureConversation sessions with a
// gateway's token service.
type ConversationService interface {
	Establish(ctx context.Context, gw *Gateway) (id string, secret []byte, expires time.Time, err error)
}
