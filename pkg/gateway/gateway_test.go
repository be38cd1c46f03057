package gateway

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateway_SecureURL(t *testing.T) {
	gw := &Gateway{ServerURL: "http://host/", SSLPort: 8443}

	target, err := url.Parse("http://host/svc?x=1")
	require.NoError(t, err)
	secure, err := gw.SecureURL(target)
	require.NoError(t, err)
	assert.Equal(t, "https://host:8443/svc?x=1", secure.String())

	target, _ = url.Parse("https://host:9443/svc")
	secure, err = gw.SecureURL(target)
	require.NoError(t, err)
	assert.Equal(t, "https://host:8443/svc", secure.String())

	target, _ = url.Parse("ftp://host/svc")
	_, err = gw.SecureURL(target)
	assert.Error(t, err)
}

func TestGateway_DefaultPort(t *testing.T) {
	gw := &Gateway{ServerURL: "http://gw.example.com/"}
	assert.Equal(t, DefaultSSLPort, gw.Port())
	assert.Equal(t, "gw.example.com", gw.Address())
	assert.Equal(t, "gw.example.com", gw.PeerName())
}

func TestGateway_Federation(t *testing.T) {
	trusted := &Gateway{ID: "home"}
	fed := &Gateway{ID: "partner", TrustedGateway: trusted}

	assert.False(t, trusted.Federated())
	assert.True(t, fed.Federated())
	assert.Same(t, trusted, fed.Trusted())
	assert.Same(t, trusted, trusted.Trusted())
}

func TestGateway_ShouldCopyHeader(t *testing.T) {
	gw := &Gateway{PassthroughHeaders: []string{"X-Correlation-Id"}}

	assert.True(t, gw.ShouldCopyHeader("cookie"))
	assert.True(t, gw.ShouldCopyHeader("x-correlation-id"))
	assert.False(t, gw.ShouldCopyHeader("X-Other"))
	assert.False(t, gw.ShouldCopyHeader("Content-Length"))
	assert.False(t, gw.ShouldCopyHeader("connection"))
	assert.False(t, gw.ShouldCopyHeader("L7-Policy-Version"))
}

func TestGateway_ClockTranslation(t *testing.T) {
	gw := &Gateway{}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now, gw.ToGatewayTime(now))

	gw.SetClockOffset(90 * time.Second)
	assert.Equal(t, now.Add(90*time.Second), gw.ToGatewayTime(now))
	assert.Equal(t, now, gw.FromGatewayTime(gw.ToGatewayTime(now)))
}

func TestGateway_StripHeaderMode(t *testing.T) {
	assert.False(t, (&Gateway{}).ReluctantToStripSecurityHeader())
	assert.True(t, (&Gateway{Properties: map[string]string{PropStripHeader: "lazy"}}).ReluctantToStripSecurityHeader())
	assert.True(t, (&Gateway{Properties: map[string]string{PropStripHeader: "secure_span"}}).ReluctantToStripSecurityHeader())
	assert.False(t, (&Gateway{Properties: map[string]string{PropStripHeader: "always"}}).ReluctantToStripSecurityHeader())
}

func TestSession_Cookies(t *testing.T) {
	s := (&Gateway{}).Session()
	s.SetCookies([]*http.Cookie{{Name: "a", Value: "1"}})

	got := s.Cookies()
	require.Len(t, got, 1)
	got[0] = &http.Cookie{Name: "b"}
	assert.Equal(t, "a", s.Cookies()[0].Name, "returned slice is a copy")

	s.ClearCookies()
	assert.Empty(t, s.Cookies())
}

func TestSession_MergeCookies(t *testing.T) {
	s := (&Gateway{}).Session()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.MergeCookies(func(current []*http.Cookie) []*http.Cookie {
				return append(current, &http.Cookie{Name: fmt.Sprintf("c%d", i), Value: "v"})
			})
		}(i)
	}
	wg.Wait()
	assert.Len(t, s.Cookies(), 50)
}

func TestSession_SecureConversation(t *testing.T) {
	s := &Session{}
	_, _, ok := s.SecureConversation()
	assert.False(t, ok)

	s.SetSecureConversation("urn:sc:1", []byte("k"), time.Time{})
	id, secret, ok := s.SecureConversation()
	require.True(t, ok)
	assert.Equal(t, "urn:sc:1", id)
	assert.Equal(t, []byte("k"), secret)

	s.SetSecureConversation("urn:sc:2", nil, time.Now().Add(-time.Second))
	_, _, ok = s.SecureConversation()
	assert.False(t, ok, "expired context is dropped")

	s.SetSecureConversation("urn:sc:3", nil, time.Time{})
	s.CloseSecureConversation()
	_, _, ok = s.SecureConversation()
	assert.False(t, ok)
}
