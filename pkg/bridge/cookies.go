package bridge

import (
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

type cookieID struct {
	name, domain, path string
}

func identify(c *http.Cookie, origin *url.URL) cookieID {
	domain := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
	if domain == "" && origin != nil {
		domain = strings.ToLower(origin.Hostname())
	}
	p := c.Path
	if p == "" || p[0] != '/' {
		p = defaultCookiePath(origin)
	}
	return cookieID{name: c.Name, domain: domain, path: p}
}

// defaultCookiePath is the directory of the request path, as a cookie
// jar computes it.
func defaultCookiePath(origin *url.URL) string {
	if origin == nil || origin.Path == "" || origin.Path[0] != '/' {
		return "/"
	}
	dir := path.Dir(origin.Path)
	if dir == "." {
		return "/"
	}
	return dir
}

func expired(c *http.Cookie, now time.Time) bool {
	if c.MaxAge < 0 {
		return true
	}
	return c.MaxAge == 0 && !c.Expires.IsZero() && !c.Expires.After(now)
}

// mergeCookies folds the Set-Cookie values of a response into the session
// cookies. A received cookie replaces the session cookie with the same
// name, domain and path; expired cookies are dropped. Merging the same
// header twice leaves the set unchanged.
func mergeCookies(existing []*http.Cookie, header http.Header, origin *url.URL, now time.Time) []*http.Cookie {
	received := (&http.Response{Header: header}).Cookies()
	if len(received) == 0 {
		return existing
	}

	merged := make([]*http.Cookie, 0, len(received)+len(existing))
	index := make(map[cookieID]int)
	removed := make(map[cookieID]bool)
	for _, c := range received {
		id := identify(c, origin)
		if expired(c, now) {
			removed[id] = true
			if i, ok := index[id]; ok {
				merged[i] = nil
				delete(index, id)
			}
			continue
		}
		delete(removed, id)
		if i, ok := index[id]; ok {
			merged[i] = c
			continue
		}
		index[id] = len(merged)
		merged = append(merged, c)
	}
	for _, c := range existing {
		id := identify(c, origin)
		if _, ok := index[id]; ok || removed[id] || expired(c, now) {
			continue
		}
		index[id] = len(merged)
		merged = append(merged, c)
	}

	out := merged[:0]
	for _, c := range merged {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// cookieHeader renders cookies as a single Cookie request header value.
func cookieHeader(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, (&http.Cookie{Name: c.Name, Value: c.Value}).String())
	}
	return strings.Join(parts, "; ")
}
