package transport

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sirosfoundation/go-wsbridge/pkg/credentials"
)

// digestChallenge is a parsed RFC 2617 WWW-Authenticate: Digest header.
type digestChallenge struct {
	realm     string
	nonce     string
	opaque    string
	algorithm string
	qop       string
}

func parseDigestChallenge(headers []string) (*digestChallenge, bool) {
	for _, h := range headers {
		scheme, params, ok := strings.Cut(strings.TrimSpace(h), " ")
		if !ok || !strings.EqualFold(scheme, "Digest") {
			continue
		}
		c := &digestChallenge{}
		for _, p := range splitParams(params) {
			k, v, ok := strings.Cut(p, "=")
			if !ok {
				continue
			}
			v = strings.Trim(strings.TrimSpace(v), `"`)
			switch strings.ToLower(strings.TrimSpace(k)) {
			case "realm":
				c.realm = v
			case "nonce":
				c.nonce = v
			case "opaque":
				c.opaque = v
			case "algorithm":
				c.algorithm = v
			case "qop":
				for _, q := range strings.Split(v, ",") {
					if strings.TrimSpace(q) == "auth" {
						c.qop = "auth"
					}
				}
			}
		}
		if c.nonce == "" {
			continue
		}
		if c.algorithm != "" && !strings.EqualFold(c.algorithm, "MD5") {
			continue
		}
		return c, true
	}
	return nil, false
}

// splitParams splits a comma separated parameter list, ignoring commas
// inside quoted strings.
func splitParams(s string) []string {
	var (
		out     []string
		start   int
		inQuote bool
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (c *digestChallenge) authorize(creds *credentials.Credentials, method, uri string) string {
	ha1 := md5hex(creds.Username + ":" + c.realm + ":" + creds.Password)
	ha2 := md5hex(method + ":" + uri)

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s"`, creds.Username, c.realm, c.nonce, uri)
	if c.qop != "" {
		cnonce := newCnonce()
		const nc = "00000001"
		response := md5hex(ha1 + ":" + c.nonce + ":" + nc + ":" + cnonce + ":" + c.qop + ":" + ha2)
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce="%s", response="%s"`, c.qop, nc, cnonce, response)
	} else {
		fmt.Fprintf(&b, `, response="%s"`, md5hex(ha1+":"+c.nonce+":"+ha2))
	}
	if c.opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, c.opaque)
	}
	if c.algorithm != "" {
		fmt.Fprintf(&b, `, algorithm=%s`, c.algorithm)
	}
	return b.String()
}

func newCnonce() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
