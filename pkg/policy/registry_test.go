package policy

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sampleDocument = `version: "12"
key:
  uri: urn:example:quotes
  soapAction: getQuote
gateway: main
policy:
  all:
    - ssl:
        requireClientCert: true
    - wssTimestamp
    - messageId:
        useWsa: true
    - oneOrMore:
        - httpDigest
        - httpBasic
    - wssUsernameToken:
        actor: urn:downstream
`

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument([]byte(sampleDocument))
	require.NoError(t, err)

	require.NotNil(t, doc.Key)
	assert.Equal(t, AttachmentKey{URI: "urn:example:quotes", SOAPAction: "getQuote"}, *doc.Key)
	assert.Equal(t, "main", doc.Gateway)
	assert.Equal(t, "12", doc.Policy.Version())
	assert.Equal(t, []byte(sampleDocument), doc.Policy.Document())

	all, ok := doc.Policy.Root().(*All)
	require.True(t, ok)
	require.Len(t, all.Assertions, 5)
	assert.Equal(t, &SSL{RequireClientCert: true}, all.Assertions[0])
	assert.IsType(t, &WssTimestamp{}, all.Assertions[1])
	require.NotNil(t, all.Assertions[2].(*MessageID).UseWsa)
	assert.True(t, *all.Assertions[2].(*MessageID).UseWsa)
	assert.Len(t, all.Assertions[3].(*OneOrMore).Assertions, 2)
	assert.Equal(t, "urn:downstream", all.Assertions[4].(*WssUsernameToken).Actor)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "policy: [unclosed"},
		{"no policy", "version: 1\n"},
		{"unknown assertion", "policy: teleport\n"},
		{"two names", "policy:\n  ssl: {}\n  httpBasic: {}\n"},
		{"composite without list", "policy:\n  all: ssl\n"},
		{"nested unknown", "policy:\n  all:\n    - ssl\n    - teleport\n"},
		{"bad settings", "policy:\n  ssl:\n    requireClientCert: [1, 2]\n"},
		{"sequence root", "policy:\n  - ssl\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestParse_NullSettings(t *testing.T) {
	p, err := Parse([]byte("policy:\n  compression:\n"))
	require.NoError(t, err)
	assert.IsType(t, &Compression{}, p.Root())
}

type customAssertion struct {
	Level int `yaml:"level"`
}

func (a *customAssertion) Kind() string { return "custom" }
func (a *customAssertion) DecorateRequest(context.Context, Context) (Status, error) {
	return StatusNone, nil
}
func (a *customAssertion) UndecorateReply(context.Context, Context) (Status, error) {
	return StatusNone, nil
}

func TestRegister(t *testing.T) {
	Register("custom", leaf[customAssertion]())
	t.Cleanup(func() {
		registry.mu.Lock()
		delete(registry.factories, "custom")
		registry.mu.Unlock()
	})

	p, err := Parse([]byte("policy:\n  custom:\n    level: 3\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, p.Root().(*customAssertion).Level)
	assert.Contains(t, Kinds(), "custom")
}

func TestMarshal_RoundTrip(t *testing.T) {
	original, err := Parse([]byte(sampleDocument))
	require.NoError(t, err)

	data, err := Marshal(original)
	require.NoError(t, err)

	again, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, original.Version(), again.Version())
	assert.Equal(t, original.Root(), again.Root())

	var generic map[string]any
	require.NoError(t, yaml.Unmarshal(data, &generic))
	assert.Equal(t, "12", generic["version"])
}

func TestDump(t *testing.T) {
	p, err := Parse([]byte(sampleDocument))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, p.Root()))
	assert.Equal(t, `all
  ssl
  wssTimestamp
  messageId
  oneOrMore
    httpDigest
    httpBasic
  wssUsernameToken
`, buf.String())

	buf.Reset()
	require.NoError(t, Dump(&buf, nil))
	assert.Equal(t, "(empty)\n", buf.String())
}
