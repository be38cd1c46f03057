package policy

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrInvalidPolicy is returned for documents that do not describe a policy.
var ErrInvalidPolicy = errors.New("invalid policy document")

// Factory builds an assertion from the value given for its kind. value is
// nil when the assertion was written as a bare name.
type Factory func(value *yaml.Node) (Assertion, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{factories: make(map[string]Factory)}

// Register makes an assertion kind available to Parse. Registering a kind
// twice replaces the earlier factory.
func Register(kind string, f Factory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[kind] = f
}

// Kinds returns the registered assertion kinds in sorted order.
func Kinds() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	kinds := make([]string, 0, len(registry.factories))
	for k := range registry.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func init() {
	Register("all", composite(func(children []Assertion) Assertion { return &All{Assertions: children} }))
	Register("oneOrMore", composite(func(children []Assertion) Assertion { return &OneOrMore{Assertions: children} }))
	Register("ssl", leaf[SSL]())
	Register("httpBasic", leaf[HTTPBasic]())
	Register("httpDigest", leaf[HTTPDigest]())
	Register("wssUsernameToken", leaf[WssUsernameToken]())
	Register("wssTimestamp", leaf[WssTimestamp]())
	Register("messageId", leaf[MessageID]())
	Register("secureConversation", leaf[SecureConversation]())
	Register("samlToken", leaf[SAMLToken]())
	Register("kerberosTicket", leaf[KerberosTicket]())
	Register("responseTimestamp", leaf[ResponseTimestamp]())
	Register("compression", leaf[Compression]())
}

func composite(build func([]Assertion) Assertion) Factory {
	return func(value *yaml.Node) (Assertion, error) {
		if value == nil || value.Kind != yaml.SequenceNode {
			return nil, fmt.Errorf("expected a list of assertions")
		}
		children := make([]Assertion, 0, len(value.Content))
		for _, n := range value.Content {
			child, err := ParseAssertion(n)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return build(children), nil
	}
}

func leaf[T any, P interface {
	*T
	Assertion
}]() Factory {
	return func(value *yaml.Node) (Assertion, error) {
		a := P(new(T))
		if value != nil {
			if err := value.Decode(a); err != nil {
				return nil, err
			}
		}
		return a, nil
	}
}

// ParseAssertion builds the assertion described by node. A scalar names an
// assertion without settings; a mapping with a single key names the
// assertion and carries its settings, or its children for composites.
func ParseAssertion(node *yaml.Node) (Assertion, error) {
	var (
		kind  string
		value *yaml.Node
	)
	switch node.Kind {
	case yaml.ScalarNode:
		kind = node.Value
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return nil, fmt.Errorf("%w: line %d: an assertion must have exactly one name", ErrInvalidPolicy, node.Line)
		}
		kind, value = node.Content[0].Value, node.Content[1]
		if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
			value = nil
		}
	default:
		return nil, fmt.Errorf("%w: line %d: unexpected assertion node", ErrInvalidPolicy, node.Line)
	}

	registry.mu.RLock()
	f, ok := registry.factories[kind]
	registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: line %d: unknown assertion %q", ErrInvalidPolicy, node.Line, kind)
	}
	a, err := f(value)
	if err != nil {
		if errors.Is(err, ErrInvalidPolicy) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: line %d: %s: %v", ErrInvalidPolicy, node.Line, kind, err)
	}
	return a, nil
}

// Document is a parsed policy file.
type Document struct {
	// Key and Gateway say where a statically configured policy applies.
	// Downloaded documents leave them empty.
	Key     *AttachmentKey
	Gateway string
	Policy  *Policy
}

type rawDocument struct {
	Version string         `yaml:"version"`
	Key     *AttachmentKey `yaml:"key"`
	Gateway string         `yaml:"gateway"`
	Policy  yaml.Node      `yaml:"policy"`
}

// ParseDocument parses a YAML policy document:
//
//	version: "7"
//	key:
//	  uri: urn:example:quotes
//	policy:
//	  all:
//	    - ssl
//	    - wssTimestamp
func ParseDocument(data []byte) (*Document, error) {
	var raw rawDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if raw.Policy.Kind == 0 {
		return nil, fmt.Errorf("%w: no policy element", ErrInvalidPolicy)
	}
	root, err := ParseAssertion(&raw.Policy)
	if err != nil {
		return nil, err
	}
	p := New(root, raw.Version)
	p.document = data
	return &Document{Key: raw.Key, Gateway: raw.Gateway, Policy: p}, nil
}

// Parse parses a policy document, ignoring any attachment information.
func Parse(data []byte) (*Policy, error) {
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	return doc.Policy, nil
}

// Marshal renders p in the form read by Parse.
func Marshal(p *Policy) ([]byte, error) {
	root, err := assertionNode(p.Root())
	if err != nil {
		return nil, err
	}
	doc := &yaml.Node{Kind: yaml.MappingNode}
	if p.Version() != "" {
		doc.Content = append(doc.Content, scalarNode("version"), &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: p.Version()})
	}
	doc.Content = append(doc.Content, scalarNode("policy"), root)
	return yaml.Marshal(doc)
}

func scalarNode(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: v}
}

func assertionNode(a Assertion) (*yaml.Node, error) {
	if a == nil {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
	}
	if c, ok := a.(Composite); ok {
		seq := &yaml.Node{Kind: yaml.SequenceNode}
		for _, child := range c.Children() {
			n, err := assertionNode(child)
			if err != nil {
				return nil, err
			}
			seq.Content = append(seq.Content, n)
		}
		return &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{scalarNode(a.Kind()), seq}}, nil
	}
	var settings yaml.Node
	if err := settings.Encode(a); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", a.Kind(), err)
	}
	if settings.Kind == yaml.MappingNode && len(settings.Content) == 0 {
		return scalarNode(a.Kind()), nil
	}
	return &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{scalarNode(a.Kind()), &settings}}, nil
}

// Dump writes an indented outline of the assertion tree to w.
func Dump(w io.Writer, a Assertion) error {
	return dump(w, a, 0)
}

func dump(w io.Writer, a Assertion, depth int) error {
	indent := strings.Repeat("  ", depth)
	if a == nil {
		_, err := fmt.Fprintf(w, "%s(empty)\n", indent)
		return err
	}
	if _, err := fmt.Fprintf(w, "%s%s\n", indent, a.Kind()); err != nil {
		return err
	}
	if c, ok := a.(Composite); ok {
		for _, child := range c.Children() {
			if err := dump(w, child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
