package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirosfoundation/go-wsbridge/pkg/failure"
	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
)

// Lookup finds the policy that applies to a request.
type Lookup interface {
	// FindMatchingPolicy returns the valid policy for key, or nil.
	FindMatchingPolicy(ctx context.Context, key AttachmentKey) *Policy
}

// Manager is a Lookup whose policies can be replaced.
type Manager interface {
	Lookup
	SetPolicy(ctx context.Context, key AttachmentKey, p *Policy) error
	FlushPolicy(ctx context.Context, key AttachmentKey)
}

// Source hands out the policy manager of each gateway.
type Source interface {
	For(gw *gateway.Gateway) Manager
}

// Store persists policy documents outside the process.
type Store interface {
	// Get returns the stored document, or nil if there is none.
	Get(ctx context.Context, gatewayID string, key AttachmentKey) ([]byte, error)
	Put(ctx context.Context, gatewayID string, key AttachmentKey, doc []byte) error
	Delete(ctx context.Context, gatewayID string, key AttachmentKey) error
}

// MemoryManager caches the policies of one gateway.
type MemoryManager struct {
	gatewayID string
	store     Store
	logger    *slog.Logger

	mu       sync.RWMutex
	policies map[AttachmentKey]*Policy
	locked   bool
}

// NewMemoryManager creates a manager for the gateway with the given id.
// store may be nil.
func NewMemoryManager(gatewayID string, store Store, logger *slog.Logger) *MemoryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryManager{
		gatewayID: gatewayID,
		store:     store,
		logger:    logger.With("gateway", gatewayID),
		policies:  make(map[AttachmentKey]*Policy),
	}
}

// FindMatchingPolicy returns the policy registered for key, falling back to
// one registered for the service URI alone. Invalidated policies are
// dropped and never returned.
func (m *MemoryManager) FindMatchingPolicy(ctx context.Context, key AttachmentKey) *Policy {
	candidates := []AttachmentKey{key}
	if key.SOAPAction != "" || key.ProxyURI != "" {
		candidates = append(candidates, AttachmentKey{URI: key.URI})
	}
	for _, k := range candidates {
		if p := m.cached(k); p != nil {
			return p
		}
	}
	if m.store == nil {
		return nil
	}
	for _, k := range candidates {
		if p := m.load(ctx, k); p != nil {
			return p
		}
	}
	return nil
}

func (m *MemoryManager) cached(key AttachmentKey) *Policy {
	m.mu.RLock()
	p, ok := m.policies[key]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	if p.Valid() {
		return p
	}
	m.mu.Lock()
	if m.policies[key] == p {
		delete(m.policies, key)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryManager) load(ctx context.Context, key AttachmentKey) *Policy {
	doc, err := m.store.Get(ctx, m.gatewayID, key)
	if err != nil {
		m.logger.Warn("policy store lookup failed", "key", key.String(), "error", err)
		return nil
	}
	if doc == nil {
		return nil
	}
	p, err := Parse(doc)
	if err != nil {
		m.logger.Warn("discarding unreadable stored policy", "key", key.String(), "error", err)
		_ = m.store.Delete(ctx, m.gatewayID, key)
		return nil
	}
	m.mu.Lock()
	m.policies[key] = p
	m.mu.Unlock()
	return p
}

// SetPolicy registers p for key. Policies that came from a document are
// also written to the store.
func (m *MemoryManager) SetPolicy(ctx context.Context, key AttachmentKey, p *Policy) error {
	m.mu.Lock()
	if m.locked {
		m.mu.Unlock()
		return failure.Errorf(failure.KindPolicyLocked, "policies for gateway %s are locked", m.gatewayID)
	}
	m.policies[key] = p
	m.mu.Unlock()

	m.logger.Debug("policy updated", "key", key.String(), "version", p.Version())
	if m.store != nil && p.Document() != nil {
		if err := m.store.Put(ctx, m.gatewayID, key, p.Document()); err != nil {
			m.logger.Warn("failed to store policy", "key", key.String(), "error", err)
		}
	}
	return nil
}

// FlushPolicy forgets the policy for key.
func (m *MemoryManager) FlushPolicy(ctx context.Context, key AttachmentKey) {
	m.mu.Lock()
	delete(m.policies, key)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Delete(ctx, m.gatewayID, key); err != nil {
			m.logger.Warn("failed to remove stored policy", "key", key.String(), "error", err)
		}
	}
}

// Lock prevents SetPolicy from changing the manager.
func (m *MemoryManager) Lock() {
	m.mu.Lock()
	m.locked = true
	m.mu.Unlock()
}

// Unlock reverses Lock.
func (m *MemoryManager) Unlock() {
	m.mu.Lock()
	m.locked = false
	m.mu.Unlock()
}

// Keys returns the attachment keys with a cached policy.
func (m *MemoryManager) Keys() []AttachmentKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]AttachmentKey, 0, len(m.policies))
	for k := range m.policies {
		keys = append(keys, k)
	}
	return keys
}

// Managers holds one MemoryManager per gateway, sharing a store.
type Managers struct {
	store  Store
	logger *slog.Logger

	mu        sync.Mutex
	byGateway map[string]*MemoryManager
}

// NewManagers creates an empty set. store may be nil.
func NewManagers(store Store, logger *slog.Logger) *Managers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Managers{store: store, logger: logger, byGateway: make(map[string]*MemoryManager)}
}

// For returns the manager of gw, creating it on first use.
func (s *Managers) For(gw *gateway.Gateway) Manager {
	return s.forID(gw.ID)
}

func (s *Managers) forID(id string) *MemoryManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byGateway[id]
	if !ok {
		m = NewMemoryManager(id, s.store, s.logger)
		s.byGateway[id] = m
	}
	return m
}

// LoadDir installs the policy documents (*.yaml, *.yml) found in dir. A
// document without a gateway applies to every gateway in gatewayIDs.
func (s *Managers) LoadDir(ctx context.Context, dir string, gatewayIDs []string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading policy directory: %w", err)
	}
	loaded := 0
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return loaded, fmt.Errorf("reading policy %s: %w", path, err)
		}
		doc, err := ParseDocument(data)
		if err != nil {
			return loaded, fmt.Errorf("policy %s: %w", path, err)
		}
		if doc.Key == nil {
			return loaded, fmt.Errorf("policy %s: %w: no attachment key", path, ErrInvalidPolicy)
		}
		targets := gatewayIDs
		if doc.Gateway != "" {
			targets = []string{doc.Gateway}
		}
		for _, id := range targets {
			if err := s.forID(id).SetPolicy(ctx, *doc.Key, doc.Policy); err != nil {
				return loaded, err
			}
		}
		loaded++
		s.logger.Debug("loaded policy", "file", path, "key", doc.Key.String())
	}
	return loaded, nil
}
