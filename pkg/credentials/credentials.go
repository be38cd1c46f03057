// Package credentials supplies usernames and passwords for gateway accounts.
package credentials

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/sirosfoundation/go-wsbridge/pkg/failure"
	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
)

// Credentials is a username and password pair.
type Credentials struct {
	Username string
	Password string
}

// Complete reports whether both a username and a password are present.
func (c *Credentials) Complete() bool {
	return c != nil && c.Username != "" && c.Password != ""
}

// ReasonHint explains to the user why credentials are being requested.
type ReasonHint int

const (
	HintNone ReasonHint = iota
	// HintPrivateKey: the password unlocks the client certificate's private key.
	HintPrivateKey
	// HintTrustedGateway: the password is for the trusted gateway of a federation.
	HintTrustedGateway
)

func (h ReasonHint) String() string {
	switch h {
	case HintPrivateKey:
		return "unlock the client certificate private key"
	case HintTrustedGateway:
		return "log in to the trusted gateway"
	default:
		return "log in"
	}
}

// Manager obtains credentials for gateway accounts. Implementations
// serialise their own interactions.
type Manager interface {
	// Cached returns the credentials on hand without prompting, or nil.
	Cached(gw *gateway.Gateway) *Credentials
	// Credentials returns cached credentials, prompting if there are none.
	Credentials(ctx context.Context, gw *gateway.Gateway) (*Credentials, error)
	// CredentialsWithHint is Credentials with a reason shown to the user.
	// disregardExisting forces a prompt even when credentials are cached.
	CredentialsWithHint(ctx context.Context, gw *gateway.Gateway, hint ReasonHint, disregardExisting bool) (*Credentials, error)
	// NewCredentials discards the cached credentials, which the gateway
	// rejected, and obtains new ones.
	NewCredentials(ctx context.Context, gw *gateway.Gateway, reportBadPassword bool) (*Credentials, error)
	// NotifyCertificateAlreadyIssued tells the user that the gateway has
	// already issued a client certificate for the account.
	NotifyCertificateAlreadyIssued(gw *gateway.Gateway)
	// SaveGatewayChanges persists changes made to the gateway during recovery.
	SaveGatewayChanges(ctx context.Context, gw *gateway.Gateway) error
}

// StaticManager serves preconfigured credentials and never prompts.
type StaticManager struct {
	mu    sync.RWMutex
	creds map[string]*Credentials
}

// NewStaticManager creates a manager with no credentials.
func NewStaticManager() *StaticManager {
	return &StaticManager{creds: make(map[string]*Credentials)}
}

// Set configures the credentials for a gateway.
func (m *StaticManager) Set(gatewayID string, c *Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[gatewayID] = c
}

// Cached implements Manager.
func (m *StaticManager) Cached(gw *gateway.Gateway) *Credentials {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds[gw.ID]
}

// Credentials implements Manager.
func (m *StaticManager) Credentials(_ context.Context, gw *gateway.Gateway) (*Credentials, error) {
	if c := m.Cached(gw); c.Complete() {
		return c, nil
	}
	return nil, failure.Errorf(failure.KindOperationCanceled, "no credentials configured for %s", gw.PeerName())
}

// CredentialsWithHint implements Manager.
func (m *StaticManager) CredentialsWithHint(ctx context.Context, gw *gateway.Gateway, _ ReasonHint, disregardExisting bool) (*Credentials, error) {
	if disregardExisting {
		return nil, failure.Errorf(failure.KindOperationCanceled, "cannot replace configured credentials for %s", gw.PeerName())
	}
	return m.Credentials(ctx, gw)
}

// NewCredentials implements Manager. Configured credentials that were
// rejected cannot be replaced.
func (m *StaticManager) NewCredentials(_ context.Context, gw *gateway.Gateway, _ bool) (*Credentials, error) {
	return nil, failure.Errorf(failure.KindOperationCanceled, "credentials for %s were rejected", gw.PeerName())
}

// NotifyCertificateAlreadyIssued implements Manager.
func (m *StaticManager) NotifyCertificateAlreadyIssued(*gateway.Gateway) {}

// SaveGatewayChanges implements Manager.
func (m *StaticManager) SaveGatewayChanges(context.Context, *gateway.Gateway) error { return nil }

// TerminalManager prompts on a terminal and caches the answers for the
// life of the process.
type TerminalManager struct {
	in     io.Reader
	out    io.Writer
	fd     int
	logger *slog.Logger

	// prompt serialises interaction with the terminal.
	prompt sync.Mutex

	mu    sync.Mutex
	cache map[string]*Credentials

	readPassword func(fd int) ([]byte, error)
}

// NewTerminalManager creates a manager reading from stdin.
func NewTerminalManager(logger *slog.Logger) *TerminalManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TerminalManager{
		in:           os.Stdin,
		out:          os.Stderr,
		fd:           int(os.Stdin.Fd()),
		logger:       logger,
		cache:        make(map[string]*Credentials),
		readPassword: term.ReadPassword,
	}
}

// Cached implements Manager.
func (m *TerminalManager) Cached(gw *gateway.Gateway) *Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache[gw.ID]
}

// Credentials implements Manager.
func (m *TerminalManager) Credentials(ctx context.Context, gw *gateway.Gateway) (*Credentials, error) {
	return m.CredentialsWithHint(ctx, gw, HintNone, false)
}

// CredentialsWithHint implements Manager.
func (m *TerminalManager) CredentialsWithHint(ctx context.Context, gw *gateway.Gateway, hint ReasonHint, disregardExisting bool) (*Credentials, error) {
	if !disregardExisting {
		if c := m.Cached(gw); c.Complete() {
			return c, nil
		}
	}
	return m.ask(ctx, gw, fmt.Sprintf("Credentials needed to %s on %s", hint, gw.PeerName()))
}

// NewCredentials implements Manager.
func (m *TerminalManager) NewCredentials(ctx context.Context, gw *gateway.Gateway, reportBadPassword bool) (*Credentials, error) {
	m.mu.Lock()
	delete(m.cache, gw.ID)
	m.mu.Unlock()

	banner := fmt.Sprintf("Credentials needed for %s", gw.PeerName())
	if reportBadPassword {
		banner = fmt.Sprintf("The username or password for %s was not accepted", gw.PeerName())
	}
	return m.ask(ctx, gw, banner)
}

// NotifyCertificateAlreadyIssued implements Manager.
func (m *TerminalManager) NotifyCertificateAlreadyIssued(gw *gateway.Gateway) {
	m.prompt.Lock()
	defer m.prompt.Unlock()
	fmt.Fprintf(m.out, "%s has already issued a client certificate for this account.\n"+
		"Contact the gateway administrator to have it revoked.\n", gw.PeerName())
}

// SaveGatewayChanges implements Manager.
func (m *TerminalManager) SaveGatewayChanges(_ context.Context, gw *gateway.Gateway) error {
	m.logger.Debug("Gateway changes are not persisted by the terminal manager", "gateway", gw.PeerName())
	return nil
}

func (m *TerminalManager) ask(ctx context.Context, gw *gateway.Gateway, banner string) (*Credentials, error) {
	m.prompt.Lock()
	defer m.prompt.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, failure.Wrap(failure.KindOperationCanceled, err, "credential prompt canceled")
	}

	fmt.Fprintln(m.out, banner)
	fmt.Fprint(m.out, "Username: ")
	line, err := bufio.NewReader(m.in).ReadString('\n')
	if err != nil && line == "" {
		return nil, failure.Wrap(failure.KindOperationCanceled, err, "failed to read username")
	}
	username := strings.TrimSpace(line)
	if username == "" {
		return nil, failure.New(failure.KindOperationCanceled, "no username entered")
	}

	fmt.Fprint(m.out, "Password: ")
	pw, err := m.readPassword(m.fd)
	fmt.Fprintln(m.out)
	if err != nil {
		return nil, failure.Wrap(failure.KindOperationCanceled, err, "failed to read password")
	}

	creds := &Credentials{Username: username, Password: strings.TrimSpace(string(pw))}
	m.mu.Lock()
	m.cache[gw.ID] = creds
	m.mu.Unlock()
	m.logger.Info("Credentials entered", "gateway", gw.PeerName(), "username", username)
	return creds, nil
}
