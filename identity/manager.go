// Package identity owns the local identity lifecycle: creating and
// publishing a DID when none exists, resolving and verifying peer DIDs, and
// binding a local/peer identity pair into a Connection used to seal and open
// envelopes.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/teaspoon-world/tmcp-go/securechannel"
	"github.com/teaspoon-world/tmcp-go/wallet"
)

// Manager holds one local identity and mints Connections to verified peers.
// Construct with NewManager; there are no process-wide globals.
type Manager struct {
	alias    string
	cfg      Config
	store    wallet.Store
	provider securechannel.Provider
	log      *slog.Logger
	strict   bool

	local *wallet.Identity

	connMu sync.RWMutex
	conns  map[string]*Connection
}

// Option configures a Manager.
type Option func(*managerConfig)

type managerConfig struct {
	cfg    Config
	cfgSet bool
	logger *slog.Logger
	strict bool
}

// WithConfig overrides the DID minting configuration.
func WithConfig(cfg Config) Option {
	return func(mc *managerConfig) { mc.cfg = cfg; mc.cfgSet = true }
}

// WithLogger sets the slog logger. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(mc *managerConfig) { mc.logger = l }
}

// WithStrictPeerCheck makes Connection.Open reject envelopes whose sender or
// receiver does not match the bound identity pair. The default logs a
// warning and returns the payload anyway.
func WithStrictPeerCheck() Option {
	return func(mc *managerConfig) { mc.strict = true }
}

// NewManager looks up a previously persisted identity under alias, verifying
// it still resolves against the directory. If the directory reports it gone,
// a fresh identity is created, published and persisted; any other
// verification failure is fatal.
func NewManager(ctx context.Context, alias string, store wallet.Store, provider securechannel.Provider, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("wallet store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("secure channel provider is required")
	}

	mc := &managerConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(mc)
	}
	if !mc.cfgSet {
		cfg, err := ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		mc.cfg = cfg
	}
	mc.cfg.applyDefaults()

	m := &Manager{
		alias:    alias,
		cfg:      mc.cfg,
		store:    store,
		provider: provider,
		log:      mc.logger,
		strict:   mc.strict,
		conns:    make(map[string]*Connection),
	}

	if err := m.initIdentity(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) initIdentity(ctx context.Context) error {
	id, err := m.store.ResolveAlias(ctx, m.alias)
	if err != nil && !errors.Is(err, wallet.ErrAliasNotFound) {
		return fmt.Errorf("resolve alias %q: %w", m.alias, err)
	}

	if id != nil {
		if _, err := m.provider.VerifyIdentity(ctx, id.DID); err != nil {
			if !errors.Is(err, securechannel.ErrIdentityNotFound) {
				return fmt.Errorf("verify identity %q: %w", id.DID, err)
			}
			// The directory no longer knows this identity; mint a new one.
			m.log.Warn("identity.verify.miss", slog.String("did", id.DID))
			id = nil
		} else {
			m.log.Info("identity.reuse", slog.String("did", id.DID))
		}
	}

	if id == nil {
		id, err = m.createIdentity(ctx)
		if err != nil {
			return err
		}
	}

	m.local = id
	return nil
}

func (m *Manager) createIdentity(ctx context.Context) (*wallet.Identity, error) {
	name := fmt.Sprintf("%s-%s", m.alias, uuid.NewString())
	if len(name) > m.cfg.MaxNameLength {
		// Truncate on a rune boundary so a multi-byte alias cannot
		// mint an invalid-UTF-8 DID.
		cut := m.cfg.MaxNameLength
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	did := strings.ReplaceAll(m.cfg.DIDFormat, "{name}", name)

	id, history, err := m.provider.CreateIdentity(ctx, did, m.cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("create identity %q: %w", did, err)
	}
	id.Alias = m.alias

	if err := m.provider.PublishIdentity(ctx, id); err != nil {
		return nil, fmt.Errorf("publish identity %q: %w", id.DID, err)
	}
	if m.provider.HasHistory() {
		if err := m.provider.PublishHistory(ctx, id.DID, history); err != nil {
			return nil, fmt.Errorf("publish history for %q: %w", id.DID, err)
		}
	}

	if err := m.store.Put(ctx, id); err != nil {
		return nil, fmt.Errorf("persist identity %q: %w", id.DID, err)
	}

	m.log.Info("identity.create.ok", slog.String("did", id.DID))
	return id, nil
}

// DID returns the local identity's DID.
func (m *Manager) DID() string { return m.local.DID }

// Alias returns the alias the local identity is persisted under.
func (m *Manager) Alias() string { return m.alias }

// Provider exposes the underlying secure channel provider.
func (m *Manager) Provider() securechannel.Provider { return m.provider }

// Connect verifies that peerDID resolves against the directory and returns
// a Connection bound to (local identity, peerDID). Connections are cached
// per peer; re-connecting to a known peer is cheap and does not consult the
// directory again.
func (m *Manager) Connect(ctx context.Context, peerDID string) (*Connection, error) {
	m.connMu.RLock()
	conn, ok := m.conns[peerDID]
	m.connMu.RUnlock()
	if ok {
		return conn, nil
	}

	if _, err := m.provider.VerifyIdentity(ctx, peerDID); err != nil {
		return nil, fmt.Errorf("connect to %q: %w", peerDID, err)
	}

	conn = &Connection{
		local:    m.local.DID,
		peer:     peerDID,
		provider: m.provider,
		log:      m.log,
		strict:   m.strict,
	}

	m.connMu.Lock()
	if existing, ok := m.conns[peerDID]; ok {
		conn = existing
	} else {
		m.conns[peerDID] = conn
	}
	m.connMu.Unlock()

	return conn, nil
}

// ResolveEndpoint resolves peerDID to its transport URL. When
// includeLocalDID is set, the local DID is appended as a "did" query
// parameter so the peer can route responses back.
func (m *Manager) ResolveEndpoint(ctx context.Context, peerDID string, includeLocalDID bool) (string, error) {
	endpoint, err := m.provider.VerifyIdentity(ctx, peerDID)
	if err != nil {
		return "", fmt.Errorf("resolve endpoint for %q: %w", peerDID, err)
	}
	if !includeLocalDID {
		return endpoint, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("did", m.local.DID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
