package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/teaspoon-world/tmcp-go/securechannel"
	"github.com/teaspoon-world/tmcp-go/securechannel/channeltest"
	"github.com/teaspoon-world/tmcp-go/wallet"
	"github.com/teaspoon-world/tmcp-go/wallet/memorywallet"
)

func testConfig() Config {
	return Config{
		DIDFormat:     "did.test/endpoint/{name}",
		Transport:     "tmcpclient://",
		MaxNameLength: 63,
	}
}

func newTestManager(t *testing.T, alias string, store wallet.Store, provider securechannel.Provider, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithConfig(testConfig()), WithLogger(slog.Default())}, opts...)
	m, err := NewManager(context.Background(), alias, store, provider, opts...)
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	return m
}

func TestCreateIdentityWithHistory(t *testing.T) {
	provider := channeltest.New()
	store := memorywallet.New()

	m := newTestManager(t, "server", store, provider)

	if !strings.HasPrefix(m.DID(), "did.test/endpoint/server-") {
		t.Fatalf("DID() = %q, want did.test/endpoint/server-<suffix>", m.DID())
	}
	if got := len(provider.PublishCalls()); got != 1 {
		t.Fatalf("PublishIdentity called %d times, want 1", got)
	}
	if got := len(provider.HistoryCalls()); got != 1 {
		t.Fatalf("PublishHistory called %d times, want 1 for a history-chain format", got)
	}

	// The identity must be persisted under the alias.
	id, err := store.ResolveAlias(context.Background(), "server")
	if err != nil {
		t.Fatalf("ResolveAlias() after creation failed: %v", err)
	}
	if id.DID != m.DID() {
		t.Fatalf("persisted DID %q != manager DID %q", id.DID, m.DID())
	}
}

func TestCreateIdentityWithoutHistory(t *testing.T) {
	provider := channeltest.New(channeltest.WithHistory(false))
	store := memorywallet.New()

	newTestManager(t, "plain", store, provider)

	if got := len(provider.PublishCalls()); got != 1 {
		t.Fatalf("PublishIdentity called %d times, want 1", got)
	}
	if got := len(provider.HistoryCalls()); got != 0 {
		t.Fatalf("PublishHistory called %d times, want 0 for a plain format", got)
	}
}

func TestReuseExistingIdentity(t *testing.T) {
	provider := channeltest.New()
	store := memorywallet.New()

	m1 := newTestManager(t, "server", store, provider)
	m2 := newTestManager(t, "server", store, provider)

	if m1.DID() != m2.DID() {
		t.Fatalf("second init minted a new DID: %q != %q", m2.DID(), m1.DID())
	}
	if got := len(provider.PublishCalls()); got != 1 {
		t.Fatalf("PublishIdentity called %d times across two inits, want 1", got)
	}
}

func TestRecreateWhenDirectoryForgets(t *testing.T) {
	provider := channeltest.New()
	store := memorywallet.New()

	m1 := newTestManager(t, "server", store, provider)
	provider.FailVerify(m1.DID(), securechannel.ErrIdentityNotFound)

	m2 := newTestManager(t, "server", store, provider)
	if m2.DID() == m1.DID() {
		t.Fatal("identity was reused despite the directory reporting it gone")
	}
	if got := len(provider.PublishCalls()); got != 2 {
		t.Fatalf("PublishIdentity called %d times, want 2 (original + recreation)", got)
	}
}

func TestUnreachableDirectoryIsFatal(t *testing.T) {
	provider := channeltest.New()
	store := memorywallet.New()

	m1 := newTestManager(t, "server", store, provider)
	provider.FailVerify(m1.DID(), securechannel.ErrIdentityUnreachable)

	_, err := NewManager(context.Background(), "server", store, provider, WithConfig(testConfig()))
	if err == nil {
		t.Fatal("NewManager() succeeded with an unreachable directory, want error")
	}
	if !errors.Is(err, securechannel.ErrIdentityUnreachable) {
		t.Fatalf("NewManager() error = %v, want ErrIdentityUnreachable", err)
	}
}

func TestPublishFailureIsFatal(t *testing.T) {
	provider := channeltest.New()
	provider.FailPublish(securechannel.ErrPublishFailed)
	store := memorywallet.New()

	_, err := NewManager(context.Background(), "server", store, provider, WithConfig(testConfig()))
	if !errors.Is(err, securechannel.ErrPublishFailed) {
		t.Fatalf("NewManager() error = %v, want ErrPublishFailed", err)
	}
}

func TestNameTruncation(t *testing.T) {
	provider := channeltest.New()
	store := memorywallet.New()

	cfg := testConfig()
	cfg.MaxNameLength = 16
	m := newTestManager(t, strings.Repeat("x", 32), store, provider, WithConfig(cfg))

	name := strings.TrimPrefix(m.DID(), "did.test/endpoint/")
	if len(name) != 16 {
		t.Fatalf("minted name %q has length %d, want 16", name, len(name))
	}
}

func TestNameTruncationKeepsValidUTF8(t *testing.T) {
	provider := channeltest.New()
	store := memorywallet.New()

	cfg := testConfig()
	// An odd limit over a two-byte alias forces the cut into the middle
	// of a rune unless the truncation backs up to a boundary.
	cfg.MaxNameLength = 11
	m := newTestManager(t, strings.Repeat("é", 16), store, provider, WithConfig(cfg))

	if !utf8.ValidString(m.DID()) {
		t.Fatalf("minted DID %q is not valid UTF-8", m.DID())
	}
	name := strings.TrimPrefix(m.DID(), "did.test/endpoint/")
	if len(name) > 11 {
		t.Fatalf("minted name %q has length %d, want at most 11", name, len(name))
	}
}

func TestConnectUnknownPeerFails(t *testing.T) {
	provider := channeltest.New()
	store := memorywallet.New()
	m := newTestManager(t, "client", store, provider)

	_, err := m.Connect(context.Background(), "did.test/endpoint/nobody")
	if !errors.Is(err, securechannel.ErrIdentityNotFound) {
		t.Fatalf("Connect() to unknown peer = %v, want ErrIdentityNotFound", err)
	}
}

func TestConnectCachesConnections(t *testing.T) {
	provider := channeltest.New()
	store := memorywallet.New()
	m := newTestManager(t, "client", store, provider)
	provider.SetEndpoint("did.test/endpoint/peer", "sse://localhost:9999/sse")

	c1, err := m.Connect(context.Background(), "did.test/endpoint/peer")
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	c2, err := m.Connect(context.Background(), "did.test/endpoint/peer")
	if err != nil {
		t.Fatalf("second Connect() failed: %v", err)
	}
	if c1 != c2 {
		t.Fatal("Connect() did not reuse the cached connection")
	}
}

func TestResolveEndpointAppendsLocalDID(t *testing.T) {
	provider := channeltest.New()
	store := memorywallet.New()
	m := newTestManager(t, "client", store, provider)
	provider.SetEndpoint("did.test/endpoint/peer", "sse://localhost:9999/sse")

	ep, err := m.ResolveEndpoint(context.Background(), "did.test/endpoint/peer", true)
	if err != nil {
		t.Fatalf("ResolveEndpoint() failed: %v", err)
	}
	u, err := url.Parse(ep)
	if err != nil {
		t.Fatalf("parse resolved endpoint: %v", err)
	}
	if got := u.Query().Get("did"); got != m.DID() {
		t.Fatalf("endpoint did param = %q, want %q", got, m.DID())
	}

	ep, err = m.ResolveEndpoint(context.Background(), "did.test/endpoint/peer", false)
	if err != nil {
		t.Fatalf("ResolveEndpoint() failed: %v", err)
	}
	if strings.Contains(ep, "did=") {
		t.Fatalf("endpoint %q carries a did param, want none", ep)
	}
}
