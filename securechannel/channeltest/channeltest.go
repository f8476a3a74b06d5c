// Package channeltest provides a plaintext securechannel.Provider for tests
// and examples. Envelopes are JSON records with no confidentiality; the
// directory is an in-memory map. Do not use outside tests.
package channeltest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/teaspoon-world/tmcp-go/securechannel"
	"github.com/teaspoon-world/tmcp-go/wallet"
)

// Provider implements securechannel.Provider with transparent envelopes and
// an in-memory directory. The zero value is not usable; call New.
type Provider struct {
	history bool

	mu           sync.Mutex
	endpoints    map[string]string
	verifyErrs   map[string]error
	publishErr   error
	publishCalls []string
	historyCalls []string
}

var _ securechannel.Provider = (*Provider)(nil)

// Option configures the test provider.
type Option func(*Provider)

// WithHistory controls whether the provider simulates a history-chain
// identity format (default true).
func WithHistory(on bool) Option {
	return func(p *Provider) { p.history = on }
}

// New creates a test provider with an empty directory.
func New(opts ...Option) *Provider {
	p := &Provider{
		history:    true,
		endpoints:  make(map[string]string),
		verifyErrs: make(map[string]error),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetEndpoint makes did resolvable at the given transport endpoint.
func (p *Provider) SetEndpoint(did, endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints[did] = endpoint
}

// FailVerify makes VerifyIdentity return err for did.
func (p *Provider) FailVerify(did string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verifyErrs[did] = err
}

// FailPublish makes PublishIdentity return err.
func (p *Provider) FailPublish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishErr = err
}

// PublishCalls returns the DIDs passed to PublishIdentity, in order.
func (p *Provider) PublishCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.publishCalls...)
}

// HistoryCalls returns the DIDs passed to PublishHistory, in order.
func (p *Provider) HistoryCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.historyCalls...)
}

type testEnvelope struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Payload  []byte `json:"payload"`
}

func (p *Provider) Seal(localDID, peerDID string, payload []byte) ([]byte, error) {
	return json.Marshal(testEnvelope{Sender: localDID, Receiver: peerDID, Payload: payload})
}

func (p *Provider) Open(cipher []byte) (*securechannel.Envelope, error) {
	var env testEnvelope
	if err := json.Unmarshal(cipher, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", securechannel.ErrEnvelopeDecode, err)
	}
	return &securechannel.Envelope{Sender: env.Sender, Receiver: env.Receiver, Payload: env.Payload}, nil
}

func (p *Provider) Peek(cipher []byte) (string, string, error) {
	var env testEnvelope
	if err := json.Unmarshal(cipher, &env); err != nil {
		return "", "", fmt.Errorf("%w: %v", securechannel.ErrEnvelopeDecode, err)
	}
	return env.Sender, env.Receiver, nil
}

func (p *Provider) VerifyIdentity(ctx context.Context, did string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.verifyErrs[did]; ok {
		return "", err
	}
	ep, ok := p.endpoints[did]
	if !ok {
		return "", securechannel.ErrIdentityNotFound
	}
	return ep, nil
}

func (p *Provider) CreateIdentity(ctx context.Context, did, transport string) (*wallet.Identity, []byte, error) {
	p.mu.Lock()
	p.endpoints[did] = transport
	p.mu.Unlock()
	id := &wallet.Identity{DID: did, Transport: transport, CreatedAt: time.Now()}
	if !p.history {
		return id, nil, nil
	}
	return id, []byte(`{"history":"` + did + `"}`), nil
}

func (p *Provider) PublishIdentity(ctx context.Context, id *wallet.Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.publishCalls = append(p.publishCalls, id.DID)
	return nil
}

func (p *Provider) PublishHistory(ctx context.Context, did string, history []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.historyCalls = append(p.historyCalls, did)
	return nil
}

func (p *Provider) HasHistory() bool { return p.history }
