// Package boxprovider is the default securechannel.Provider: envelopes are
// sealed with an ephemeral-static X25519 agreement, an HKDF-SHA256 derived
// key and XChaCha20-Poly1305, then signed with the sender's Ed25519 key.
// Identity documents are published to and resolved from an HTTP directory.
package boxprovider

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/teaspoon-world/tmcp-go/securechannel"
	"github.com/teaspoon-world/tmcp-go/wallet"
)

const (
	hkdfInfoPrefix = "tmcp-envelope-v1:"
	maxDirBody     = 1 * 1024 * 1024
)

// sealedEnvelope is the wire form of one sealed message.
type sealedEnvelope struct {
	Sender     string `json:"s"`
	Receiver   string `json:"r"`
	Ephemeral  string `json:"e"`
	Nonce      string `json:"n"`
	Ciphertext string `json:"c"`
	Signature  string `json:"g"`
}

func (e *sealedEnvelope) signingInput() []byte {
	var b bytes.Buffer
	for _, f := range []string{e.Sender, e.Receiver, e.Ephemeral, e.Nonce, e.Ciphertext} {
		b.WriteString(f)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// ownKeys is the decoded private material of a locally owned identity.
type ownKeys struct {
	signing    ed25519.PrivateKey
	encryption []byte
}

// Provider implements securechannel.Provider against an HTTP identity
// directory. Private keys come from the wallet; peer public keys are cached
// as identities are verified.
type Provider struct {
	cfg        Config
	store      wallet.Store
	httpClient *http.Client
	log        *slog.Logger

	mu    sync.RWMutex
	peers map[string]peerKeys
	owned map[string]ownKeys
}

var _ securechannel.Provider = (*Provider)(nil)

// Option configures the Provider.
type Option func(*Provider)

// WithHTTPClient sets the client used for directory requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithLogger sets the provider's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// New builds a Provider. The store supplies private key material for owned
// identities; it is the same store the identity manager persists into.
func New(cfg Config, store wallet.Store, opts ...Option) *Provider {
	p := &Provider{
		cfg:        cfg,
		store:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        slog.Default(),
		peers:      make(map[string]peerKeys),
		owned:      make(map[string]ownKeys),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) HasHistory() bool { return p.cfg.History }

// localKeys loads and caches the private material for an owned identity.
func (p *Provider) localKeys(did string) (ownKeys, error) {
	p.mu.RLock()
	ok, hit := p.owned[did]
	p.mu.RUnlock()
	if hit {
		return ok, nil
	}

	id, err := p.store.Get(context.Background(), did)
	if err != nil {
		return ownKeys{}, fmt.Errorf("load identity %s: %w", did, err)
	}
	var kb keyBundle
	if err := json.Unmarshal(id.Private, &kb); err != nil {
		return ownKeys{}, fmt.Errorf("decode key bundle for %s: %w", did, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(kb.SigningKey)
	if err != nil || len(sig) != ed25519.PrivateKeySize {
		return ownKeys{}, fmt.Errorf("malformed signing key for %s", did)
	}
	enc, err := base64.RawURLEncoding.DecodeString(kb.EncryptionKey)
	if err != nil || len(enc) != 32 {
		return ownKeys{}, fmt.Errorf("malformed encryption key for %s", did)
	}

	keys := ownKeys{signing: ed25519.PrivateKey(sig), encryption: enc}
	p.mu.Lock()
	p.owned[did] = keys
	p.mu.Unlock()
	return keys, nil
}

func (p *Provider) peerPublic(did string) (peerKeys, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pk, ok := p.peers[did]
	return pk, ok
}

func (p *Provider) cachePeer(did string, pk peerKeys) {
	p.mu.Lock()
	p.peers[did] = pk
	p.mu.Unlock()
}

// deriveKey runs HKDF-SHA256 over the X25519 shared secret, bound to the
// sender/receiver pair.
func deriveKey(shared []byte, sender, receiver string) ([]byte, error) {
	info := []byte(hkdfInfoPrefix + sender + "|" + receiver)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, info), key); err != nil {
		return nil, fmt.Errorf("derive envelope key: %w", err)
	}
	return key, nil
}

func (p *Provider) Seal(localDID, peerDID string, payload []byte) ([]byte, error) {
	local, err := p.localKeys(localDID)
	if err != nil {
		return nil, err
	}
	peer, ok := p.peerPublic(peerDID)
	if !ok {
		return nil, fmt.Errorf("identity %s has not been resolved", peerDID)
	}

	ephPriv := make([]byte, 32)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive ephemeral public key: %w", err)
	}
	shared, err := curve25519.X25519(ephPriv, peer.encryption)
	if err != nil {
		return nil, fmt.Errorf("key agreement with %s: %w", peerDID, err)
	}
	key, err := deriveKey(shared, localDID, peerDID)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	aad := []byte(localDID + "|" + peerDID)
	ct := aead.Seal(nil, nonce, payload, aad)

	env := sealedEnvelope{
		Sender:     localDID,
		Receiver:   peerDID,
		Ephemeral:  base64.RawURLEncoding.EncodeToString(ephPub),
		Nonce:      base64.RawURLEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawURLEncoding.EncodeToString(ct),
	}
	env.Signature = base64.RawURLEncoding.EncodeToString(ed25519.Sign(local.signing, env.signingInput()))

	return json.Marshal(env)
}

func (p *Provider) Open(cipher []byte) (*securechannel.Envelope, error) {
	var env sealedEnvelope
	if err := json.Unmarshal(cipher, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", securechannel.ErrEnvelopeDecode, err)
	}

	local, err := p.localKeys(env.Receiver)
	if err != nil {
		return nil, fmt.Errorf("envelope receiver %s is not a local identity: %w", env.Receiver, err)
	}
	sender, ok := p.peerPublic(env.Sender)
	if !ok {
		return nil, fmt.Errorf("envelope sender %s has not been resolved", env.Sender)
	}

	sig, err := base64.RawURLEncoding.DecodeString(env.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed signature", securechannel.ErrEnvelopeDecode)
	}
	if !ed25519.Verify(sender.signing, env.signingInput(), sig) {
		return nil, fmt.Errorf("%w: signature verification failed for sender %s", securechannel.ErrEnvelopeDecode, env.Sender)
	}

	ephPub, err := base64.RawURLEncoding.DecodeString(env.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ephemeral key", securechannel.ErrEnvelopeDecode)
	}
	nonce, err := base64.RawURLEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: malformed nonce", securechannel.ErrEnvelopeDecode)
	}
	ct, err := base64.RawURLEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", securechannel.ErrEnvelopeDecode)
	}

	shared, err := curve25519.X25519(local.encryption, ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement failed", securechannel.ErrEnvelopeDecode)
	}
	key, err := deriveKey(shared, env.Sender, env.Receiver)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aad := []byte(env.Sender + "|" + env.Receiver)
	payload, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed", securechannel.ErrEnvelopeDecode)
	}

	return &securechannel.Envelope{
		Sender:   env.Sender,
		Receiver: env.Receiver,
		Payload:  payload,
	}, nil
}

func (p *Provider) Peek(cipher []byte) (string, string, error) {
	var env sealedEnvelope
	if err := json.Unmarshal(cipher, &env); err != nil {
		return "", "", fmt.Errorf("%w: %v", securechannel.ErrEnvelopeDecode, err)
	}
	if env.Sender == "" || env.Receiver == "" {
		return "", "", fmt.Errorf("%w: envelope is missing addressing", securechannel.ErrEnvelopeDecode)
	}
	return env.Sender, env.Receiver, nil
}

// resolveResponse is the directory's answer to a resolution query. The
// document is kept raw so the history artifact can be checked against the
// exact published bytes.
type resolveResponse struct {
	Document json.RawMessage `json:"document"`
	History  string          `json:"history,omitempty"`
}

func (p *Provider) VerifyIdentity(ctx context.Context, did string) (string, error) {
	u := p.cfg.ResolveURL + "?did=" + url.QueryEscape(did)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", securechannel.ErrIdentityUnreachable, err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", securechannel.ErrIdentityUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", securechannel.ErrIdentityNotFound, did)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: directory returned status %d", securechannel.ErrIdentityUnreachable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDirBody))
	if err != nil {
		return "", fmt.Errorf("%w: %v", securechannel.ErrIdentityUnreachable, err)
	}
	var rr resolveResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return "", fmt.Errorf("%w: malformed directory response: %v", securechannel.ErrIdentityUnreachable, err)
	}
	var doc Document
	if err := json.Unmarshal(rr.Document, &doc); err != nil {
		return "", fmt.Errorf("%w: malformed identity document: %v", securechannel.ErrIdentityUnreachable, err)
	}
	if doc.DID != did {
		return "", fmt.Errorf("%w: directory answered for %s", securechannel.ErrIdentityUnreachable, doc.DID)
	}
	if rr.History != "" {
		if err := verifyHistory(&doc, rr.Document, rr.History); err != nil {
			return "", fmt.Errorf("%w: %v", securechannel.ErrIdentityUnreachable, err)
		}
	}

	keys, err := doc.keys()
	if err != nil {
		return "", fmt.Errorf("%w: %v", securechannel.ErrIdentityUnreachable, err)
	}
	p.cachePeer(did, keys)
	p.log.Debug("identity.resolve.ok", slog.String("did", did), slog.String("endpoint", doc.Transport))

	return doc.Transport, nil
}

func (p *Provider) CreateIdentity(ctx context.Context, did, transport string) (*wallet.Identity, []byte, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate signing key: %w", err)
	}
	encPriv := make([]byte, 32)
	if _, err := rand.Read(encPriv); err != nil {
		return nil, nil, fmt.Errorf("generate encryption key: %w", err)
	}
	encPub, err := curve25519.X25519(encPriv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive encryption public key: %w", err)
	}

	doc := newDocument(did, transport, sigPub, encPub)
	rawDoc, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("encode identity document: %w", err)
	}
	rawPriv, err := json.Marshal(keyBundle{
		SigningKey:    base64.RawURLEncoding.EncodeToString(sigPriv),
		EncryptionKey: base64.RawURLEncoding.EncodeToString(encPriv),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encode key bundle: %w", err)
	}

	var history []byte
	if p.cfg.History {
		history, err = signHistory(did, documentHash(rawDoc), sigPriv)
		if err != nil {
			return nil, nil, err
		}
	}

	id := &wallet.Identity{
		DID:       did,
		Transport: transport,
		Private:   rawPriv,
		Public:    rawDoc,
		CreatedAt: time.Now().UTC(),
	}

	// Warm both caches so this identity can seal and be verified against
	// before any directory round trip.
	p.mu.Lock()
	p.owned[did] = ownKeys{signing: sigPriv, encryption: encPriv}
	p.peers[did] = peerKeys{signing: sigPub, encryption: encPub}
	p.mu.Unlock()

	return id, history, nil
}

func (p *Provider) PublishIdentity(ctx context.Context, id *wallet.Identity) error {
	return p.postJSON(ctx, p.cfg.PublishURL, id.Public)
}

func (p *Provider) PublishHistory(ctx context.Context, did string, history []byte) error {
	body, err := json.Marshal(struct {
		DID     string `json:"did"`
		History string `json:"history"`
	}{DID: did, History: string(history)})
	if err != nil {
		return fmt.Errorf("encode history publication: %w", err)
	}
	return p.postJSON(ctx, p.cfg.HistoryURL, body)
}

func (p *Provider) postJSON(ctx context.Context, u string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", securechannel.ErrPublishFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", securechannel.ErrPublishFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDirBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: directory returned status %d", securechannel.ErrPublishFailed, resp.StatusCode)
	}
	return nil
}
