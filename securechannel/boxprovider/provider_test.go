package boxprovider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/teaspoon-world/tmcp-go/securechannel"
	"github.com/teaspoon-world/tmcp-go/wallet"
	"github.com/teaspoon-world/tmcp-go/wallet/memorywallet"
)

// testDirectory is an in-memory identity directory speaking the same HTTP
// surface the provider expects.
type testDirectory struct {
	mu        sync.Mutex
	docs      map[string]json.RawMessage
	histories map[string]string
	failPOST  bool
}

func newTestDirectory(t *testing.T) (*testDirectory, Config) {
	t.Helper()
	d := &testDirectory{
		docs:      make(map[string]json.RawMessage),
		histories: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /publish", func(w http.ResponseWriter, r *http.Request) {
		if d.failing() {
			http.Error(w, "directory unavailable", http.StatusInternalServerError)
			return
		}
		var doc Document
		body := json.RawMessage{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad document", http.StatusBadRequest)
			return
		}
		if err := json.Unmarshal(body, &doc); err != nil || doc.DID == "" {
			http.Error(w, "bad document", http.StatusBadRequest)
			return
		}
		d.mu.Lock()
		d.docs[doc.DID] = body
		d.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /history", func(w http.ResponseWriter, r *http.Request) {
		if d.failing() {
			http.Error(w, "directory unavailable", http.StatusInternalServerError)
			return
		}
		var pub struct {
			DID     string `json:"did"`
			History string `json:"history"`
		}
		if err := json.NewDecoder(r.Body).Decode(&pub); err != nil || pub.DID == "" {
			http.Error(w, "bad history", http.StatusBadRequest)
			return
		}
		d.mu.Lock()
		d.histories[pub.DID] = pub.History
		d.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /resolve", func(w http.ResponseWriter, r *http.Request) {
		did := r.URL.Query().Get("did")
		d.mu.Lock()
		doc, ok := d.docs[did]
		history := d.histories[did]
		d.mu.Unlock()
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resolveResponse{Document: doc, History: history})
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return d, Config{
		ResolveURL: ts.URL + "/resolve",
		PublishURL: ts.URL + "/publish",
		HistoryURL: ts.URL + "/history",
		History:    true,
	}
}

func (d *testDirectory) failing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failPOST
}

func (d *testDirectory) setFailing(on bool) {
	d.mu.Lock()
	d.failPOST = on
	d.mu.Unlock()
}

func (d *testDirectory) corruptHistory(did string) {
	d.mu.Lock()
	d.histories[did] = d.histories[did] + "x"
	d.mu.Unlock()
}

// createAndPublish runs the full creation sequence for one identity.
func createAndPublish(t *testing.T, p *Provider, store wallet.Store, did, transport string) *wallet.Identity {
	t.Helper()
	ctx := context.Background()

	id, history, err := p.CreateIdentity(ctx, did, transport)
	if err != nil {
		t.Fatalf("CreateIdentity(%q) failed: %v", did, err)
	}
	id.Alias = did
	if err := p.PublishIdentity(ctx, id); err != nil {
		t.Fatalf("PublishIdentity(%q) failed: %v", did, err)
	}
	if p.HasHistory() {
		if history == nil {
			t.Fatalf("CreateIdentity(%q) returned no history", did)
		}
		if err := p.PublishHistory(ctx, did, history); err != nil {
			t.Fatalf("PublishHistory(%q) failed: %v", did, err)
		}
	}
	if err := store.Put(ctx, id); err != nil {
		t.Fatalf("Put(%q) failed: %v", did, err)
	}
	return id
}

func TestSealOpenRoundTrip(t *testing.T) {
	_, cfg := newTestDirectory(t)
	store := memorywallet.New()
	p := New(cfg, store)

	createAndPublish(t, p, store, "did.test/endpoint/alice", "sse://alice.example/sse")
	createAndPublish(t, p, store, "did.test/endpoint/bob", "sse://bob.example/sse")

	payload := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	cipher, err := p.Seal("did.test/endpoint/alice", "did.test/endpoint/bob", payload)
	if err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}

	env, err := p.Open(cipher)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if env.Sender != "did.test/endpoint/alice" || env.Receiver != "did.test/endpoint/bob" {
		t.Fatalf("envelope addressing = %s -> %s", env.Sender, env.Receiver)
	}
	if string(env.Payload) != string(payload) {
		t.Fatalf("payload = %s, want %s", env.Payload, payload)
	}
}

func TestOpenAfterColdStart(t *testing.T) {
	// A second provider sharing only the wallet and the directory must be
	// able to open envelopes after resolving the sender.
	_, cfg := newTestDirectory(t)
	store := memorywallet.New()
	p1 := New(cfg, store)

	createAndPublish(t, p1, store, "did.test/endpoint/alice", "sse://alice.example/sse")
	createAndPublish(t, p1, store, "did.test/endpoint/bob", "sse://bob.example/sse")

	cipher, err := p1.Seal("did.test/endpoint/alice", "did.test/endpoint/bob", []byte(`{}`))
	if err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}

	p2 := New(cfg, store)
	if _, err := p2.Open(cipher); err == nil {
		t.Fatal("Open() should fail before the sender is resolved")
	}

	endpoint, err := p2.VerifyIdentity(context.Background(), "did.test/endpoint/alice")
	if err != nil {
		t.Fatalf("VerifyIdentity() failed: %v", err)
	}
	if endpoint != "sse://alice.example/sse" {
		t.Fatalf("endpoint = %q", endpoint)
	}

	env, err := p2.Open(cipher)
	if err != nil {
		t.Fatalf("Open() after resolve failed: %v", err)
	}
	if env.Sender != "did.test/endpoint/alice" {
		t.Fatalf("sender = %q", env.Sender)
	}
}

func TestPeek(t *testing.T) {
	_, cfg := newTestDirectory(t)
	store := memorywallet.New()
	p := New(cfg, store)

	createAndPublish(t, p, store, "did.test/endpoint/alice", "sse://a/sse")
	createAndPublish(t, p, store, "did.test/endpoint/bob", "sse://b/sse")

	cipher, err := p.Seal("did.test/endpoint/alice", "did.test/endpoint/bob", []byte(`{}`))
	if err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}

	sender, receiver, err := p.Peek(cipher)
	if err != nil {
		t.Fatalf("Peek() failed: %v", err)
	}
	if sender != "did.test/endpoint/alice" || receiver != "did.test/endpoint/bob" {
		t.Fatalf("Peek() = %s -> %s", sender, receiver)
	}

	if _, _, err := p.Peek([]byte("junk")); !errors.Is(err, securechannel.ErrEnvelopeDecode) {
		t.Fatalf("Peek(junk) error = %v, want ErrEnvelopeDecode", err)
	}
}

func TestOpenRejectsTamperedEnvelope(t *testing.T) {
	_, cfg := newTestDirectory(t)
	store := memorywallet.New()
	p := New(cfg, store)

	createAndPublish(t, p, store, "did.test/endpoint/alice", "sse://a/sse")
	createAndPublish(t, p, store, "did.test/endpoint/bob", "sse://b/sse")

	cipher, err := p.Seal("did.test/endpoint/alice", "did.test/endpoint/bob", []byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}

	var env sealedEnvelope
	if err := json.Unmarshal(cipher, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	env.Ciphertext = env.Ciphertext[:len(env.Ciphertext)-2] + "AA"
	tampered, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal tampered envelope: %v", err)
	}

	if _, err := p.Open(tampered); !errors.Is(err, securechannel.ErrEnvelopeDecode) {
		t.Fatalf("Open(tampered) error = %v, want ErrEnvelopeDecode", err)
	}
}

func TestVerifyIdentityNotFound(t *testing.T) {
	_, cfg := newTestDirectory(t)
	p := New(cfg, memorywallet.New())

	_, err := p.VerifyIdentity(context.Background(), "did.test/endpoint/ghost")
	if !errors.Is(err, securechannel.ErrIdentityNotFound) {
		t.Fatalf("error = %v, want ErrIdentityNotFound", err)
	}
}

func TestVerifyIdentityUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()
	cfg := Config{ResolveURL: ts.URL + "/resolve", PublishURL: ts.URL + "/publish", HistoryURL: ts.URL + "/history"}
	p := New(cfg, memorywallet.New())

	_, err := p.VerifyIdentity(context.Background(), "did.test/endpoint/alice")
	if !errors.Is(err, securechannel.ErrIdentityUnreachable) {
		t.Fatalf("error = %v, want ErrIdentityUnreachable", err)
	}
}

func TestVerifyIdentityRejectsBadHistory(t *testing.T) {
	dir, cfg := newTestDirectory(t)
	store := memorywallet.New()
	p := New(cfg, store)

	createAndPublish(t, p, store, "did.test/endpoint/alice", "sse://a/sse")
	dir.corruptHistory("did.test/endpoint/alice")

	p2 := New(cfg, store)
	_, err := p2.VerifyIdentity(context.Background(), "did.test/endpoint/alice")
	if !errors.Is(err, securechannel.ErrIdentityUnreachable) {
		t.Fatalf("error = %v, want ErrIdentityUnreachable", err)
	}
}

func TestPublishFailure(t *testing.T) {
	dir, cfg := newTestDirectory(t)
	store := memorywallet.New()
	p := New(cfg, store)

	id, _, err := p.CreateIdentity(context.Background(), "did.test/endpoint/alice", "sse://a/sse")
	if err != nil {
		t.Fatalf("CreateIdentity() failed: %v", err)
	}

	dir.setFailing(true)
	if err := p.PublishIdentity(context.Background(), id); !errors.Is(err, securechannel.ErrPublishFailed) {
		t.Fatalf("error = %v, want ErrPublishFailed", err)
	}
}

func TestHistoryDisabled(t *testing.T) {
	_, cfg := newTestDirectory(t)
	cfg.History = false
	p := New(cfg, memorywallet.New())

	if p.HasHistory() {
		t.Fatal("HasHistory() = true, want false")
	}
	_, history, err := p.CreateIdentity(context.Background(), "did.test/endpoint/alice", "sse://a/sse")
	if err != nil {
		t.Fatalf("CreateIdentity() failed: %v", err)
	}
	if history != nil {
		t.Fatalf("history = %q, want nil", history)
	}
}
