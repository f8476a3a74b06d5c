package filewallet

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/teaspoon-world/tmcp-go/wallet"
)

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wallet.json")

	s, err := New(path)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	id := &wallet.Identity{DID: "did.test/endpoint/a", Alias: "agent", Transport: "sse://a/sse"}
	if err := s.Put(ctx, id); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s2, err := New(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	got, err := s2.ResolveAlias(ctx, "agent")
	if err != nil {
		t.Fatalf("ResolveAlias() after reopen failed: %v", err)
	}
	if got.DID != id.DID {
		t.Fatalf("DID = %q, want %q", got.DID, id.DID)
	}
}

func TestMissingFileIsEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	if _, err := s.ResolveAlias(context.Background(), "agent"); !errors.Is(err, wallet.ErrAliasNotFound) {
		t.Fatalf("ResolveAlias() = %v, want ErrAliasNotFound", err)
	}
}

func TestReloadsOnExternalReplace(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "wallet.json")

	s, err := New(path)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	// An admin tool writes the file out-of-band, via tmp+rename the way
	// the store itself does.
	ids := []*wallet.Identity{{DID: "did.test/endpoint/ext", Alias: "external"}}
	b, err := json.Marshal(ids)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	tmp := path + ".ext"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := s.ResolveAlias(ctx, "external"); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("store did not pick up the external replacement")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestReloadsOnExternalRemoval(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "wallet.json")

	s, err := New(path)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	if err := s.Put(ctx, &wallet.Identity{DID: "did.test/endpoint/a", Alias: "agent"}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := s.ResolveAlias(ctx, "agent"); errors.Is(err, wallet.ErrAliasNotFound) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("store did not observe the external removal")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
