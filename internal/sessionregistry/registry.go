// Package sessionregistry maps peer DIDs to the inbound delivery handle of
// their live transport session. Writers are transport connection lifecycle
// events only; the POST message handler is the reader.
package sessionregistry

import (
	"sync"

	"github.com/teaspoon-world/tmcp-go/duplex"
)

// Registry is safe for concurrent use. All operations are atomic with
// respect to each other: a lookup never observes a partially registered or
// partially removed session.
type Registry struct {
	mu     sync.RWMutex
	byPeer map[string]*duplex.Stream[duplex.Message]
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byPeer: make(map[string]*duplex.Stream[duplex.Message])}
}

// Register installs handle as the live session for peerDID, replacing any
// prior handle. The replaced handle, if any, is returned so the caller can
// close it; it is no longer reachable through the registry.
func (r *Registry) Register(peerDID string, handle *duplex.Stream[duplex.Message]) (replaced *duplex.Stream[duplex.Message]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replaced = r.byPeer[peerDID]
	if replaced == handle {
		replaced = nil
	}
	r.byPeer[peerDID] = handle
	return replaced
}

// Deregister removes peerDID's entry only if it still refers to handle. A
// connection tearing down after being replaced by a newer connection from
// the same peer must not evict the newer session.
func (r *Registry) Deregister(peerDID string, handle *duplex.Stream[duplex.Message]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byPeer[peerDID] == handle {
		delete(r.byPeer, peerDID)
	}
}

// Lookup returns the live inbound handle for peerDID.
func (r *Registry) Lookup(peerDID string) (*duplex.Stream[duplex.Message], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byPeer[peerDID]
	return h, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPeer)
}
