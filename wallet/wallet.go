// Package wallet defines the local identity store used by the identity
// manager. A wallet persists the key material and metadata of identities
// owned by this process, keyed both by alias (for local lookup) and by DID.
//
// Identities are never mutated after creation. The only legitimate writers
// are the identity manager (on creation) and external store administration,
// which may remove identities out-of-band.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrAliasNotFound is returned by ResolveAlias when no identity has been
	// persisted under the given alias.
	ErrAliasNotFound = errors.New("wallet: alias not found")
	// ErrNotFound is returned by Get when no identity exists for the DID.
	ErrNotFound = errors.New("wallet: identity not found")
)

// Identity is one locally owned identity. The Private and Public blobs are
// opaque to the wallet; their layout is owned by the secure channel provider
// that created them.
type Identity struct {
	DID       string          `json:"did"`
	Alias     string          `json:"alias"`
	Transport string          `json:"transport"`
	Private   json.RawMessage `json:"private"`
	Public    json.RawMessage `json:"public"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the persistence interface for owned identities.
type Store interface {
	// ResolveAlias returns the identity persisted under alias, or
	// ErrAliasNotFound.
	ResolveAlias(ctx context.Context, alias string) (*Identity, error)

	// Get returns the identity with the given DID, or ErrNotFound.
	Get(ctx context.Context, did string) (*Identity, error)

	// Put persists an identity under its alias and DID. Putting an identity
	// whose alias is already taken replaces the prior record; this only
	// happens when the manager re-creates an identity after the directory
	// reported the old one gone.
	Put(ctx context.Context, id *Identity) error

	// Close releases store resources.
	Close() error
}
