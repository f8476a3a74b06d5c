// Package securechannel defines the capability consumed by the identity
// manager and the duplex transports: sealing and opening identity-addressed
// envelopes, and creating, publishing and verifying identities against a
// directory service.
//
// The package deliberately says nothing about the cryptographic construction
// or the identity-document wire format; those belong to the Provider
// implementation. See securechannel/boxprovider for the default.
package securechannel

import (
	"context"
	"errors"

	"github.com/teaspoon-world/tmcp-go/wallet"
)

var (
	// ErrIdentityNotFound means the directory has no record of the identity.
	// During local identity initialization this triggers re-creation; for a
	// peer it is fatal to the connection attempt.
	ErrIdentityNotFound = errors.New("securechannel: identity not found")

	// ErrIdentityUnreachable means the directory could not be consulted or
	// answered with a non-success status. Always fatal, never retried here.
	ErrIdentityUnreachable = errors.New("securechannel: identity directory unreachable")

	// ErrPublishFailed means the directory rejected an identity or history
	// publication. Fatal to identity creation.
	ErrPublishFailed = errors.New("securechannel: identity publish failed")

	// ErrEnvelopeDecode means ciphertext or envelope framing could not be
	// decoded. Transports forward it as a value on the inbound queue rather
	// than closing the connection.
	ErrEnvelopeDecode = errors.New("securechannel: envelope decode failed")
)

// Envelope is the opened wire unit. Transports never construct one directly;
// it is only ever produced by Provider.Open.
type Envelope struct {
	Sender   string
	Receiver string
	Payload  []byte
}

// Provider performs the cryptographic seal/open and the directory-facing
// identity operations. Implementations must be safe for concurrent use.
type Provider interface {
	// Seal encrypts payload from localDID to peerDID. The result is opaque
	// bytes; transports apply their own wire encoding (base64url for text
	// carriers).
	Seal(localDID, peerDID string, payload []byte) ([]byte, error)

	// Open decrypts a sealed envelope previously produced by Seal. The
	// receiver must be an identity owned by this process.
	Open(cipher []byte) (*Envelope, error)

	// Peek extracts the sender and receiver of a sealed envelope without
	// opening it. Used to route and validate before decryption.
	Peek(cipher []byte) (sender, receiver string, err error)

	// VerifyIdentity checks that did resolves against the directory and
	// returns its transport endpoint. Returns ErrIdentityNotFound or
	// ErrIdentityUnreachable on failure.
	VerifyIdentity(ctx context.Context, did string) (endpoint string, err error)

	// CreateIdentity generates key material for did and returns the new
	// identity together with its history artifact. History is nil when the
	// identity format has no history chain.
	CreateIdentity(ctx context.Context, did, transport string) (*wallet.Identity, []byte, error)

	// PublishIdentity publishes the identity document to the directory.
	PublishIdentity(ctx context.Context, id *wallet.Identity) error

	// PublishHistory publishes the history artifact for did. Only called
	// when HasHistory reports true.
	PublishHistory(ctx context.Context, did string, history []byte) error

	// HasHistory reports whether this provider's identity format carries a
	// history chain requiring a second publication.
	HasHistory() bool
}
