package identity

import (
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/teaspoon-world/tmcp-go/securechannel"
)

// Connection binds a local and a peer identity. It is immutable and cheap;
// transports use it to seal outgoing payloads and open incoming ones.
type Connection struct {
	local    string
	peer     string
	provider securechannel.Provider
	log      *slog.Logger
	strict   bool
}

// LocalDID returns the local identity of the pair.
func (c *Connection) LocalDID() string { return c.local }

// PeerDID returns the peer identity of the pair.
func (c *Connection) PeerDID() string { return c.peer }

// Seal encrypts payload for the peer and returns a transport-safe base64url
// string that only the peer can open.
func (c *Connection) Seal(payload []byte) (string, error) {
	cipher, err := c.provider.Seal(c.local, c.peer, payload)
	if err != nil {
		return "", fmt.Errorf("seal for %q: %w", c.peer, err)
	}
	return base64.URLEncoding.EncodeToString(cipher), nil
}

// Open decodes and opens a sealed wire string, returning the plaintext
// payload. If the envelope's sender or receiver does not match the bound
// pair, strict mode returns an error; otherwise a warning is logged and the
// payload is returned anyway.
func (c *Connection) Open(wire string) ([]byte, error) {
	cipher, err := base64.URLEncoding.DecodeString(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", securechannel.ErrEnvelopeDecode, err)
	}
	env, err := c.provider.Open(cipher)
	if err != nil {
		return nil, fmt.Errorf("open from %q: %w", c.peer, err)
	}

	if env.Receiver != c.local || env.Sender != c.peer {
		if c.strict {
			return nil, fmt.Errorf("envelope identity mismatch: sender=%q receiver=%q, expected sender=%q receiver=%q",
				env.Sender, env.Receiver, c.peer, c.local)
		}
		c.log.Warn("envelope.peer.mismatch",
			slog.String("sender", env.Sender),
			slog.String("receiver", env.Receiver),
			slog.String("expected_sender", c.peer),
			slog.String("expected_receiver", c.local),
		)
	}

	return env.Payload, nil
}
