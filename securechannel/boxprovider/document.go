package boxprovider

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const signingKeyID = "sig-1"

// Document is the published shape of an identity: its DID, the transport
// endpoint it is reachable at, the verification keys as a JWK set and the
// raw encryption public key.
type Document struct {
	DID       string             `json:"did"`
	Transport string             `json:"transport"`
	Keys      jose.JSONWebKeySet `json:"keys"`
	// Encryption is the base64url X25519 public key for envelope sealing.
	Encryption string `json:"enc"`
}

// keyBundle is the private half of an identity, persisted in the wallet.
type keyBundle struct {
	// SigningKey is the base64url Ed25519 private key (seed || public).
	SigningKey string `json:"signing_key"`
	// EncryptionKey is the base64url X25519 private scalar.
	EncryptionKey string `json:"encryption_key"`
}

// peerKeys is the cached, decoded public material of a resolved identity.
type peerKeys struct {
	signing    ed25519.PublicKey
	encryption []byte
}

func (d *Document) keys() (peerKeys, error) {
	var sig ed25519.PublicKey
	for _, k := range d.Keys.Key(signingKeyID) {
		if pub, ok := k.Key.(ed25519.PublicKey); ok {
			sig = pub
			break
		}
	}
	if sig == nil {
		return peerKeys{}, fmt.Errorf("document for %s has no %s Ed25519 key", d.DID, signingKeyID)
	}
	enc, err := base64.RawURLEncoding.DecodeString(d.Encryption)
	if err != nil || len(enc) != 32 {
		return peerKeys{}, fmt.Errorf("document for %s has a malformed encryption key", d.DID)
	}
	return peerKeys{signing: sig, encryption: enc}, nil
}

// newDocument assembles the published document for freshly generated keys.
func newDocument(did, transport string, sigPub ed25519.PublicKey, encPub []byte) Document {
	return Document{
		DID:       did,
		Transport: transport,
		Keys: jose.JSONWebKeySet{
			Keys: []jose.JSONWebKey{{
				Key:       sigPub,
				KeyID:     signingKeyID,
				Algorithm: "EdDSA",
				Use:       "sig",
			}},
		},
		Encryption: base64.RawURLEncoding.EncodeToString(encPub),
	}
}

// historyClaims binds a history entry to its identity and document.
type historyClaims struct {
	jwt.RegisteredClaims
	DocumentHash string `json:"document_hash"`
}

// signHistory produces the history artifact: an EdDSA JWT over the document
// hash, verifiable against the document's own JWK set.
func signHistory(did string, docHash string, priv ed25519.PrivateKey) ([]byte, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, historyClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   did,
			Subject:  did,
			IssuedAt: jwt.NewNumericDate(now),
		},
		DocumentHash: docHash,
	})
	tok.Header["kid"] = signingKeyID
	signed, err := tok.SignedString(priv)
	if err != nil {
		return nil, fmt.Errorf("sign history: %w", err)
	}
	return []byte(signed), nil
}

// verifyHistory checks the history artifact against the document's JWK set
// and confirms it was issued for this exact document. rawDoc must be the
// document bytes as returned by the directory, which the directory preserves
// verbatim from publication.
func verifyHistory(doc *Document, rawDoc []byte, history string) error {
	jwksJSON, err := json.Marshal(doc.Keys)
	if err != nil {
		return fmt.Errorf("encode document keys: %w", err)
	}
	kf, err := keyfunc.NewJWKSetJSON(jwksJSON)
	if err != nil {
		return fmt.Errorf("build history keyfunc: %w", err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(doc.DID),
		jwt.WithSubject(doc.DID),
	)
	var claims historyClaims
	if _, err := parser.ParseWithClaims(history, &claims, kf.Keyfunc); err != nil {
		return fmt.Errorf("verify history: %w", err)
	}
	if claims.DocumentHash != documentHash(rawDoc) {
		return fmt.Errorf("history for %s does not match the resolved document", doc.DID)
	}
	return nil
}

func documentHash(rawDoc []byte) string {
	sum := sha256.Sum256(rawDoc)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
