// Package identity implements the Ed25519/X25519 keypair identities used by
// nodes and servers: a node and a server are each named by an Ed25519
// public key, and reachable in the DHT keyspace at BLAKE2b(publicKey).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

// Identity holds a signing (Ed25519) keypair and a key-agreement (X25519)
// keypair. A process may hold many identities at once: ephemeral node
// identities used purely for DHT participation, and long-lived server
// identities that announce stream endpoints.
type Identity struct {
	SigningPublicKey  ed25519.PublicKey  `json:"signing_public_key"`
	SigningPrivateKey ed25519.PrivateKey `json:"signing_private_key"`

	KeyAgreementPublicKey  [32]byte `json:"key_agreement_public_key"`
	KeyAgreementPrivateKey [32]byte `json:"key_agreement_private_key"`
}

// GenerateIdentity creates a new identity from fresh random keys.
func GenerateIdentity() (*Identity, error) {
	return GenerateFromSeed(nil)
}

// GenerateFromSeed creates an identity whose Ed25519 signing keypair is
// derived from a 32-byte seed, or from fresh randomness when seed is nil.
// The X25519 key-agreement keypair is always freshly random, so two calls
// with the same seed share signing keys but not key-agreement keys.
func GenerateFromSeed(seed []byte) (*Identity, error) {
	var sigPub ed25519.PublicKey
	var sigPriv ed25519.PrivateKey

	if seed == nil {
		var err error
		sigPub, sigPriv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate Ed25519 key pair: %w", err)
		}
	} else {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
		}
		sigPriv = ed25519.NewKeyFromSeed(seed)
		sigPub = sigPriv.Public().(ed25519.PublicKey)
	}

	var kaPriv, kaPub [32]byte
	if _, err := rand.Read(kaPriv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate X25519 private key: %w", err)
	}
	curve25519.ScalarBaseMult(&kaPub, &kaPriv)

	return &Identity{
		SigningPublicKey:       sigPub,
		SigningPrivateKey:      sigPriv,
		KeyAgreementPublicKey:  kaPub,
		KeyAgreementPrivateKey: kaPriv,
	}, nil
}

// Target returns the 32-byte BLAKE2b hash of a public key: the location
// that key occupies in the DHT keyspace.
func Target(publicKey ed25519.PublicKey) [32]byte {
	return blake2b.Sum256(publicKey)
}

// Target returns this identity's own DHT target.
func (id *Identity) Target() [32]byte {
	return Target(id.SigningPublicKey)
}

// Sign signs an arbitrary message with the identity's signing key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.SigningPrivateKey, message)
}

// Verify checks a signature against a public key.
func Verify(publicKey ed25519.PublicKey, message, signature []byte) bool {
	return ed25519.Verify(publicKey, message, signature)
}

// identityFile is the on-disk JSON representation of an Identity. Kept
// distinct from Identity so unexported fields never leak into it.
type identityFile struct {
	SigningPublicKey       ed25519.PublicKey  `json:"signing_public_key"`
	SigningPrivateKey      ed25519.PrivateKey `json:"signing_private_key"`
	KeyAgreementPublicKey  [32]byte           `json:"key_agreement_public_key"`
	KeyAgreementPrivateKey [32]byte           `json:"key_agreement_private_key"`
}

// SaveToFile persists the identity as JSON with owner-only permissions.
func (id *Identity) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(identityFile{
		SigningPublicKey:       id.SigningPublicKey,
		SigningPrivateKey:      id.SigningPrivateKey,
		KeyAgreementPublicKey:  id.KeyAgreementPublicKey,
		KeyAgreementPrivateKey: id.KeyAgreementPrivateKey,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// LoadFromFile loads a previously saved identity.
func LoadFromFile(filename string) (*Identity, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}

	return &Identity{
		SigningPublicKey:       f.SigningPublicKey,
		SigningPrivateKey:      f.SigningPrivateKey,
		KeyAgreementPublicKey:  f.KeyAgreementPublicKey,
		KeyAgreementPrivateKey: f.KeyAgreementPrivateKey,
	}, nil
}
