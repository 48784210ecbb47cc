// Package identity manages the ed25519 identities peers sign messages with.
//
// A peer ID is derived from the peer's public key, so any record or message
// can be checked against the key it claims without a trusted registry.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/sha3"
)

// idBytes is the number of hash bytes in a peer ID.
const idBytes = 16

var (
	ErrInvalidKey = errors.New("invalid key")
)

// Identity is the local peer's key pair.
type Identity struct {
	id         string
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// Generate creates a new random identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Identity{
		id:         PeerID(pub),
		publicKey:  pub,
		privateKey: priv,
	}, nil
}

// FromSeed derives an identity from a 32 byte ed25519 seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes", ErrInvalidKey, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		id:         PeerID(pub),
		publicKey:  pub,
		privateKey: priv,
	}, nil
}

// LoadOrGenerate loads the hex encoded seed at path, or generates a new
// identity and writes its seed to path if the file does not exist.
func LoadOrGenerate(path string) (*Identity, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(b)))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidKey, path, err)
		}
		return FromSeed(seed)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key: %s: %w", path, err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	seed := hex.EncodeToString(id.privateKey.Seed())
	if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write key: %s: %w", path, err)
	}
	return id, nil
}

func (i *Identity) ID() string {
	return i.id
}

func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.publicKey
}

// Sign signs msg with the identity's private key.
func (i *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.privateKey, msg)
}

// PeerID returns the ID of the peer owning the given public key: the hex
// encoded prefix of the key's SHA3-256 hash.
func PeerID(pub ed25519.PublicKey) string {
	sum := sha3.Sum256(pub)
	return hex.EncodeToString(sum[:idBytes])
}

// Verify checks sig is a valid signature of msg by pub. Malformed keys never
// verify.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Matches returns whether id is derived from pub.
func Matches(id string, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return PeerID(pub) == id
}
