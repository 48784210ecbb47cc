// Package crdt defines the contract for values the mesh converges, along with
// reference payloads.
//
// A payload must form a join-semilattice under Merge: merging is
// commutative, associative and idempotent. The mesh only ever moves a
// payload up the lattice, so replicas that have seen the same set of updates
// hold the same payload regardless of the order those updates arrived in.
package crdt

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

var (
	// ErrIncompatible is returned when merging payloads of different types.
	ErrIncompatible = errors.New("incompatible payload")
)

// Payload is an application value that can be merged with another replica of
// the same type.
//
// Payloads are treated as immutable: Merge returns the join of the receiver
// and other without modifying either.
type Payload interface {
	Merge(other Payload) (Payload, error)
	// MarshalBinary returns a canonical encoding, where equal payloads always
	// encode to equal bytes.
	MarshalBinary() ([]byte, error)
}

// Digester is implemented by payloads that compute their own content hash.
type Digester interface {
	Digest() Digest
}

// Splitter is implemented by payloads that can be divided so that large
// updates fit within a packet.
type Splitter interface {
	// Split returns at most n non-empty payloads whose join equals the
	// receiver. Returns fewer than n when the payload has fewer elements.
	Split(n int) []Payload
}

// Type creates and decodes payloads of a single concrete type.
type Type interface {
	Name() string
	// Empty returns the bottom element of the lattice.
	Empty() Payload
	Unmarshal(b []byte) (Payload, error)
}

// Digest is a content hash of a payload.
type Digest [32]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns an abbreviated hex digest for logging.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:6])
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(b []byte) error {
	if hex.DecodedLen(len(b)) != len(d) {
		return fmt.Errorf("invalid digest length: %d", len(b))
	}
	if _, err := hex.Decode(d[:], b); err != nil {
		return fmt.Errorf("invalid digest: %w", err)
	}
	return nil
}

// DigestOf returns the content hash of p. Uses the payload's own digest if it
// implements Digester, otherwise the SHA3-256 of its canonical encoding.
func DigestOf(p Payload) (Digest, error) {
	if d, ok := p.(Digester); ok {
		return d.Digest(), nil
	}
	b, err := p.MarshalBinary()
	if err != nil {
		return Digest{}, fmt.Errorf("marshal: %w", err)
	}
	return sha3.Sum256(b), nil
}

// Equal returns whether a and b have the same content.
func Equal(a, b Payload) bool {
	da, err := DigestOf(a)
	if err != nil {
		return false
	}
	db, err := DigestOf(b)
	if err != nil {
		return false
	}
	return da == db
}

func toPayloads[T Payload](parts []T) []Payload {
	payloads := make([]Payload, 0, len(parts))
	for _, p := range parts {
		payloads = append(payloads, p)
	}
	return payloads
}

var (
	_ Splitter = &GCounter{}
	_ Splitter = &GSet{}
	_ Splitter = &LWWMap{}
)
