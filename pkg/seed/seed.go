// Package seed discovers the peers a node contacts to join the mesh.
package seed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Seed is a peer to join the mesh through. The ID is optional, since the join
// handshake authenticates the seed.
type Seed struct {
	ID   string `json:"id,omitempty" yaml:"id,omitempty"`
	Addr string `json:"addr" yaml:"addr"`
}

func (s Seed) String() string {
	if s.ID == "" {
		return s.Addr
	}
	return s.ID + "@" + s.Addr
}

// Provider discovers seeds.
type Provider interface {
	Seeds(ctx context.Context) ([]Seed, error)
}

// Parse parses a seed in the format 'id@host:port' or 'host:port'.
func Parse(s string) (Seed, error) {
	var seed Seed
	addr := s
	if id, rest, ok := strings.Cut(s, "@"); ok {
		if id == "" {
			return Seed{}, fmt.Errorf("seed: %q: missing id", s)
		}
		seed.ID = id
		addr = rest
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return Seed{}, fmt.Errorf("seed: %q: %w", s, err)
	}
	if host == "" || port == "" {
		return Seed{}, fmt.Errorf("seed: %q: missing host or port", s)
	}
	seed.Addr = addr
	return seed, nil
}

// Static is a fixed list of seeds.
type Static struct {
	seeds []Seed
}

// NewStatic parses the given seeds, each in the format 'id@host:port' or
// 'host:port'.
func NewStatic(addrs []string) (*Static, error) {
	seeds := make([]Seed, 0, len(addrs))
	for _, addr := range addrs {
		seed, err := Parse(addr)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}
	return &Static{seeds: seeds}, nil
}

func (s *Static) Seeds(_ context.Context) ([]Seed, error) {
	return append([]Seed(nil), s.seeds...), nil
}

// Multi combines the seeds of multiple providers, ignoring duplicate
// addresses.
type Multi []Provider

// Seeds returns the seeds of every provider. Returns an error only if every
// provider fails.
func (m Multi) Seeds(ctx context.Context) ([]Seed, error) {
	var (
		seeds []Seed
		errs  error
	)
	seen := make(map[string]struct{})
	failed := 0
	for _, p := range m {
		pseeds, err := p.Seeds(ctx)
		if err != nil {
			errs = errors.Join(errs, err)
			failed++
			continue
		}
		for _, seed := range pseeds {
			if _, ok := seen[seed.Addr]; ok {
				continue
			}
			seen[seed.Addr] = struct{}{}
			seeds = append(seeds, seed)
		}
	}
	if len(m) > 0 && failed == len(m) {
		return nil, errs
	}
	return seeds, nil
}

var _ Provider = &Static{}
var _ Provider = Multi{}
