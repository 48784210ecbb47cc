package crdt

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// GSet is a grow-only set of strings.
type GSet struct {
	set mapset.Set[string]
}

func NewGSet(members ...string) *GSet {
	return &GSet{set: mapset.NewThreadUnsafeSet[string](members...)}
}

func (s *GSet) Contains(member string) bool {
	return s.set.Contains(member)
}

func (s *GSet) Len() int {
	return s.set.Cardinality()
}

// Members returns the set members in sorted order.
func (s *GSet) Members() []string {
	members := s.set.ToSlice()
	sort.Strings(members)
	return members
}

// Add returns the delta that adds the given members.
func (s *GSet) Add(members ...string) *GSet {
	return NewGSet(members...)
}

func (s *GSet) Merge(other Payload) (Payload, error) {
	o, ok := other.(*GSet)
	if !ok {
		return nil, fmt.Errorf("%w: gset: %T", ErrIncompatible, other)
	}
	return &GSet{set: s.set.Union(o.set)}, nil
}

// Split distributes the members across up to n sets.
func (s *GSet) Split(n int) []Payload {
	members := s.Members()
	parts := make([]*GSet, min(max(n, 1), len(members)))
	for i, member := range members {
		if parts[i%len(parts)] == nil {
			parts[i%len(parts)] = NewGSet()
		}
		parts[i%len(parts)].set.Add(member)
	}
	return toPayloads(parts)
}

func (s *GSet) MarshalBinary() ([]byte, error) {
	members := s.Members()
	if members == nil {
		members = []string{}
	}
	return encode(members)
}

type GSetType struct{}

func (GSetType) Name() string {
	return "gset"
}

func (GSetType) Empty() Payload {
	return NewGSet()
}

func (GSetType) Unmarshal(b []byte) (Payload, error) {
	var members []string
	if err := decode(b, &members); err != nil {
		return nil, fmt.Errorf("decode gset: %w", err)
	}
	return NewGSet(members...), nil
}
