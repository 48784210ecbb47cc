package crdt

import (
	"fmt"
	"maps"
	"slices"
)

// GCounter is a grow-only counter. Each peer increments its own slot and the
// value is the sum of all slots.
type GCounter struct {
	counts map[string]uint64
}

func NewGCounter() *GCounter {
	return &GCounter{counts: make(map[string]uint64)}
}

// Value returns the total count.
func (c *GCounter) Value() uint64 {
	var v uint64
	for _, n := range c.counts {
		v += n
	}
	return v
}

// Get returns the count of the given peer's slot.
func (c *GCounter) Get(id string) uint64 {
	return c.counts[id]
}

// Increment returns the delta that increments id's slot by n.
func (c *GCounter) Increment(id string, n uint64) *GCounter {
	return &GCounter{counts: map[string]uint64{id: c.counts[id] + n}}
}

func (c *GCounter) Merge(other Payload) (Payload, error) {
	o, ok := other.(*GCounter)
	if !ok {
		return nil, fmt.Errorf("%w: gcounter: %T", ErrIncompatible, other)
	}
	merged := make(map[string]uint64, max(len(c.counts), len(o.counts)))
	for id, n := range c.counts {
		if n > 0 {
			merged[id] = n
		}
	}
	for id, n := range o.counts {
		if n > merged[id] {
			merged[id] = n
		}
	}
	return &GCounter{counts: merged}, nil
}

// Split distributes the slots across up to n counters.
func (c *GCounter) Split(n int) []Payload {
	ids := slices.Sorted(maps.Keys(c.counts))
	parts := make([]*GCounter, min(max(n, 1), len(ids)))
	for i, id := range ids {
		p := parts[i%len(parts)]
		if p == nil {
			p = NewGCounter()
			parts[i%len(parts)] = p
		}
		p.counts[id] = c.counts[id]
	}
	return toPayloads(parts)
}

func (c *GCounter) MarshalBinary() ([]byte, error) {
	counts := c.counts
	if counts == nil {
		counts = map[string]uint64{}
	}
	return encode(counts)
}

type GCounterType struct{}

func (GCounterType) Name() string {
	return "gcounter"
}

func (GCounterType) Empty() Payload {
	return NewGCounter()
}

func (GCounterType) Unmarshal(b []byte) (Payload, error) {
	var counts map[string]uint64
	if err := decode(b, &counts); err != nil {
		return nil, fmt.Errorf("decode gcounter: %w", err)
	}
	if counts == nil {
		counts = make(map[string]uint64)
	}
	// Zero slots are never stored so equal counters encode equally.
	for id, n := range counts {
		if n == 0 {
			delete(counts, id)
		}
	}
	return &GCounter{counts: counts}, nil
}
