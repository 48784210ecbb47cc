package gossip

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/andydunstall/mesh/pkg/crdt"
)

// sumCounter merges by adding, so merge is not idempotent.
type sumCounter struct {
	n uint64
}

func (c *sumCounter) Merge(other crdt.Payload) (crdt.Payload, error) {
	o, ok := other.(*sumCounter)
	if !ok {
		return nil, fmt.Errorf("%w: %T", crdt.ErrIncompatible, other)
	}
	return &sumCounter{n: c.n + o.n}, nil
}

func (c *sumCounter) MarshalBinary() ([]byte, error) {
	return []byte(fmt.Sprint(c.n)), nil
}

type sumCounterType struct{}

func (sumCounterType) Name() string { return "sum" }

func (sumCounterType) Empty() crdt.Payload { return &sumCounter{} }

func (sumCounterType) Unmarshal(b []byte) (crdt.Payload, error) {
	var n uint64
	if _, err := fmt.Sscan(string(b), &n); err != nil {
		return nil, err
	}
	return &sumCounter{n: n}, nil
}

func TestCheckLattice(t *testing.T) {
	t.Run("gcounter", func(t *testing.T) {
		c := crdt.NewGCounter()
		assert.NoError(t, CheckLattice(crdt.GCounterType{}, []crdt.Payload{
			c.Increment("a", 1),
			c.Increment("b", 2),
			c.Increment("a", 3),
		}))
	})

	t.Run("lwwmap", func(t *testing.T) {
		m := crdt.NewLWWMap()
		now := time.Now()
		assert.NoError(t, CheckLattice(crdt.LWWMapType{}, []crdt.Payload{
			m.Set("k", []byte("a"), now, "a"),
			m.Set("k", []byte("b"), now, "b"),
			m.Delete("k", now.Add(time.Second), "a"),
		}))
	})

	t.Run("gset", func(t *testing.T) {
		s := crdt.NewGSet()
		assert.NoError(t, CheckLattice(crdt.GSetType{}, []crdt.Payload{
			s.Add("a"),
			s.Add("b", "c"),
		}))
	})

	t.Run("not idempotent", func(t *testing.T) {
		err := CheckLattice(sumCounterType{}, []crdt.Payload{
			&sumCounter{n: 1},
		})
		assert.ErrorIs(t, err, ErrMergeIncompatiblePayload)
	})

	t.Run("incompatible samples", func(t *testing.T) {
		err := CheckLattice(crdt.GCounterType{}, []crdt.Payload{
			crdt.NewGSet("a"),
		})
		assert.ErrorIs(t, err, ErrMergeIncompatiblePayload)
	})
}
