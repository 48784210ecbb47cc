package crdt

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func merge(t *testing.T, a, b Payload) Payload {
	merged, err := a.Merge(b)
	require.NoError(t, err)
	return merged
}

func roundTrip(t *testing.T, typ Type, p Payload) Payload {
	b, err := p.MarshalBinary()
	require.NoError(t, err)
	decoded, err := typ.Unmarshal(b)
	require.NoError(t, err)
	return decoded
}

// checkLaws verifies merge is commutative, associative and idempotent over
// the given payloads.
func checkLaws(t *testing.T, a, b, c Payload) {
	assert.True(t, Equal(merge(t, a, b), merge(t, b, a)), "commutative")
	assert.True(t, Equal(
		merge(t, merge(t, a, b), c),
		merge(t, a, merge(t, b, c)),
	), "associative")
	assert.True(t, Equal(merge(t, a, a), a), "idempotent")
	ab := merge(t, a, b)
	assert.True(t, Equal(merge(t, ab, b), ab), "idempotent delta")
}

func TestGCounter(t *testing.T) {
	t.Run("increment", func(t *testing.T) {
		var c Payload = NewGCounter()
		c = merge(t, c, c.(*GCounter).Increment("a", 2))
		c = merge(t, c, c.(*GCounter).Increment("b", 3))
		c = merge(t, c, c.(*GCounter).Increment("a", 1))

		assert.Equal(t, uint64(6), c.(*GCounter).Value())
		assert.Equal(t, uint64(3), c.(*GCounter).Get("a"))
	})

	t.Run("laws", func(t *testing.T) {
		base := NewGCounter()
		checkLaws(t, base.Increment("a", 1), base.Increment("b", 5), base.Increment("a", 3))
	})

	t.Run("encode", func(t *testing.T) {
		c := NewGCounter().Increment("a", 7)
		decoded := roundTrip(t, GCounterType{}, c)
		assert.True(t, Equal(c, decoded))

		empty := roundTrip(t, GCounterType{}, NewGCounter())
		assert.True(t, Equal(NewGCounter(), empty))
	})

	t.Run("incompatible", func(t *testing.T) {
		_, err := NewGCounter().Merge(NewGSet())
		assert.ErrorIs(t, err, ErrIncompatible)
	})
}

func TestLWWMap(t *testing.T) {
	now := time.Unix(1000, 0)

	t.Run("last writer wins", func(t *testing.T) {
		m := NewLWWMap()
		older := m.Set("k", []byte("old"), now, "a")
		newer := m.Set("k", []byte("new"), now.Add(time.Second), "b")

		merged := merge(t, newer, older).(*LWWMap)
		v, ok := merged.Get("k")
		assert.True(t, ok)
		assert.Equal(t, []byte("new"), v)
	})

	t.Run("delete", func(t *testing.T) {
		m := NewLWWMap()
		set := m.Set("k", []byte("v"), now, "a")
		del := m.Delete("k", now.Add(time.Second), "a")

		merged := merge(t, set, del).(*LWWMap)
		_, ok := merged.Get("k")
		assert.False(t, ok)
		assert.Equal(t, 0, merged.Len())
	})

	t.Run("laws", func(t *testing.T) {
		m := NewLWWMap()
		checkLaws(t,
			m.Set("k", []byte("1"), now, "a"),
			m.Set("k", []byte("2"), now, "b"),
			m.Set("j", []byte("3"), now, "a"),
		)
	})

	t.Run("encode", func(t *testing.T) {
		m := NewLWWMap().Set("k", []byte("v"), now, "a")
		decoded := roundTrip(t, LWWMapType{}, m).(*LWWMap)
		assert.Equal(t, []string{"k"}, decoded.Keys())
	})
}

func TestGSet(t *testing.T) {
	t.Run("union", func(t *testing.T) {
		merged := merge(t, NewGSet("a", "b"), NewGSet("b", "c")).(*GSet)
		assert.Equal(t, []string{"a", "b", "c"}, merged.Members())
	})

	t.Run("laws", func(t *testing.T) {
		checkLaws(t, NewGSet("a"), NewGSet("b"), NewGSet("a", "c"))
	})

	t.Run("encode", func(t *testing.T) {
		s := NewGSet("x", "y")
		decoded := roundTrip(t, GSetType{}, s).(*GSet)
		assert.True(t, decoded.Contains("x"))
		assert.True(t, Equal(s, decoded))
	})
}

func TestDigest(t *testing.T) {
	// Merge order must not affect the digest.
	a := NewGCounter().Increment("a", 1)
	b := NewGCounter().Increment("b", 2)

	d1, err := DigestOf(merge(t, a, b))
	require.NoError(t, err)
	d2, err := DigestOf(merge(t, b, a))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.False(t, d1.IsZero())
	assert.Len(t, d1.Short(), 12)

	text, err := d1.MarshalText()
	require.NoError(t, err)
	var decoded Digest
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, d1, decoded)
	assert.Error(t, decoded.UnmarshalText([]byte("abc")))
}

func TestSplit(t *testing.T) {
	now := time.Unix(1000, 0)

	counter := NewGCounter()
	set := NewGSet()
	lww := NewLWWMap()
	for i := 0; i != 10; i++ {
		key := fmt.Sprintf("key-%d", i)
		counter = merge(t, counter, counter.Increment(key, uint64(i+1))).(*GCounter)
		set = merge(t, set, set.Add(key)).(*GSet)
		lww = merge(t, lww, lww.Set(key, []byte("v"), now, "a")).(*LWWMap)
	}
	lww = merge(t, lww, lww.Delete("key-3", now.Add(time.Second), "a")).(*LWWMap)

	tests := []struct {
		name    string
		payload Payload
		empty   Payload
	}{
		{name: "gcounter", payload: counter, empty: NewGCounter()},
		{name: "gset", payload: set, empty: NewGSet()},
		{name: "lwwmap", payload: lww, empty: NewLWWMap()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			splitter, ok := tt.payload.(Splitter)
			require.True(t, ok)

			for _, n := range []int{0, 1, 3, 10, 20} {
				parts := splitter.Split(n)
				assert.LessOrEqual(t, len(parts), max(n, 1))

				joined := tt.empty
				for _, p := range parts {
					assert.False(t, Equal(p, tt.empty), "empty part")
					joined = merge(t, joined, p)
				}
				assert.True(t, Equal(tt.payload, joined))
			}

			assert.Empty(t, tt.empty.(Splitter).Split(4))
		})
	}
}
