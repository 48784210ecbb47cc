package hierarchy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		r := newRing(0)
		_, ok := r.Lookup("eu-west")
		assert.False(t, ok)
		assert.Empty(t, r.LookupN("eu-west", 3))
	})

	t.Run("deterministic", func(t *testing.T) {
		a := newRing(0)
		b := newRing(0)
		for i := 0; i != 20; i++ {
			a.Add(fmt.Sprintf("peer-%d", i))
			b.Add(fmt.Sprintf("peer-%d", 19-i))
		}

		for i := 0; i != 50; i++ {
			key := fmt.Sprintf("region-%d", i)
			assert.Equal(t, a.LookupN(key, 3), b.LookupN(key, 3))
		}
	})

	t.Run("lookup n", func(t *testing.T) {
		r := newRing(0)
		for i := 0; i != 5; i++ {
			r.Add(fmt.Sprintf("peer-%d", i))
		}
		assert.Equal(t, 5, r.Len())

		owners := r.LookupN("eu-west", 10)
		assert.Len(t, owners, 5)

		owner, ok := r.Lookup("eu-west")
		require.True(t, ok)
		assert.Equal(t, owners[0], owner)
	})

	t.Run("remove", func(t *testing.T) {
		r := newRing(0)
		for i := 0; i != 5; i++ {
			r.Add(fmt.Sprintf("peer-%d", i))
		}

		owners := r.LookupN("eu-west", 2)
		require.Len(t, owners, 2)

		// Removing the owner fails over to the next owner.
		r.Remove(owners[0])
		owner, ok := r.Lookup("eu-west")
		require.True(t, ok)
		assert.Equal(t, owners[1], owner)
		assert.Equal(t, 4, r.Len())

		// Removing an unknown peer has no effect.
		r.Remove("unknown")
		assert.Equal(t, 4, r.Len())
	})

	t.Run("spread", func(t *testing.T) {
		r := newRing(0)
		for i := 0; i != 4; i++ {
			r.Add(fmt.Sprintf("peer-%d", i))
		}

		counts := make(map[string]int)
		for i := 0; i != 1000; i++ {
			owner, _ := r.Lookup(fmt.Sprintf("key-%d", i))
			counts[owner]++
		}
		assert.Len(t, counts, 4)
	})
}
