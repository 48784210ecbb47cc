package gossip

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydunstall/mesh/pkg/crdt"
	"github.com/andydunstall/mesh/pkg/identity"
)

func TestVersionedState_Apply(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	contribution := func(first, counter uint64, n uint64) *Contribution {
		data := mustMarshal(t, crdt.NewGCounter().Increment(id.ID(), n))
		return newContribution(id, testTier, "inc", first, counter, data)
	}

	t.Run("in order", func(t *testing.T) {
		s, err := newVersionedState(crdt.GCounterType{})
		require.NoError(t, err)
		empty := s.digest

		changed, err := s.Apply(contribution(1, 1, 1))
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = s.Apply(contribution(2, 2, 2))
		require.NoError(t, err)
		assert.True(t, changed)

		replica := replicaKey(id.ID(), "inc")
		assert.Equal(t, uint64(2), s.vv[replica])
		assert.Len(t, s.Contributions(replica), 2)
		assert.NotEqual(t, empty, s.digest)
	})

	t.Run("duplicate", func(t *testing.T) {
		s, err := newVersionedState(crdt.GCounterType{})
		require.NoError(t, err)

		c := contribution(1, 1, 1)
		_, err = s.Apply(c)
		require.NoError(t, err)
		digest := s.digest

		assert.Equal(t, actionSkip, s.Classify(c))
		changed, err := s.Apply(c)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, digest, s.digest)
		assert.Equal(t, 1, s.LogLen())
	})

	t.Run("gap", func(t *testing.T) {
		s, err := newVersionedState(crdt.GCounterType{})
		require.NoError(t, err)

		// Counter 2 cannot be applied until counter 1 arrives.
		assert.Equal(t, actionSkip, s.Classify(contribution(2, 2, 2)))
		assert.Equal(t, actionApply, s.Classify(contribution(1, 1, 1)))
	})

	t.Run("compacted", func(t *testing.T) {
		s, err := newVersionedState(crdt.GCounterType{})
		require.NoError(t, err)

		_, err = s.Apply(contribution(1, 1, 1))
		require.NoError(t, err)
		_, err = s.Apply(contribution(2, 2, 2))
		require.NoError(t, err)

		// A compaction covering applied counters replaces them without
		// changing the payload.
		digest := s.digest
		compacted := contribution(1, 2, 2)
		assert.Equal(t, actionCompact, s.Classify(compacted))
		changed, err := s.Apply(compacted)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, digest, s.digest)
		assert.Equal(t, 1, s.LogLen())

		// A compaction beyond the applied counters is applied.
		changed, err = s.Apply(contribution(1, 4, 4))
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, uint64(4), s.vv[replicaKey(id.ID(), "inc")])
		assert.Equal(t, 1, s.LogLen())
	})

	t.Run("invalid data", func(t *testing.T) {
		s, err := newVersionedState(crdt.GCounterType{})
		require.NoError(t, err)

		c := newContribution(id, testTier, "inc", 1, 1, []byte{0xc1})
		_, err = s.Apply(c)
		assert.ErrorIs(t, err, ErrInvalidContribution)
		assert.Equal(t, 0, s.LogLen())
	})
}

func TestVersionedState_Delta(t *testing.T) {
	a, err := identity.Generate()
	require.NoError(t, err)
	b, err := identity.Generate()
	require.NoError(t, err)

	s, err := newVersionedState(crdt.GCounterType{})
	require.NoError(t, err)
	for _, id := range []*identity.Identity{a, b} {
		for counter := uint64(1); counter <= 3; counter++ {
			data := mustMarshal(t, crdt.NewGCounter().Increment(id.ID(), counter))
			_, err := s.Apply(newContribution(id, testTier, "inc", counter, counter, data))
			require.NoError(t, err)
		}
	}

	replicaA := replicaKey(a.ID(), "inc")
	replicaB := replicaKey(b.ID(), "inc")

	delta := s.Delta(map[string]uint64{
		replicaA: 1,
		replicaB: 3,
	}, true)
	require.Len(t, delta, 2)
	assert.Equal(t, uint64(2), delta[0].Counter)
	assert.Equal(t, uint64(3), delta[1].Counter)

	assert.Len(t, s.Delta(nil, true), 6)
	// Ordered by counter within each replica.
	all := s.Delta(nil, true)
	for i := 1; i != len(all); i++ {
		if all[i-1].Replica() == all[i].Replica() {
			assert.Less(t, all[i-1].Counter, all[i].Counter)
		}
	}

	t.Run("truncated", func(t *testing.T) {
		// Replicas missing from a truncated version vector are unknown.
		delta := s.Delta(map[string]uint64{replicaA: 2}, false)
		require.Len(t, delta, 1)
		assert.Equal(t, replicaA, delta[0].Replica())
		assert.Equal(t, uint64(3), delta[0].Counter)

		assert.Empty(t, s.Delta(nil, false))
		// A zero entry requests every contribution of the replica.
		assert.Len(t, s.Delta(map[string]uint64{replicaB: 0}, false), 3)
	})

	assert.True(t, s.Missing(map[string]uint64{replicaA: 4}))
	assert.True(t, s.Missing(map[string]uint64{"unknown/inc": 1}))
	assert.False(t, s.Missing(map[string]uint64{replicaA: 3, replicaB: 2}))
	assert.False(t, s.Missing(map[string]uint64{"unknown/inc": 0}))
}

func TestVersionedState_Entries(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	s, err := newVersionedState(crdt.GCounterType{})
	require.NoError(t, err)
	for i := 0; i != 50; i++ {
		incarnation := fmt.Sprintf("inc-%d", i)
		data := mustMarshal(t, crdt.NewGCounter().Increment(incarnation, 1))
		_, err := s.Apply(newContribution(id, testTier, incarnation, 1, 1, data))
		require.NoError(t, err)
	}

	entries := s.Entries(nil)
	require.Len(t, entries, 50)
	for _, entry := range entries {
		assert.Equal(t, uint64(1), entry.Counter)
	}

	ahead := replicaKey(id.ID(), "inc-20")
	unknown := replicaKey(id.ID(), "unknown")
	entries = s.Entries(map[string]uint64{
		ahead:                         3,
		unknown:                       2,
		replicaKey(id.ID(), "inc-30"): 1,
	})
	require.Len(t, entries, 51)
	// Entries the remote is ahead on come first.
	assert.ElementsMatch(t, []versionEntry{
		{Replica: ahead, Counter: 1},
		{Replica: unknown, Counter: 0},
	}, entries[:2])
}

func TestVersionedState_Compact(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	replica := replicaKey(id.ID(), "inc")
	sign := func(first, counter uint64, data []byte) *Contribution {
		return newContribution(id, testTier, "inc", first, counter, data)
	}

	newState := func(t *testing.T) *versionedState {
		s, err := newVersionedState(crdt.GCounterType{})
		require.NoError(t, err)
		for counter := uint64(1); counter <= 20; counter++ {
			// Each update adds a slot so the compacted data grows.
			data := mustMarshal(t, crdt.NewGCounter().Increment(fmt.Sprintf("slot-%02d", counter), counter))
			_, err := s.Apply(newContribution(id, testTier, "inc", counter, counter, data))
			require.NoError(t, err)
		}
		return s
	}

	t.Run("single", func(t *testing.T) {
		s := newState(t)
		digest := s.digest

		require.NoError(t, s.Compact(replica, 65000, sign))
		log := s.Contributions(replica)
		require.Len(t, log, 1)
		assert.Equal(t, uint64(1), log[0].First)
		assert.Equal(t, uint64(20), log[0].Counter)
		assert.Equal(t, digest, s.digest)
	})

	t.Run("budget", func(t *testing.T) {
		s := newState(t)
		full := mustMarshal(t, s.payload)

		budget := len(full) / 3
		require.NoError(t, s.Compact(replica, budget, sign))

		log := s.Contributions(replica)
		assert.Greater(t, len(log), 1)
		assert.Less(t, len(log), 20)
		// The compacted contributions still cover every counter.
		next := uint64(1)
		for _, c := range log {
			assert.Equal(t, next, c.First)
			assert.LessOrEqual(t, len(c.Data), budget)
			next = c.Counter + 1
		}
		assert.Equal(t, uint64(21), next)
		assert.Equal(t, len(log), s.LogLen())

		// A peer that applies the compacted log reaches the same payload.
		other, err := newVersionedState(crdt.GCounterType{})
		require.NoError(t, err)
		for _, c := range log {
			changed, err := other.Apply(c)
			require.NoError(t, err)
			assert.True(t, changed)
		}
		assert.Equal(t, s.digest, other.digest)
	})
}

func TestContribution_Verify(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	c := newContribution(id, testTier, "inc", 1, 1, []byte("data"))
	assert.NoError(t, c.Verify(testTier))
	assert.ErrorIs(t, c.Verify("region"), ErrInvalidContribution)

	invalid := *c
	invalid.First = 2
	assert.ErrorIs(t, invalid.Verify(testTier), ErrInvalidContribution)

	invalid = *c
	invalid.Counter = 2
	assert.ErrorIs(t, invalid.Verify(testTier), ErrInvalidContribution)
}

func TestProtocol_EncodeDecode(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	var contributions []*Contribution
	for counter := uint64(1); counter <= 100; counter++ {
		contributions = append(contributions, newContribution(id, testTier, "inc", counter, counter, []byte("data")))
	}
	h := &header{Converged: true}
	vv := []versionEntry{{Replica: "a/inc", Counter: 3}, {Replica: "b/inc", Counter: 0}}

	b, n, err := encodeMessage(h, vv, contributions, 2000)
	require.NoError(t, err)
	assert.Less(t, n, len(contributions))
	assert.LessOrEqual(t, len(b), 2000)

	decodedHeader, decoded, err := decodeMessage(b)
	require.NoError(t, err)
	assert.Equal(t, vv, decodedHeader.VersionVector)
	assert.False(t, decodedHeader.Truncated)
	assert.Equal(t, map[string]uint64{"a/inc": 3, "b/inc": 0}, decodedHeader.versionVector())
	assert.True(t, decodedHeader.Converged)
	require.Len(t, decoded, n)
	for i, c := range decoded {
		assert.Equal(t, contributions[i].Counter, c.Counter)
		assert.NoError(t, c.Verify(testTier))
	}
	// The caller's header is not modified.
	assert.Nil(t, h.VersionVector)
}

func TestProtocol_EncodeLargeVersionVector(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	var vv []versionEntry
	for i := 0; i != 3000; i++ {
		vv = append(vv, versionEntry{
			Replica: replicaKey(fmt.Sprintf("%052d", i), "a1b2c3d4"),
			Counter: uint64(i + 1),
		})
	}
	var contributions []*Contribution
	for counter := uint64(1); counter <= 1000; counter++ {
		contributions = append(contributions, newContribution(id, testTier, "inc", counter, counter, []byte("data")))
	}

	t.Run("pull", func(t *testing.T) {
		b, _, err := encodeMessage(&header{}, vv, nil, 65000)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(b), 65000)

		h, _, err := decodeMessage(b)
		require.NoError(t, err)
		assert.True(t, h.Truncated)
		assert.Greater(t, len(h.VersionVector), 500)
		assert.Equal(t, vv[:len(h.VersionVector)], h.VersionVector)
	})

	t.Run("with contributions", func(t *testing.T) {
		b, n, err := encodeMessage(&header{}, vv, contributions, 65000)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(b), 65000)
		assert.Greater(t, n, 0)

		h, decoded, err := decodeMessage(b)
		require.NoError(t, err)
		assert.True(t, h.Truncated)
		assert.NotEmpty(t, h.VersionVector)
		assert.Len(t, decoded, n)
	})

	t.Run("largest contribution", func(t *testing.T) {
		data := make([]byte, maxContributionSize(65000)-300)
		c := newContribution(id, testTier, "inc", 1, 1, data)

		b, n, err := encodeMessage(&header{}, vv, []*Contribution{c}, 65000)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(b), 65000)
		assert.Equal(t, 1, n)
	})
}
