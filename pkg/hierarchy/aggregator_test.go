package hierarchy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydunstall/mesh/pkg/crdt"
	"github.com/andydunstall/mesh/pkg/directory"
	"github.com/andydunstall/mesh/pkg/gossip"
)

type fakeTier struct {
	name    string
	payload crdt.Payload
	updates int
}

func newFakeTier(name string, counter *crdt.GCounter) *fakeTier {
	return &fakeTier{name: name, payload: counter}
}

func (t *fakeTier) Tier() string {
	return t.name
}

func (t *fakeTier) CurrentState() gossip.VersionedState {
	digest, _ := crdt.DigestOf(t.payload)
	return gossip.VersionedState{
		Payload: t.payload,
		Digest:  digest,
	}
}

func (t *fakeTier) Update(delta crdt.Payload) (gossip.UpdateResult, error) {
	merged, err := t.payload.Merge(delta)
	if err != nil {
		return gossip.UpdateResult{}, err
	}
	t.payload = merged
	t.updates++
	digest, _ := crdt.DigestOf(merged)
	return gossip.UpdateResult{Digest: digest}, nil
}

func (t *fakeTier) value() uint64 {
	return t.payload.(*crdt.GCounter).Value()
}

// newRepresentative returns an elector whose local node is the only member
// of its region, so always represents it.
func newRepresentative(t *testing.T, conf Config, now time.Time) *Elector {
	self := newPeers(t, "eu-west", 1)[0]
	others := newPeers(t, "us-east", 3)
	elector, _ := newElector(t, self, append(others, self), conf, now)
	return elector
}

func TestAggregator_Relay(t *testing.T) {
	now := time.Unix(1000, 0)

	t.Run("region", func(t *testing.T) {
		elector := newRepresentative(t, activeConfig(), now)

		edge := newFakeTier(TierEdge, crdt.NewGCounter().Increment("edge-1", 2))
		region := newFakeTier(TierRegion, crdt.NewGCounter().Increment("us-east-1", 5))
		a := New(elector, edge, region, nil, activeConfig(), WithNow(func() time.Time {
			return now
		}))

		require.NoError(t, a.Relay())
		assert.True(t, elector.IsRegionRepresentative())
		assert.Equal(t, uint64(7), edge.value())
		assert.Equal(t, uint64(7), region.value())
		assert.Equal(t, 1, edge.updates)
		assert.Equal(t, 1, region.updates)

		// Nothing changed so nothing is relayed.
		require.NoError(t, a.Relay())
		assert.Equal(t, 1, edge.updates)
		assert.Equal(t, 1, region.updates)

		// Only the changed tier is relayed.
		_, err := edge.Update(crdt.NewGCounter().Increment("edge-2", 1))
		require.NoError(t, err)
		require.NoError(t, a.Relay())
		assert.Equal(t, uint64(8), region.value())
		assert.Equal(t, 2, edge.updates)
		assert.Equal(t, 2, region.updates)
	})

	t.Run("global", func(t *testing.T) {
		conf := activeConfig()
		conf.GlobalRegions = 1
		elector := newRepresentative(t, conf, now)

		edge := newFakeTier(TierEdge, crdt.NewGCounter().Increment("edge-1", 2))
		region := newFakeTier(TierRegion, crdt.NewGCounter())
		global := newFakeTier(TierGlobal, crdt.NewGCounter().Increment("ap-south-1", 3))
		a := New(elector, edge, region, global, conf, WithNow(func() time.Time {
			return now
		}))

		require.NoError(t, a.Relay())
		if !elector.IsGroupRepresentative() {
			// The representative of another region represents the group.
			assert.Equal(t, 0, global.updates)
			return
		}
		assert.Equal(t, uint64(5), global.value())
		assert.Equal(t, uint64(5), region.value())

		// The global state reaches the edge on the next relay.
		require.NoError(t, a.Relay())
		assert.Equal(t, uint64(5), edge.value())
	})

	t.Run("inactive", func(t *testing.T) {
		elector := newRepresentative(t, DefaultConfig(), now)

		edge := newFakeTier(TierEdge, crdt.NewGCounter().Increment("edge-1", 2))
		region := newFakeTier(TierRegion, crdt.NewGCounter().Increment("us-east-1", 5))
		a := New(elector, edge, region, nil, DefaultConfig())

		require.NoError(t, a.Relay())
		assert.Equal(t, 0, edge.updates)
		assert.Equal(t, 0, region.updates)
	})

	t.Run("not representative", func(t *testing.T) {
		peers := newPeers(t, "eu-west", 3)
		rep := owner("eu-west", peers)
		var self directory.PeerRecord
		for _, rec := range peers {
			if rec.ID != rep {
				self = rec
			}
		}
		elector, _ := newElector(t, self, peers, activeConfig(), now)

		edge := newFakeTier(TierEdge, crdt.NewGCounter().Increment("edge-1", 2))
		region := newFakeTier(TierRegion, crdt.NewGCounter().Increment("us-east-1", 5))
		a := New(elector, edge, region, nil, activeConfig(), WithNow(func() time.Time {
			return now
		}))

		require.NoError(t, a.Relay())
		assert.Equal(t, 0, edge.updates)
		assert.Equal(t, 0, region.updates)
	})

	t.Run("projector", func(t *testing.T) {
		elector := newRepresentative(t, activeConfig(), now)

		edge := newFakeTier(TierEdge, crdt.NewGCounter().Increment("edge-1", 2))
		region := newFakeTier(TierRegion, crdt.NewGCounter())

		// Projects the edge counter into a single regional entry.
		projector := ProjectorFunc(func(p crdt.Payload) (crdt.Payload, error) {
			return crdt.NewGCounter().Increment("eu-west", p.(*crdt.GCounter).Value()), nil
		})
		a := New(elector, edge, region, nil, activeConfig(), WithProjector(projector), WithNow(func() time.Time {
			return now
		}))

		require.NoError(t, a.Relay())
		assert.Equal(t, uint64(2), region.payload.(*crdt.GCounter).Get("eu-west"))
	})

	t.Run("projector error", func(t *testing.T) {
		elector := newRepresentative(t, activeConfig(), now)

		edge := newFakeTier(TierEdge, crdt.NewGCounter().Increment("edge-1", 2))
		region := newFakeTier(TierRegion, crdt.NewGCounter())

		projector := ProjectorFunc(func(p crdt.Payload) (crdt.Payload, error) {
			return nil, errors.New("unsupported")
		})
		a := New(elector, edge, region, nil, activeConfig(), WithProjector(projector), WithNow(func() time.Time {
			return now
		}))

		assert.Error(t, a.Relay())
		assert.Equal(t, 0, region.updates)
	})
}
