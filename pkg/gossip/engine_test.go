package gossip

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/andydunstall/mesh/pkg/crdt"
	"github.com/andydunstall/mesh/pkg/directory"
	"github.com/andydunstall/mesh/pkg/identity"
	"github.com/andydunstall/mesh/pkg/transport"
	"github.com/andydunstall/mesh/pkg/validator"
	"github.com/andydunstall/mesh/pkg/wire"
)

const testTier = "edge"

type testNode struct {
	identity  *identity.Identity
	directory *directory.Directory
	validator *validator.Validator
	endpoint  *transport.Endpoint
	engine    *Engine
}

func (n *testNode) handle(from string, b []byte) {
	msg, err := n.validator.Validate(from, b)
	if err != nil {
		return
	}
	_ = n.engine.Handle(context.Background(), msg)
}

type fakeGate struct {
	partitioned bool
}

func (g *fakeGate) Partitioned() bool {
	return g.partitioned
}

func testConfig() Config {
	conf := DefaultConfig()
	conf.Fanout = 5
	return conf
}

// newTestMesh creates n fully connected nodes on a synchronous in-memory
// network, where every node knows every other node.
func newTestMesh(t testing.TB, n int, conf Config, opts ...Option) (*transport.Network, []*testNode) {
	network := transport.NewNetwork(transport.WithSynchronousDelivery())

	nodes := make([]*testNode, 0, n)
	for i := 0; i != n; i++ {
		id, err := identity.Generate()
		require.NoError(t, err)

		ep, err := network.Bind(fmt.Sprintf("node-%d", i))
		require.NoError(t, err)

		dir := directory.New(id.ID(), directory.DefaultConfig())
		v, err := validator.New(dir, validator.DefaultConfig())
		require.NoError(t, err)

		engine, err := New(
			testTier,
			id,
			crdt.GCounterType{},
			PartnerSelectorFunc(dir.SampleRandom),
			ep,
			conf,
			append([]Option{WithPenalizer(v)}, opts...)...,
		)
		require.NoError(t, err)

		node := &testNode{
			identity:  id,
			directory: dir,
			validator: v,
			endpoint:  ep,
			engine:    engine,
		}
		ep.Handle(node.handle)
		nodes = append(nodes, node)
	}

	for _, a := range nodes {
		for _, b := range nodes {
			if a == b {
				continue
			}
			require.NoError(t, a.directory.Register(directory.PeerRecord{
				ID:        b.identity.ID(),
				Addr:      b.endpoint.Addr(),
				PublicKey: b.identity.PublicKey(),
			}))
		}
	}
	return network, nodes
}

func runRound(nodes []*testNode) {
	for _, n := range nodes {
		n.engine.Round(context.Background())
	}
}

func converged(nodes []*testNode) bool {
	digest := nodes[0].engine.Digest()
	for _, n := range nodes[1:] {
		if n.engine.Digest() != digest {
			return false
		}
	}
	return true
}

func counterValue(t *testing.T, n *testNode) uint64 {
	counter, ok := n.engine.CurrentState().Payload.(*crdt.GCounter)
	require.True(t, ok)
	return counter.Value()
}

func TestEngine_Convergence(t *testing.T) {
	t.Run("single update", func(t *testing.T) {
		_, nodes := newTestMesh(t, 10, testConfig())

		counter := crdt.NewGCounter()
		res, err := nodes[0].engine.Update(counter.Increment(nodes[0].identity.ID(), 1))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), res.Counter)
		assert.False(t, res.Provisional)

		rounds := 0
		for !converged(nodes) && rounds < 7 {
			runRound(nodes)
			rounds++
		}
		require.True(t, converged(nodes), "not converged within 7 rounds")
		for _, n := range nodes {
			assert.Equal(t, uint64(1), counterValue(t, n))
			assert.Equal(t, res.Digest, n.engine.Digest())
		}
	})

	t.Run("concurrent updates", func(t *testing.T) {
		_, nodes := newTestMesh(t, 10, testConfig())

		for _, n := range nodes {
			_, err := n.engine.Update(crdt.NewGCounter().Increment(n.identity.ID(), 3))
			require.NoError(t, err)
		}

		for i := 0; i != 10 && !converged(nodes); i++ {
			runRound(nodes)
		}
		require.True(t, converged(nodes))
		for _, n := range nodes {
			assert.Equal(t, uint64(30), counterValue(t, n))
		}
	})

	t.Run("message loss and duplication", func(t *testing.T) {
		network, nodes := newTestMesh(t, 10, testConfig())
		network.SetLoss(0.3, 0.3)

		for _, n := range nodes {
			_, err := n.engine.Update(crdt.NewGCounter().Increment(n.identity.ID(), 1))
			require.NoError(t, err)
		}

		for i := 0; i != 50 && !converged(nodes); i++ {
			runRound(nodes)
		}
		require.True(t, converged(nodes))
		for _, n := range nodes {
			assert.Equal(t, uint64(10), counterValue(t, n))
		}
	})

	t.Run("global convergence", func(t *testing.T) {
		_, nodes := newTestMesh(t, 5, testConfig())

		_, err := nodes[0].engine.Update(crdt.NewGCounter().Increment(nodes[0].identity.ID(), 1))
		require.NoError(t, err)

		var stats RoundStats
		for i := 0; i != 10; i++ {
			for _, n := range nodes {
				stats = n.engine.Round(context.Background())
			}
		}
		assert.True(t, stats.Converged)
		assert.True(t, stats.GloballyConverged)
		assert.False(t, nodes[0].engine.LastConverged().IsZero())
	})
}

func TestEngine_VersionVectorMonotonic(t *testing.T) {
	network, nodes := newTestMesh(t, 6, testConfig())
	network.SetLoss(0.2, 0.2)

	previous := make([]map[string]uint64, len(nodes))
	for round := 0; round != 10; round++ {
		for i, n := range nodes {
			if round%2 == 0 {
				_, err := n.engine.Update(crdt.NewGCounter().Increment(n.identity.ID(), uint64(round+i)))
				require.NoError(t, err)
			}
		}
		runRound(nodes)

		for i, n := range nodes {
			vv := n.engine.CurrentState().VersionVector
			for replica, counter := range previous[i] {
				assert.GreaterOrEqual(t, vv[replica], counter)
			}
			previous[i] = vv
		}
	}
}

func TestEngine_Idempotent(t *testing.T) {
	_, nodes := newTestMesh(t, 2, testConfig())
	a, b := nodes[0], nodes[1]

	_, err := a.engine.Update(crdt.NewGCounter().Increment(a.identity.ID(), 5))
	require.NoError(t, err)

	a.engine.mu.Lock()
	delta := a.engine.state.Delta(nil, true)
	h := a.engine.headerLocked()
	vv := a.engine.state.Entries(nil)
	a.engine.mu.Unlock()

	body, _, err := encodeMessage(h, vv, delta, 65000)
	require.NoError(t, err)
	msg := &validator.AuthenticatedMessage{
		Type: wire.TypeDelta,
		Tier: testTier,
		From: a.identity.ID(),
		Addr: a.endpoint.Addr(),
		Body: body,
	}

	require.NoError(t, b.engine.Handle(context.Background(), msg))
	state := b.engine.CurrentState()

	// Handling the same delta again must not change the state.
	require.NoError(t, b.engine.Handle(context.Background(), msg))
	assert.Equal(t, state.Digest, b.engine.CurrentState().Digest)
	assert.Equal(t, state.VersionVector, b.engine.CurrentState().VersionVector)
	assert.Equal(t, uint64(5), counterValue(t, b))
}

func TestEngine_ForgedContribution(t *testing.T) {
	_, nodes := newTestMesh(t, 3, testConfig())
	target, victim, attacker := nodes[0], nodes[1], nodes[2]

	tests := []struct {
		name string
		c    *Contribution
	}{
		{
			// Claims to be from the victim but is signed by the attacker.
			name: "forged signature",
			c: func() *Contribution {
				c := newContribution(attacker.identity, testTier, "inc", 1, 1, mustMarshal(t, crdt.NewGCounter().Increment("x", 100)))
				c.Origin = victim.identity.ID()
				c.Key = victim.identity.PublicKey()
				return c
			}(),
		},
		{
			// Claims to be from the victim with the attacker's key.
			name: "key mismatch",
			c: func() *Contribution {
				c := newContribution(attacker.identity, testTier, "inc", 1, 1, mustMarshal(t, crdt.NewGCounter().Increment("x", 100)))
				c.Origin = victim.identity.ID()
				return c
			}(),
		},
		{
			// A valid contribution from the victim that the attacker
			// altered.
			name: "altered data",
			c: func() *Contribution {
				c := newContribution(victim.identity, testTier, "inc", 1, 1, mustMarshal(t, crdt.NewGCounter().Increment("x", 1)))
				c.Data = mustMarshal(t, crdt.NewGCounter().Increment("x", 100))
				return c
			}(),
		},
		{
			// A valid contribution signed for another tier.
			name: "wrong tier",
			c:    newContribution(victim.identity, "region", "inc", 1, 1, mustMarshal(t, crdt.NewGCounter().Increment("x", 100))),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := target.engine.CurrentState()
			attackerRep, _ := target.directory.Lookup(attacker.identity.ID())

			body, _, err := encodeMessage(&header{}, nil, []*Contribution{tt.c}, 65000)
			require.NoError(t, err)
			b, err := wire.Seal(attacker.identity, wire.TypeDelta, testTier, body, time.Now())
			require.NoError(t, err)

			require.NoError(t, attacker.endpoint.Send(context.Background(), target.endpoint.Addr(), b))

			after := target.engine.CurrentState()
			assert.Equal(t, before.Digest, after.Digest)
			assert.Equal(t, before.VersionVector, after.VersionVector)

			// The relaying attacker is penalized, not the victim.
			rec, ok := target.directory.Lookup(attacker.identity.ID())
			require.True(t, ok)
			assert.Less(t, rec.Reputation, attackerRep.Reputation)
			rec, ok = target.directory.Lookup(victim.identity.ID())
			require.True(t, ok)
			assert.Equal(t, 1.0, rec.Reputation)
		})
	}
}

func TestEngine_Provisional(t *testing.T) {
	gate := &fakeGate{partitioned: true}
	_, nodes := newTestMesh(t, 2, testConfig(), WithWriteGate(gate))

	res, err := nodes[0].engine.Update(crdt.NewGCounter().Increment(nodes[0].identity.ID(), 1))
	require.NoError(t, err)
	assert.True(t, res.Provisional)
	assert.True(t, nodes[0].engine.CurrentState().Provisional)

	// Still partitioned so remains provisional.
	nodes[0].engine.Round(context.Background())
	assert.True(t, nodes[0].engine.CurrentState().Provisional)

	gate.partitioned = false
	for i := 0; i != 5 && nodes[0].engine.CurrentState().Provisional; i++ {
		runRound(nodes)
	}
	assert.False(t, nodes[0].engine.CurrentState().Provisional)
	// Data written while partitioned is never discarded.
	assert.Equal(t, uint64(1), counterValue(t, nodes[0]))
}

func TestEngine_Compaction(t *testing.T) {
	conf := testConfig()
	conf.CompactThreshold = 4
	_, nodes := newTestMesh(t, 4, conf)

	// Propagate some updates before compacting to check peers that applied
	// part of the log accept the compacted contribution.
	for i := 0; i != 3; i++ {
		_, err := nodes[0].engine.Update(crdt.NewGCounter().Increment(nodes[0].identity.ID(), uint64(i+1)))
		require.NoError(t, err)
	}
	for i := 0; i != 5 && !converged(nodes); i++ {
		runRound(nodes)
	}
	require.True(t, converged(nodes))

	for i := 3; i != 10; i++ {
		_, err := nodes[0].engine.Update(crdt.NewGCounter().Increment(nodes[0].identity.ID(), uint64(i+1)))
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, nodes[0].engine.state.LogLen(), conf.CompactThreshold)

	for i := 0; i != 10 && !converged(nodes); i++ {
		runRound(nodes)
	}
	require.True(t, converged(nodes))
	for _, n := range nodes {
		assert.Equal(t, uint64(10), counterValue(t, n))
	}
}

func TestEngine_Resync(t *testing.T) {
	_, nodes := newTestMesh(t, 4, testConfig())

	stats := nodes[0].engine.Round(context.Background())
	assert.Equal(t, 3, stats.Partners)
	assert.Equal(t, 3, stats.Sent)

	// A resync pulls from every partner in addition to pushing.
	nodes[0].engine.RequestResync()
	stats = nodes[0].engine.Round(context.Background())
	assert.Equal(t, 6, stats.Sent)

	stats = nodes[0].engine.Round(context.Background())
	assert.Equal(t, 3, stats.Sent)
}

// trackLargestPacket records the size of the largest packet received by any
// of the nodes.
func trackLargestPacket(nodes []*testNode) *atomic.Int64 {
	largest := atomic.NewInt64(0)
	for _, n := range nodes {
		n.endpoint.Handle(func(from string, b []byte) {
			if size := int64(len(b)); size > largest.Load() {
				largest.Store(size)
			}
			n.handle(from, b)
		})
	}
	return largest
}

// applyOrigins applies a single contribution from each of count new origins.
func applyOrigins(t *testing.T, n *testNode, count int) {
	n.engine.mu.Lock()
	defer n.engine.mu.Unlock()

	for i := 0; i != count; i++ {
		origin, err := identity.Generate()
		require.NoError(t, err)
		data := mustMarshal(t, crdt.NewGCounter().Increment(origin.ID(), 1))
		changed, err := n.engine.state.Apply(newContribution(origin, testTier, "inc", 1, 1, data))
		require.NoError(t, err)
		require.True(t, changed)
	}
}

func TestEngine_LargeVersionVector(t *testing.T) {
	t.Run("one side", func(t *testing.T) {
		conf := testConfig()
		_, nodes := newTestMesh(t, 2, conf)
		largest := trackLargestPacket(nodes)
		a, b := nodes[0], nodes[1]

		applyOrigins(t, a, 2000)

		a.engine.mu.Lock()
		size, err := wire.Size(a.engine.state.Entries(nil))
		a.engine.mu.Unlock()
		require.NoError(t, err)
		// The full version vector does not fit in a packet.
		require.Greater(t, size, conf.MaxPacketSize)

		for i := 0; i != 20 && !converged(nodes); i++ {
			stats := a.engine.Round(context.Background())
			assert.Greater(t, stats.Sent, 0)
			b.engine.Round(context.Background())
		}
		require.True(t, converged(nodes))
		assert.Equal(t, uint64(2000), counterValue(t, b))
		assert.LessOrEqual(t, largest.Load(), int64(conf.MaxPacketSize))
	})

	t.Run("both sides", func(t *testing.T) {
		conf := testConfig()
		_, nodes := newTestMesh(t, 2, conf)
		largest := trackLargestPacket(nodes)

		// Neither node knows about the other's replicas.
		applyOrigins(t, nodes[0], 1500)
		applyOrigins(t, nodes[1], 1500)

		for i := 0; i != 20 && !converged(nodes); i++ {
			runRound(nodes)
		}
		require.True(t, converged(nodes))
		for _, n := range nodes {
			assert.Equal(t, uint64(3000), counterValue(t, n))
			assert.Len(t, n.engine.CurrentState().VersionVector, 3000)
		}
		assert.LessOrEqual(t, largest.Load(), int64(conf.MaxPacketSize))
	})
}

// opaque is a payload that cannot be split.
type opaque struct {
	data []byte
}

func (o *opaque) Merge(crdt.Payload) (crdt.Payload, error) {
	return nil, crdt.ErrIncompatible
}

func (o *opaque) MarshalBinary() ([]byte, error) {
	return o.data, nil
}

func TestEngine_LargeUpdate(t *testing.T) {
	conf := testConfig()
	conf.MaxPacketSize = 2000
	conf.CompactThreshold = 4
	_, nodes := newTestMesh(t, 3, conf)
	largest := trackLargestPacket(nodes)
	a := nodes[0]

	t.Run("split", func(t *testing.T) {
		delta := crdt.NewGCounter()
		for i := 0; i != 300; i++ {
			delta = mustMerge(t, delta, delta.Increment(fmt.Sprintf("slot-%03d", i), 1))
		}
		require.Greater(t, len(mustMarshal(t, delta)), a.engine.maxData)

		res, err := a.engine.Update(delta)
		require.NoError(t, err)
		assert.Greater(t, res.Counter, uint64(1))
		assert.Equal(t, uint64(300), counterValue(t, a))
	})

	t.Run("compact within budget", func(t *testing.T) {
		for i := 0; i != 20; i++ {
			delta := crdt.NewGCounter()
			for j := 0; j != 10; j++ {
				delta = mustMerge(t, delta, delta.Increment(fmt.Sprintf("update-%02d-%d", i, j), 1))
			}
			_, err := a.engine.Update(delta)
			require.NoError(t, err)
		}

		a.engine.mu.Lock()
		log := a.engine.state.Contributions(a.engine.replica)
		counter := a.engine.state.vv[a.engine.replica]
		a.engine.mu.Unlock()
		assert.Less(t, uint64(len(log)), counter)
		for _, c := range log {
			assert.LessOrEqual(t, len(c.Data), a.engine.maxData)
		}
	})

	t.Run("not splittable", func(t *testing.T) {
		before := a.engine.CurrentState()
		_, err := a.engine.Update(&opaque{data: make([]byte, conf.MaxPacketSize)})
		assert.ErrorIs(t, err, ErrTooLarge)
		assert.Equal(t, before.VersionVector, a.engine.CurrentState().VersionVector)
	})

	t.Run("converge", func(t *testing.T) {
		for i := 0; i != 20 && !converged(nodes); i++ {
			runRound(nodes)
		}
		require.True(t, converged(nodes))
		for _, n := range nodes {
			assert.Equal(t, uint64(500), counterValue(t, n))
		}
		assert.LessOrEqual(t, largest.Load(), int64(conf.MaxPacketSize))
	})
}

func TestEngine_RejectsOversizedContribution(t *testing.T) {
	_, nodes := newTestMesh(t, 2, testConfig())
	a, b := nodes[0], nodes[1]

	// Built by a peer configured with a larger max packet size.
	data := mustMarshal(t, &opaque{data: make([]byte, b.engine.maxData+1)})
	c := newContribution(a.identity, testTier, "inc", 1, 1, data)
	body, n, err := encodeMessage(&header{}, nil, []*Contribution{c}, 1<<20)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	before := b.engine.CurrentState()
	require.NoError(t, b.engine.Handle(context.Background(), &validator.AuthenticatedMessage{
		Type: wire.TypeDelta,
		Tier: testTier,
		From: a.identity.ID(),
		Addr: a.endpoint.Addr(),
		Body: body,
	}))
	assert.Equal(t, before.VersionVector, b.engine.CurrentState().VersionVector)
	assert.Equal(t, 0, b.engine.state.LogLen())
}

func TestEngine_HandleUnsupported(t *testing.T) {
	_, nodes := newTestMesh(t, 1, testConfig())

	err := nodes[0].engine.Handle(context.Background(), &validator.AuthenticatedMessage{
		Type: wire.TypePush,
		Tier: "region",
	})
	assert.ErrorIs(t, err, ErrUnsupportedMessage)

	err = nodes[0].engine.Handle(context.Background(), &validator.AuthenticatedMessage{
		Type: wire.TypeEcho,
		Tier: testTier,
	})
	assert.ErrorIs(t, err, ErrUnsupportedMessage)
}

func mustMarshal(t testing.TB, p crdt.Payload) []byte {
	b, err := p.MarshalBinary()
	require.NoError(t, err)
	return b
}

func mustMerge(t testing.TB, a *crdt.GCounter, b crdt.Payload) *crdt.GCounter {
	merged, err := a.Merge(b)
	require.NoError(t, err)
	return merged.(*crdt.GCounter)
}
