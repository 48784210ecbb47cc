//go:build integration

package mesh

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydunstall/mesh/pkg/crdt"
	"github.com/andydunstall/mesh/pkg/identity"
	"github.com/andydunstall/mesh/pkg/log"
	"github.com/andydunstall/mesh/pkg/seed"
	"github.com/andydunstall/mesh/pkg/transport"
)

func newUDPNode(t *testing.T) *Node {
	conf := DefaultConfig()
	conf.Gossip.Interval = time.Millisecond * 50
	conf.Join.MinBackoff = time.Millisecond * 10
	conf.Join.MaxBackoff = time.Millisecond * 100

	ln, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	udp := transport.NewUDP(ln, "", conf.Gossip.MaxPacketSize, log.NewNopLogger())

	id, err := identity.Generate()
	require.NoError(t, err)

	node, err := New(id, crdt.GCounterType{}, udp, conf)
	require.NoError(t, err)
	return node
}

func TestNode_UDP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	var nodes []*Node
	for i := 0; i != 3; i++ {
		node := newUDPNode(t)
		nodes = append(nodes, node)

		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, node.Run(ctx))
		}()
	}

	for _, node := range nodes[1:] {
		seeds, err := seed.NewStatic([]string{nodes[0].Addr()})
		require.NoError(t, err)
		require.NoError(t, node.Join(ctx, seeds))
	}

	// Wait for each node to discover the others.
	require.Eventually(t, func() bool {
		for _, node := range nodes {
			if node.Directory().Len() != 2 {
				return false
			}
		}
		return true
	}, time.Second*10, time.Millisecond*50)

	for _, node := range nodes {
		_, err := node.Update(crdt.NewGCounter().Increment(node.ID(), 1))
		require.NoError(t, err)
	}

	// Wait for every node to converge on the merged counter.
	require.Eventually(t, func() bool {
		for _, node := range nodes {
			counter := node.CurrentState().Payload.(*crdt.GCounter)
			if counter.Value() != 3 {
				return false
			}
		}
		return true
	}, time.Second*10, time.Millisecond*50)

	digest := nodes[0].CurrentState().Digest
	for _, node := range nodes[1:] {
		assert.Equal(t, digest, node.CurrentState().Digest)
	}
}
