// Package cluster runs an in-memory mesh for tests and simulations.
//
// Nodes share a simulated clock and a synchronous in-memory network, so a
// message is handled by its destination before Send returns. The cluster is
// driven by Step rather than timers, which makes runs reproducible apart from
// partner selection.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andydunstall/mesh/pkg/crdt"
	"github.com/andydunstall/mesh/pkg/identity"
	"github.com/andydunstall/mesh/pkg/log"
	"github.com/andydunstall/mesh/pkg/mesh"
	"github.com/andydunstall/mesh/pkg/seed"
	"github.com/andydunstall/mesh/pkg/transport"
)

type Node struct {
	*mesh.Node

	endpoint *transport.Endpoint
}

// Cluster is a set of in-memory nodes.
type Cluster struct {
	network *transport.Network

	nodes []*Node
	// added is the number of nodes ever added, used to assign addresses.
	added int
	mu    sync.Mutex

	now     time.Time
	clockMu sync.Mutex

	conf    mesh.Config
	typ     crdt.Type
	regions []string

	logger log.Logger
}

func New(opts ...Option) *Cluster {
	conf := mesh.DefaultConfig()
	conf.Join.MinBackoff = time.Millisecond
	conf.Join.MaxBackoff = time.Millisecond * 10

	options := options{
		conf:   conf,
		typ:    crdt.GCounterType{},
		logger: log.NewNopLogger(),
	}
	for _, o := range opts {
		o.apply(&options)
	}

	return &Cluster{
		network: transport.NewNetwork(transport.WithSynchronousDelivery()),
		now:     time.Unix(1700000000, 0),
		conf:    options.conf,
		typ:     options.typ,
		regions: options.regions,
		logger:  options.logger.WithSubsystem("cluster"),
	}
}

// Now returns the simulated time.
func (c *Cluster) Now() time.Time {
	c.clockMu.Lock()
	defer c.clockMu.Unlock()
	return c.now
}

// Advance moves the simulated clock forward.
func (c *Cluster) Advance(d time.Duration) {
	c.clockMu.Lock()
	defer c.clockMu.Unlock()
	c.now = c.now.Add(d)
}

// AddNode adds a node that joins through the oldest node.
func (c *Cluster) AddNode(ctx context.Context) (*Node, error) {
	c.mu.Lock()
	i := c.added
	c.added++
	var seeds []string
	if len(c.nodes) > 0 {
		seeds = append(seeds, c.nodes[0].Addr())
	}
	c.mu.Unlock()

	id, err := identity.Generate()
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	conf := c.conf
	if len(c.regions) > 0 {
		conf.Region = c.regions[i%len(c.regions)]
	}

	ep, err := c.network.Bind(fmt.Sprintf("node-%d:7946", i))
	if err != nil {
		return nil, fmt.Errorf("bind: %w", err)
	}

	logger := c.logger.With(zap.String("node", id.ID()))
	n, err := mesh.New(id, c.typ, ep, conf, mesh.WithNow(c.Now), mesh.WithLogger(logger))
	if err != nil {
		_ = ep.Close()
		return nil, fmt.Errorf("node: %w", err)
	}
	ep.Handle(n.Handle)

	provider, err := seed.NewStatic(seeds)
	if err != nil {
		_ = ep.Close()
		return nil, err
	}
	if err := n.Join(ctx, provider); err != nil {
		_ = ep.Close()
		return nil, fmt.Errorf("join: %w", err)
	}

	node := &Node{
		Node:     n,
		endpoint: ep,
	}

	c.mu.Lock()
	c.nodes = append(c.nodes, node)
	c.mu.Unlock()

	c.logger.Debug(
		"added node",
		zap.String("node", n.ID()),
		zap.String("addr", n.Addr()),
		zap.String("region", conf.Region),
	)
	return node, nil
}

// AddNodes adds n nodes, then steps until every node knows every other node
// or the given number of rounds have run.
func (c *Cluster) AddNodes(ctx context.Context, n int) error {
	for i := 0; i != n; i++ {
		if _, err := c.AddNode(ctx); err != nil {
			return err
		}
	}
	for i := 0; i != 20 && !c.discovered(); i++ {
		c.Step(ctx)
	}
	return nil
}

// Nodes returns the nodes in the order they were added.
func (c *Cluster) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Copy nodes to avoid race conditions when c.nodes is updated.
	var nodes []*Node
	nodes = append(nodes, c.nodes...)
	return nodes
}

// StepStats sums the edge round statistics of every node in a step.
type StepStats struct {
	Sent     int   `json:"sent" yaml:"sent"`
	Received int64 `json:"received" yaml:"received"`
	Merged   int64 `json:"merged" yaml:"merged"`
	Rejected int64 `json:"rejected" yaml:"rejected"`
}

// Step runs a single round on every node then advances the clock by the
// gossip interval.
func (c *Cluster) Step(ctx context.Context) StepStats {
	var stats StepStats
	for _, node := range c.Nodes() {
		round := node.Step(ctx)
		stats.Sent += round.Sent
		stats.Received += round.Received
		stats.Merged += round.Merged
		stats.Rejected += round.Rejected
	}
	c.Advance(c.conf.Gossip.Interval)
	return stats
}

// StepUntilConverged steps until the given nodes, or every node if none are
// given, have the same digest. Returns the number of rounds and whether the
// nodes converged within maxRounds.
func (c *Cluster) StepUntilConverged(ctx context.Context, maxRounds int, nodes ...*Node) (int, bool) {
	for round := 0; round != maxRounds; round++ {
		if c.Converged(nodes...) {
			return round, true
		}
		c.Step(ctx)
	}
	return maxRounds, c.Converged(nodes...)
}

// Converged returns whether the given nodes, or every node if none are
// given, have the same edge digest.
func (c *Cluster) Converged(nodes ...*Node) bool {
	if len(nodes) == 0 {
		nodes = c.Nodes()
	}
	if len(nodes) == 0 {
		return true
	}
	digest := nodes[0].CurrentState().Digest
	for _, node := range nodes[1:] {
		if node.CurrentState().Digest != digest {
			return false
		}
	}
	return true
}

// Rebalance rebalances the topology of every node.
func (c *Cluster) Rebalance(ctx context.Context) error {
	for _, node := range c.Nodes() {
		if err := node.Topology().Rebalance(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Partition splits the network into the given groups of nodes. Nodes not in
// any group form their own group.
func (c *Cluster) Partition(groups ...[]*Node) {
	addrs := make([][]string, 0, len(groups))
	for _, group := range groups {
		var g []string
		for _, node := range group {
			g = append(g, node.Addr())
		}
		addrs = append(addrs, g)
	}
	c.network.Partition(addrs...)
	c.logger.Info("partitioned", zap.Int("groups", len(groups)))
}

// Heal removes any partition.
func (c *Cluster) Heal() {
	c.network.Heal()
	c.logger.Info("healed")
}

// SetLoss configures the probability each message is dropped or duplicated.
func (c *Cluster) SetLoss(dropRate, duplicateRate float64) {
	c.network.SetLoss(dropRate, duplicateRate)
}

// Remove stops the node, which remains in the directories of the other nodes
// until pruned.
func (c *Cluster) Remove(node *Node) {
	c.mu.Lock()
	for i, n := range c.nodes {
		if n == node {
			c.nodes = append(c.nodes[:i], c.nodes[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	_ = node.endpoint.Close()
}

func (c *Cluster) Close() {
	for _, node := range c.Nodes() {
		c.Remove(node)
	}
}

// discovered returns whether every node knows every other node.
func (c *Cluster) discovered() bool {
	nodes := c.Nodes()
	for _, node := range nodes {
		if node.Directory().Len() != len(nodes)-1 {
			return false
		}
	}
	return true
}
