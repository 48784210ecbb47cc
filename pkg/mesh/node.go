// Package mesh composes the components of a mesh node.
//
// A Node owns the transport and routes each authenticated message to the
// component that handles it: gossip messages to the engine of the message's
// tier, joins to the directory and echoes to the topology prober. Every other
// component runs in the background until the node's context is cancelled.
package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andydunstall/mesh/pkg/crdt"
	"github.com/andydunstall/mesh/pkg/directory"
	"github.com/andydunstall/mesh/pkg/event"
	"github.com/andydunstall/mesh/pkg/gossip"
	"github.com/andydunstall/mesh/pkg/hierarchy"
	"github.com/andydunstall/mesh/pkg/identity"
	"github.com/andydunstall/mesh/pkg/log"
	"github.com/andydunstall/mesh/pkg/partition"
	"github.com/andydunstall/mesh/pkg/schedule"
	"github.com/andydunstall/mesh/pkg/topology"
	"github.com/andydunstall/mesh/pkg/transport"
	"github.com/andydunstall/mesh/pkg/validator"
	"github.com/andydunstall/mesh/pkg/wire"
)

const (
	// handleTimeout bounds the replies sent while handling a message.
	handleTimeout = time.Second
)

// Node is a member of the mesh.
type Node struct {
	identity  *identity.Identity
	transport transport.Transport

	events     *event.Bus
	directory  *directory.Directory
	validator  *validator.Validator
	prober     *topology.EchoProber
	topology   *topology.Manager
	elector    *hierarchy.Elector
	detector   *partition.Detector
	aggregator *hierarchy.Aggregator

	// engines contains the engine of each enabled tier, keyed by tier.
	engines map[string]*gossip.Engine
	edge    *gossip.Engine

	join *joiner

	conf Config

	now    func() time.Time
	logger log.Logger
}

// New creates a node that converges a payload of the given type over the
// transport.
func New(
	id *identity.Identity,
	typ crdt.Type,
	t transport.Transport,
	conf Config,
	opts ...Option,
) (*Node, error) {
	options := options{
		projector: hierarchy.IdentityProjector,
		now:       time.Now,
		logger:    log.NewNopLogger(),
	}
	for _, o := range opts {
		o.apply(&options)
	}

	if err := gossip.CheckLattice(typ, options.samples); err != nil {
		return nil, fmt.Errorf("payload %s: %w", typ.Name(), err)
	}

	n := &Node{
		identity:  id,
		transport: t,
		engines:   make(map[string]*gossip.Engine),
		conf:      conf,
		now:       options.now,
		logger:    options.logger,
	}

	n.events = event.NewBus(options.logger)
	n.directory = directory.New(
		id.ID(),
		conf.Directory,
		directory.WithEvents(n.events),
		directory.WithNow(options.now),
		directory.WithLogger(options.logger),
	)

	v, err := validator.New(
		n.directory,
		conf.Validator,
		validator.WithEvents(n.events),
		validator.WithNow(options.now),
		validator.WithLogger(options.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("validator: %w", err)
	}
	n.validator = v

	n.prober = topology.NewEchoProber(id, t, options.now)
	n.topology = topology.NewManager(
		n.directory,
		n.prober,
		conf.Topology,
		topology.WithEvents(n.events),
		topology.WithNow(options.now),
		topology.WithLogger(options.logger),
	)

	n.elector = hierarchy.NewElector(
		n.self(),
		n.directory,
		n.topology,
		conf.Hierarchy,
		hierarchy.WithNow(options.now),
		hierarchy.WithLogger(options.logger),
	)

	n.detector = partition.NewDetector(
		n.directory,
		n,
		conf.Partition,
		partition.WithEvents(n.events),
		partition.WithNow(options.now),
		partition.WithLogger(options.logger),
	)

	n.join = newJoiner(n)

	selectors := map[string]gossip.PartnerSelector{
		hierarchy.TierEdge:   n.elector.EdgeSelector(),
		hierarchy.TierRegion: n.elector.RegionSelector(),
	}
	if conf.Hierarchy.GlobalRegions > 0 {
		selectors[hierarchy.TierGlobal] = n.elector.GlobalSelector()
	}
	for tier, selector := range selectors {
		engine, err := gossip.New(
			tier,
			id,
			typ,
			selector,
			t,
			conf.Gossip,
			gossip.WithWriteGate(n.detector),
			gossip.WithPenalizer(n.validator),
			gossip.WithExchanger(n.join),
			gossip.WithEvents(n.events),
			gossip.WithNow(options.now),
			gossip.WithLogger(options.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("gossip: %s: %w", tier, err)
		}
		n.engines[tier] = engine
	}
	n.edge = n.engines[hierarchy.TierEdge]

	var global hierarchy.Tier
	if engine, ok := n.engines[hierarchy.TierGlobal]; ok {
		global = engine
	}
	n.aggregator = hierarchy.New(
		n.elector,
		n.edge,
		n.engines[hierarchy.TierRegion],
		global,
		conf.Hierarchy,
		hierarchy.WithProjector(options.projector),
		hierarchy.WithNow(options.now),
		hierarchy.WithLogger(options.logger),
	)

	return n, nil
}

func (n *Node) ID() string {
	return n.identity.ID()
}

func (n *Node) Addr() string {
	return n.transport.Addr()
}

// Update applies a local update to the edge tier.
func (n *Node) Update(delta crdt.Payload) (gossip.UpdateResult, error) {
	return n.edge.Update(delta)
}

// CurrentState returns the state of the edge tier.
func (n *Node) CurrentState() gossip.VersionedState {
	return n.edge.CurrentState()
}

// Engine returns the engine of the given tier, or false if the tier is not
// enabled.
func (n *Node) Engine(tier string) (*gossip.Engine, bool) {
	engine, ok := n.engines[tier]
	return engine, ok
}

func (n *Node) Directory() *directory.Directory {
	return n.directory
}

func (n *Node) Topology() *topology.Manager {
	return n.topology
}

func (n *Node) Partition() *partition.Detector {
	return n.detector
}

// PartitionStatus returns the status of the last partition check.
func (n *Node) PartitionStatus() partition.Status {
	return n.detector.Status()
}

func (n *Node) Elector() *hierarchy.Elector {
	return n.elector
}

func (n *Node) Events() *event.Bus {
	return n.events
}

// RequestResync requests an immediate round on every tier, such as after
// recovering from a partition.
func (n *Node) RequestResync() {
	for _, engine := range n.engines {
		engine.RequestResync()
	}
}

// LastConverged returns when the edge tier last converged.
func (n *Node) LastConverged() time.Time {
	return n.edge.LastConverged()
}

var _ partition.Resyncer = &Node{}

// Handle authenticates a message received from the transport and routes it
// to the component that handles its type.
func (n *Node) Handle(from string, b []byte) {
	msg, err := n.validator.Validate(from, b)
	if err != nil {
		n.logger.Debug(
			"rejected message",
			zap.String("addr", from),
			zap.Error(err),
		)
		return
	}
	if msg.Known {
		n.topology.Observe(msg.From)
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	if err := n.route(ctx, msg); err != nil {
		n.logger.Debug(
			"failed to handle message",
			zap.String("type", msg.Type.String()),
			zap.String("from", msg.From),
			zap.Error(err),
		)
	}
}

// Run starts the node's background components until the context is
// cancelled, then closes the transport.
func (n *Node) Run(ctx context.Context) error {
	n.logger.Info(
		"starting node",
		zap.String("id", n.ID()),
		zap.String("addr", n.Addr()),
		zap.String("region", n.conf.Region),
		zap.Int("tiers", len(n.engines)),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := n.transport.Serve(n.Handle); err != nil {
			return fmt.Errorf("transport: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return n.transport.Close()
	})

	for _, engine := range n.engines {
		g.Go(func() error {
			return engine.Run(ctx)
		})
	}
	g.Go(func() error {
		return n.topology.Run(ctx)
	})
	g.Go(func() error {
		return n.detector.Run(ctx)
	})
	g.Go(func() error {
		return n.aggregator.Run(ctx)
	})
	g.Go(func() error {
		schedule.Run(ctx, n.conf.Directory.PruneInterval, func() {
			n.directory.PruneStale(n.conf.Directory.PruneTimeout)
		})
		return nil
	})

	return g.Wait()
}

// Step runs a single round of every tier, then relays between tiers and
// re-evaluates the partition status. Used to drive nodes deterministically
// instead of with Run. Returns the statistics of the edge round.
func (n *Node) Step(ctx context.Context) gossip.RoundStats {
	n.detector.Check()

	stats := n.edge.Round(ctx)
	for tier, engine := range n.engines {
		if tier != hierarchy.TierEdge {
			engine.Round(ctx)
		}
	}

	if err := n.aggregator.Relay(); err != nil {
		n.logger.Warn("failed to relay", zap.Error(err))
	}
	return stats
}

// Register registers the metrics of every component.
func (n *Node) Register(reg *prometheus.Registry) {
	n.events.Metrics().Register(reg)
	n.directory.Metrics().Register(reg)
	n.validator.Metrics().Register(reg)
	n.topology.Metrics().Register(reg)
	n.elector.Metrics().Register(reg)
	n.detector.Metrics().Register(reg)
	for _, engine := range n.engines {
		engine.Metrics().Register(reg)
	}
	if udp, ok := n.transport.(*transport.UDP); ok {
		udp.Metrics().Register(reg)
	}
}

func (n *Node) route(ctx context.Context, msg *validator.AuthenticatedMessage) error {
	switch msg.Type {
	case wire.TypePush, wire.TypePull, wire.TypeDelta:
		engine, ok := n.engines[msg.Tier]
		if !ok {
			return fmt.Errorf("%w: tier %q", gossip.ErrUnsupportedMessage, msg.Tier)
		}
		return engine.Handle(ctx, msg)
	case wire.TypeJoin:
		return n.join.HandleJoin(ctx, msg)
	case wire.TypeJoinAck:
		return n.join.HandleJoinAck(msg)
	case wire.TypeEcho:
		return n.prober.HandleEcho(ctx, msg)
	case wire.TypeEchoReply:
		return n.prober.HandleEchoReply(msg)
	default:
		return fmt.Errorf("%w: %s", gossip.ErrUnsupportedMessage, msg.Type)
	}
}

// self returns the record other peers register for the local node.
func (n *Node) self() directory.PeerRecord {
	return directory.PeerRecord{
		ID:        n.identity.ID(),
		Addr:      n.transport.Addr(),
		PublicKey: n.identity.PublicKey(),
		Region:    n.conf.Region,
	}
}
