package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andydunstall/mesh/pkg/crdt"
	"github.com/andydunstall/mesh/pkg/gossip"
	"github.com/andydunstall/mesh/pkg/log"
	"github.com/andydunstall/mesh/pkg/schedule"
)

// Tier is the engine of a single tier.
type Tier interface {
	Tier() string
	CurrentState() gossip.VersionedState
	Update(delta crdt.Payload) (gossip.UpdateResult, error)
}

var _ Tier = (*gossip.Engine)(nil)

// Projector projects a tier's payload into the payload of the tier above.
type Projector interface {
	Project(p crdt.Payload) (crdt.Payload, error)
}

type ProjectorFunc func(p crdt.Payload) (crdt.Payload, error)

func (f ProjectorFunc) Project(p crdt.Payload) (crdt.Payload, error) {
	return f(p)
}

// IdentityProjector relays payloads unchanged, where every tier has the same
// payload type.
var IdentityProjector = ProjectorFunc(func(p crdt.Payload) (crdt.Payload, error) {
	return p, nil
})

// link relays state between a lower and upper tier.
type link struct {
	lower Tier
	upper Tier

	// lowerDigest and upperDigest are the digests of each tier at the last
	// relay, so unchanged payloads are not relayed again.
	lowerDigest crdt.Digest
	upperDigest crdt.Digest
}

// Aggregator relays state between the tiers while the local node is a
// representative.
type Aggregator struct {
	elector *Elector

	region *link
	// global is nil if the global tier is disabled.
	global *link
	mu     sync.Mutex

	projector Projector

	conf Config

	now     func() time.Time
	metrics *Metrics
	logger  log.Logger
}

// New creates an aggregator relaying between the edge, region and global
// tiers. global may be nil if the global tier is disabled.
func New(
	elector *Elector,
	edge Tier,
	region Tier,
	global Tier,
	conf Config,
	opts ...Option,
) *Aggregator {
	options := options{
		projector: IdentityProjector,
		now:       time.Now,
		logger:    log.NewNopLogger(),
	}
	for _, o := range opts {
		o.apply(&options)
	}

	a := &Aggregator{
		elector:   elector,
		region:    &link{lower: edge, upper: region},
		projector: options.projector,
		conf:      conf,
		now:       options.now,
		metrics:   elector.Metrics(),
		logger:    options.logger.WithSubsystem("hierarchy"),
	}
	if global != nil {
		a.global = &link{lower: region, upper: global}
	}
	return a
}

// Relay re-elects the representatives, then if the local node is a
// representative, merges the projection of each tier into the tier above and
// the tier above back into the tier below.
func (a *Aggregator) Relay() error {
	election := a.elector.ElectAt(a.now())
	if !election.Active || !a.elector.IsRegionRepresentative() {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var errs error
	if err := a.relay(a.region); err != nil {
		errs = errors.Join(errs, err)
	}
	if a.global != nil && a.elector.IsGroupRepresentative() {
		if err := a.relay(a.global); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if errs != nil {
		a.metrics.RelayErrors.Inc()
	}
	return errs
}

// Run relays at the configured interval until the context is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	schedule.Run(ctx, a.conf.RelayInterval, func() {
		if err := a.Relay(); err != nil {
			a.logger.Warn("failed to relay", zap.Error(err))
		}
	})
	return nil
}

func (a *Aggregator) Metrics() *Metrics {
	return a.metrics
}

func (a *Aggregator) relay(l *link) error {
	lower := l.lower.CurrentState()
	if lower.Digest != l.lowerDigest {
		projected, err := a.projector.Project(lower.Payload)
		if err != nil {
			return fmt.Errorf("project %s: %w", l.lower.Tier(), err)
		}
		if err := a.merge(l.upper, projected); err != nil {
			return err
		}
		l.lowerDigest = lower.Digest
	}

	upper := l.upper.CurrentState()
	if upper.Digest != l.upperDigest {
		if err := a.merge(l.lower, upper.Payload); err != nil {
			return err
		}
		l.upperDigest = upper.Digest
	}
	return nil
}

// merge updates the tier with the payload if it is not already subsumed by
// the tier's payload.
func (a *Aggregator) merge(t Tier, p crdt.Payload) error {
	state := t.CurrentState()
	merged, err := state.Payload.Merge(p)
	if err != nil {
		return fmt.Errorf("merge %s: %w", t.Tier(), err)
	}
	digest, err := crdt.DigestOf(merged)
	if err != nil {
		return fmt.Errorf("merge %s: %w", t.Tier(), err)
	}
	if digest == state.Digest {
		return nil
	}

	res, err := t.Update(p)
	if err != nil {
		return fmt.Errorf("update %s: %w", t.Tier(), err)
	}
	a.metrics.Relays.WithLabelValues(t.Tier()).Inc()
	a.logger.Debug(
		"relayed",
		zap.String("tier", t.Tier()),
		zap.String("digest", res.Digest.Short()),
	)
	return nil
}
