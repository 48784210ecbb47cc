package mesh

import (
	"time"

	"github.com/andydunstall/mesh/pkg/crdt"
	"github.com/andydunstall/mesh/pkg/hierarchy"
	"github.com/andydunstall/mesh/pkg/log"
)

type options struct {
	projector hierarchy.Projector
	samples   []crdt.Payload
	now       func() time.Time
	logger    log.Logger
}

type Option interface {
	apply(*options)
}

type projectorOption struct {
	projector hierarchy.Projector
}

func (o projectorOption) apply(opts *options) {
	opts.projector = o.projector
}

// WithProjector sets the projector used to relay state to the upper tiers
// when the node is a representative.
func WithProjector(projector hierarchy.Projector) Option {
	return projectorOption{projector: projector}
}

type latticeSamplesOption struct {
	samples []crdt.Payload
}

func (o latticeSamplesOption) apply(opts *options) {
	opts.samples = o.samples
}

// WithLatticeSamples sets sample payloads used to check the payload type
// merges as a join-semilattice when the node is created. Without samples
// only the empty payload is checked.
func WithLatticeSamples(samples ...crdt.Payload) Option {
	return latticeSamplesOption{samples: samples}
}

type nowOption struct {
	now func() time.Time
}

func (o nowOption) apply(opts *options) {
	opts.now = o.now
}

// WithNow sets the clock used by every component of the node.
func WithNow(now func() time.Time) Option {
	return nowOption{now: now}
}

type loggerOption struct {
	logger log.Logger
}

func (o loggerOption) apply(opts *options) {
	opts.logger = o.logger
}

func WithLogger(logger log.Logger) Option {
	return loggerOption{logger: logger}
}
