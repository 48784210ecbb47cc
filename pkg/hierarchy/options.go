package hierarchy

import (
	"time"

	"github.com/andydunstall/mesh/pkg/log"
)

type options struct {
	projector Projector
	now       func() time.Time
	logger    log.Logger
}

type Option interface {
	apply(*options)
}

type projectorOption struct {
	projector Projector
}

func (o projectorOption) apply(opts *options) {
	opts.projector = o.projector
}

// WithProjector sets the projector used to relay state to the upper tiers.
// Defaults to relaying the payload unchanged.
func WithProjector(projector Projector) Option {
	return projectorOption{projector: projector}
}

type nowOption struct {
	now func() time.Time
}

func (o nowOption) apply(opts *options) {
	opts.now = o.now
}

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
