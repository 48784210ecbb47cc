package cluster

import (
	"github.com/andydunstall/mesh/pkg/crdt"
	"github.com/andydunstall/mesh/pkg/log"
	"github.com/andydunstall/mesh/pkg/mesh"
)

type options struct {
	conf    mesh.Config
	typ     crdt.Type
	regions []string
	logger  log.Logger
}

type configOption struct {
	Config mesh.Config
}

func (o configOption) apply(opts *options) {
	opts.conf = o.Config
}

// WithConfig configures the nodes. Defaults to mesh.DefaultConfig with a
// short join backoff.
func WithConfig(conf mesh.Config) Option {
	return configOption{Config: conf}
}

type typeOption struct {
	Type crdt.Type
}

func (o typeOption) apply(opts *options) {
	opts.typ = o.Type
}

// WithType configures the payload type. Defaults to a GCounter.
func WithType(typ crdt.Type) Option {
	return typeOption{Type: typ}
}

type regionsOption struct {
	Regions []string
}

func (o regionsOption) apply(opts *options) {
	opts.regions = o.Regions
}

// WithRegions assigns nodes to the given regions in turn.
func WithRegions(regions []string) Option {
	return regionsOption{Regions: regions}
}

type loggerOption struct {
	Logger log.Logger
}

func (o loggerOption) apply(opts *options) {
	opts.logger = o.Logger
}

// WithLogger configures the logger. Defaults to no output.
func WithLogger(logger log.Logger) Option {
	return loggerOption{Logger: logger}
}

type Option interface {
	apply(*options)
}
