package gossip

import (
	"time"

	"github.com/andydunstall/mesh/pkg/event"
	"github.com/andydunstall/mesh/pkg/log"
)

type options struct {
	gate      WriteGate
	penalizer Penalizer
	exchanger Exchanger
	events    event.Publisher
	now       func() time.Time
	logger    log.Logger
}

type Option interface {
	apply(*options)
}

type gateOption struct {
	gate WriteGate
}

func (o gateOption) apply(opts *options) {
	opts.gate = o.gate
}

// WithWriteGate marks local updates as provisional while the gate reports
// the mesh is partitioned.
func WithWriteGate(gate WriteGate) Option {
	return gateOption{gate: gate}
}

type penalizerOption struct {
	penalizer Penalizer
}

func (o penalizerOption) apply(opts *options) {
	opts.penalizer = o.penalizer
}

// WithPenalizer reports peers that relay invalid contributions.
func WithPenalizer(penalizer Penalizer) Option {
	return penalizerOption{penalizer: penalizer}
}

type exchangerOption struct {
	exchanger Exchanger
}

func (o exchangerOption) apply(opts *options) {
	opts.exchanger = o.exchanger
}

// WithExchanger attaches a sample of known peers to each push and passes
// the peers received from others to the exchanger.
func WithExchanger(exchanger Exchanger) Option {
	return exchangerOption{exchanger: exchanger}
}

type eventsOption struct {
	events event.Publisher
}

func (o eventsOption) apply(opts *options) {
	opts.events = o.events
}

func WithEvents(events event.Publisher) Option {
	return eventsOption{events: events}
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
