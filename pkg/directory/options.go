package directory

import (
	"time"

	"github.com/andydunstall/mesh/pkg/event"
	"github.com/andydunstall/mesh/pkg/log"
)

type options struct {
	events event.Publisher
	now    func() time.Time
	logger log.Logger
}

type Option interface {
	apply(*options)
}

type eventsOption struct {
	events event.Publisher
}

func (o eventsOption) apply(opts *options) {
	opts.events = o.events
}

// WithEvents publishes peer registered and pruned events to the given
// publisher.
func WithEvents(events event.Publisher) Option {
	return eventsOption{events: events}
}

type nowOption struct {
	now func() time.Time
}

func (o nowOption) apply(opts *options) {
	opts.now = o.now
}

// WithNow overrides the clock used to timestamp peer contact.
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
