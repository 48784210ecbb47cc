package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/andydunstall/mesh/pkg/log"
)

const (
	// historySize is the number of recent events kept for inspection.
	historySize = 256
)

type subscriber struct {
	ch chan Event
}

// Bus fans out published events to subscribers. Publishing never blocks: if a
// subscriber's buffer is full the event is dropped for that subscriber.
type Bus struct {
	subscribers map[*subscriber]struct{}

	// history is a ring buffer of the most recent events.
	history []Event
	next    int

	mu sync.Mutex

	metrics *Metrics

	logger log.Logger
}

func NewBus(logger log.Logger) *Bus {
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
		history:     make([]Event, 0, historySize),
		metrics:     newMetrics(),
		logger:      logger.WithSubsystem("event"),
	}
}

// Publish assigns the event an ID and timestamp if missing then delivers it
// to all subscribers.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.history) < historySize {
		b.history = append(b.history, e)
	} else {
		b.history[b.next] = e
	}
	b.next = (b.next + 1) % historySize

	b.metrics.Published.With(prometheus.Labels{"kind": string(e.Kind)}).Inc()

	for sub := range b.subscribers {
		select {
		case sub.ch <- e:
		default:
			b.metrics.Dropped.Inc()
			b.logger.Debug("subscriber full; dropping event", zap.String("kind", string(e.Kind)))
		}
	}
}

// Subscribe returns a channel receiving events published after the call, and
// a function that unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Recent returns up to n of the most recent events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ordered []Event
	if len(b.history) < historySize {
		ordered = append(ordered, b.history...)
	} else {
		ordered = append(ordered, b.history[b.next:]...)
		ordered = append(ordered, b.history[:b.next]...)
	}
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

func (b *Bus) Metrics() *Metrics {
	return b.metrics
}

var _ Publisher = &Bus{}
