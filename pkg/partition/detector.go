// Package partition detects whether the local node can reach a quorum of the
// mesh.
//
// While partitioned the node keeps accepting local writes, though marks them
// provisional until the mesh reconverges after the partition heals.
package partition

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/andydunstall/mesh/pkg/event"
	"github.com/andydunstall/mesh/pkg/log"
	"github.com/andydunstall/mesh/pkg/schedule"
)

type State string

const (
	StateHealthy     State = "healthy"
	StatePartitioned State = "partitioned"
	StateRecovering  State = "recovering"
)

func (s State) metric() float64 {
	switch s {
	case StatePartitioned:
		return 1
	case StateRecovering:
		return 2
	default:
		return 0
	}
}

// Status is the partition status of the local node.
type Status struct {
	State State `json:"state" yaml:"state"`

	// Reachable is the number of peers, including the local peer, heard
	// from within the liveness window at the last check.
	Reachable int `json:"reachable" yaml:"reachable"`

	// Required is the number of reachable peers needed for quorum at the
	// last check.
	Required int `json:"required" yaml:"required"`

	// Since is when the node entered its current state.
	Since time.Time `json:"since" yaml:"since"`
}

// Directory is the subset of the peer directory the detector uses.
type Directory interface {
	Len() int
	ReachableAt(now time.Time, window time.Duration) int
}

// Resyncer is the engine the detector asks to resynchronise after a
// partition heals.
type Resyncer interface {
	RequestResync()
	LastConverged() time.Time
}

// Quorum returns the number of reachable peers required out of n to tolerate
// f = (n - 1) / 3 faulty peers.
func Quorum(n int) int {
	if n <= 0 {
		return 1
	}
	return n - (n-1)/3
}

// Detector tracks the partition status.
//
// The status is only updated by Check.
type Detector struct {
	directory Directory
	resyncer  Resyncer

	status Status
	// known is the number of peers, including the local peer, used to
	// compute the quorum. While not healthy this never decreases, so
	// pruning unreachable peers cannot restore quorum.
	known int
	// recoveryStarted is when the node regained quorum, after which the
	// engine must converge before the node is healthy.
	recoveryStarted time.Time
	mu              sync.Mutex

	// partitioned is read by the engine on every local write so is kept
	// separate to avoid contention on mu.
	partitioned *atomic.Bool

	conf Config

	events  event.Publisher
	now     func() time.Time
	metrics *Metrics
	logger  log.Logger
}

func NewDetector(directory Directory, resyncer Resyncer, conf Config, opts ...Option) *Detector {
	options := options{
		events: event.NewNopPublisher(),
		now:    time.Now,
		logger: log.NewNopLogger(),
	}
	for _, o := range opts {
		o.apply(&options)
	}

	return &Detector{
		directory: directory,
		resyncer:  resyncer,
		status: Status{
			State: StateHealthy,
			Since: options.now(),
		},
		partitioned: atomic.NewBool(false),
		conf:        conf,
		events:      options.events,
		now:         options.now,
		metrics:     newMetrics(),
		logger:      options.logger.WithSubsystem("partition"),
	}
}

// Check evaluates the partition status.
func (d *Detector) Check() Status {
	return d.CheckAt(d.now())
}

// CheckAt evaluates the partition status at the given time.
func (d *Detector) CheckAt(now time.Time) Status {
	reachable := d.directory.ReachableAt(now, d.conf.LivenessWindow) + 1

	d.mu.Lock()

	known := d.directory.Len() + 1
	if d.status.State != StateHealthy {
		known = max(known, d.known)
	}
	d.known = known

	required := d.conf.QuorumSize
	if required == 0 {
		required = Quorum(known)
	}

	prev := d.status.State
	next := prev
	switch {
	case reachable < required:
		next = StatePartitioned
	case prev == StatePartitioned:
		next = StateRecovering
		d.recoveryStarted = now
	case prev == StateRecovering:
		if d.resyncer.LastConverged().After(d.recoveryStarted) {
			next = StateHealthy
		}
	}

	d.status.Reachable = reachable
	d.status.Required = required
	if next != prev {
		d.status.State = next
		d.status.Since = now
	}
	status := d.status

	d.mu.Unlock()

	d.partitioned.Store(status.State == StatePartitioned)

	d.metrics.State.Set(status.State.metric())
	d.metrics.Reachable.Set(float64(reachable))
	d.metrics.Required.Set(float64(required))

	if next != prev {
		d.onTransition(prev, status)
	}
	return status
}

// Status returns the status at the last check.
func (d *Detector) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Partitioned returns whether the node was partitioned at the last check.
func (d *Detector) Partitioned() bool {
	return d.partitioned.Load()
}

// Run checks the partition status at the configured interval until the
// context is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	schedule.Run(ctx, d.conf.CheckInterval, func() {
		d.Check()
	})
	return nil
}

func (d *Detector) Metrics() *Metrics {
	return d.metrics
}

func (d *Detector) onTransition(prev State, status Status) {
	d.metrics.Transitions.WithLabelValues(string(status.State)).Inc()

	attrs := map[string]any{
		"from":      string(prev),
		"reachable": status.Reachable,
		"required":  status.Required,
	}

	switch status.State {
	case StatePartitioned:
		d.logger.Warn(
			"partitioned",
			zap.String("from", string(prev)),
			zap.Int("reachable", status.Reachable),
			zap.Int("required", status.Required),
		)
		d.events.Publish(event.Event{
			Kind:  event.KindPartitioned,
			Attrs: attrs,
		})
	case StateRecovering:
		d.logger.Info(
			"quorum regained; resyncing",
			zap.Int("reachable", status.Reachable),
			zap.Int("required", status.Required),
		)
		// Called without holding mu as the engine may read Partitioned.
		d.resyncer.RequestResync()
	case StateHealthy:
		d.logger.Info(
			"recovered",
			zap.Int("reachable", status.Reachable),
			zap.Int("required", status.Required),
		)
		d.events.Publish(event.Event{
			Kind:  event.KindRecovered,
			Attrs: attrs,
		})
	}
}
