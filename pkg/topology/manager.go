// Package topology measures latency to peers and chooses the preferred gossip
// partners from them.
//
// Rebalancing only changes how likely each peer is to be selected. It never
// removes peers from the directory, so a peer whose probes keep timing out
// has its selection probability decay towards zero until it replies again.
package topology

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andydunstall/mesh/pkg/directory"
	"github.com/andydunstall/mesh/pkg/event"
	"github.com/andydunstall/mesh/pkg/log"
	"github.com/andydunstall/mesh/pkg/schedule"
)

const (
	// detectorSampleSize is the number of arrival intervals used to compute
	// a peer's suspicion level.
	detectorSampleSize = 50

	// detectorMinMean is the shortest mean arrival interval the failure
	// detector assumes, around the default gossip interval.
	detectorMinMean = time.Second
)

// Directory is the subset of the peer directory the manager uses.
type Directory interface {
	Lookup(id string) (directory.PeerRecord, bool)
	SampleRandom(k int) []directory.PeerRecord
	SampleRandomWhere(k int, pred func(rec *directory.PeerRecord) bool) []directory.PeerRecord
	SampleNearest(k int) []directory.PeerRecord
	SampleHybrid(k int) []directory.PeerRecord
	UpdateLatency(id string, rtt time.Duration) bool
}

var _ Directory = (*directory.Directory)(nil)

// Assignment is the set of preferred gossip partners.
type Assignment struct {
	Partners   []string  `json:"partners" yaml:"partners"`
	Strategy   Strategy  `json:"strategy" yaml:"strategy"`
	ComputedAt time.Time `json:"computed_at" yaml:"computed_at"`
}

// Manager maintains the preferred gossip partners.
type Manager struct {
	directory Directory
	prober    Prober
	detector  *failureDetector

	assignment Assignment
	mu         sync.RWMutex

	conf Config

	events  event.Publisher
	now     func() time.Time
	metrics *Metrics
	logger  log.Logger
}

func NewManager(directory Directory, prober Prober, conf Config, opts ...Option) *Manager {
	options := options{
		events: event.NewNopPublisher(),
		now:    time.Now,
		logger: log.NewNopLogger(),
	}
	for _, o := range opts {
		o.apply(&options)
	}

	return &Manager{
		directory: directory,
		prober:    prober,
		detector:  newFailureDetector(conf.RebalanceInterval*2, detectorMinMean, detectorSampleSize),
		assignment: Assignment{
			Strategy: conf.Strategy,
		},
		conf:    conf,
		events:  options.events,
		now:     options.now,
		metrics: newMetrics(),
		logger:  options.logger.WithSubsystem("topology"),
	}
}

// Observe records a message arrived from the peer.
func (m *Manager) Observe(peerID string) {
	m.detector.ReportAt(peerID, m.now())
}

// Rebalance probes a random sample of peers to update their latency
// estimates and recomputes the preferred partners.
//
// Probe failures are expected so are not returned. Returns an error only if
// the context is cancelled.
func (m *Manager) Rebalance(ctx context.Context) error {
	sample := m.directory.SampleRandom(m.conf.ProbeCount)

	replied := atomic.NewInt64(0)
	g, gctx := errgroup.WithContext(ctx)
	for _, rec := range sample {
		g.Go(func() error {
			if m.probe(gctx, rec) {
				replied.Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	// Discard the failure detector state of pruned peers.
	m.detector.Retain(func(id string) bool {
		_, ok := m.directory.Lookup(id)
		return ok
	})

	var preferred []directory.PeerRecord
	switch m.conf.Strategy {
	case StrategyRandom:
		preferred = m.directory.SampleRandom(m.conf.AssignmentSize)
	case StrategyNearest:
		preferred = m.directory.SampleNearest(m.conf.AssignmentSize)
	default:
		preferred = m.directory.SampleHybrid(m.conf.AssignmentSize)
	}

	assignment := Assignment{
		Partners:   make([]string, 0, len(preferred)),
		Strategy:   m.conf.Strategy,
		ComputedAt: m.now(),
	}
	for _, rec := range preferred {
		assignment.Partners = append(assignment.Partners, rec.ID)
	}

	m.mu.Lock()
	m.assignment = assignment
	m.mu.Unlock()

	m.metrics.Rebalances.Inc()
	m.metrics.PreferredPartners.Set(float64(len(assignment.Partners)))

	m.logger.Debug(
		"rebalanced",
		zap.String("strategy", string(assignment.Strategy)),
		zap.Int("partners", len(assignment.Partners)),
		zap.Int("probed", len(sample)),
		zap.Int64("replied", replied.Load()),
	)
	m.events.Publish(event.Event{
		Kind: event.KindRebalanced,
		Attrs: map[string]any{
			"strategy": string(assignment.Strategy),
			"partners": len(assignment.Partners),
			"probed":   len(sample),
			"replied":  replied.Load(),
		},
	})
	return nil
}

// Run rebalances at the configured interval until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	_ = m.Rebalance(ctx)
	schedule.Run(ctx, m.conf.RebalanceInterval, func() {
		_ = m.Rebalance(ctx)
	})
	return nil
}

// Assignment returns the current preferred partners.
func (m *Manager) Assignment() Assignment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	assignment := m.assignment
	assignment.Partners = append([]string(nil), m.assignment.Partners...)
	return assignment
}

// Weight returns the probability the peer is selected when preferred, based
// on its suspicion level.
func (m *Manager) Weight(peerID string) float64 {
	return weight(m.detector.SuspicionLevelAt(peerID, m.now()))
}

// Partners returns up to k gossip partners.
func (m *Manager) Partners(k int) []directory.PeerRecord {
	return m.PartnersWhere(k, nil)
}

// PartnersWhere returns up to k gossip partners matching pred. A nil pred
// matches every peer.
//
// Partners are drawn from the preferred partners in a random order, skipping
// peers that are no longer eligible, and accepting each with probability
// Weight. Any remaining partners are sampled at random.
func (m *Manager) PartnersWhere(k int, pred func(rec *directory.PeerRecord) bool) []directory.PeerRecord {
	if k <= 0 {
		return nil
	}

	m.mu.RLock()
	preferred := m.assignment.Partners
	m.mu.RUnlock()

	now := m.now()
	accept := func(rec *directory.PeerRecord) bool {
		if pred != nil && !pred(rec) {
			return false
		}
		return rand.Float64() < weight(m.detector.SuspicionLevelAt(rec.ID, now))
	}

	partners := make([]directory.PeerRecord, 0, k)
	selected := make(map[string]struct{}, k)
	for _, i := range rand.Perm(len(preferred)) {
		if len(partners) == k {
			break
		}
		rec, ok := m.directory.Lookup(preferred[i])
		if !ok || !rec.Eligible() || !accept(&rec) {
			continue
		}
		partners = append(partners, rec)
		selected[rec.ID] = struct{}{}
	}

	if len(partners) < k {
		partners = append(partners, m.directory.SampleRandomWhere(
			k-len(partners),
			func(rec *directory.PeerRecord) bool {
				if _, ok := selected[rec.ID]; ok {
					return false
				}
				return accept(rec)
			},
		)...)
	}
	return partners
}

func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// probe measures the latency to the peer, returning whether it replied.
func (m *Manager) probe(ctx context.Context, rec directory.PeerRecord) bool {
	m.detector.WatchAt(rec.ID, m.now())

	ctx, cancel := context.WithTimeout(ctx, m.conf.ProbeTimeout)
	defer cancel()

	rtt, err := m.prober.Probe(ctx, rec)
	if err != nil {
		result := "error"
		if ctx.Err() != nil {
			result = "timeout"
		}
		m.metrics.Probes.WithLabelValues(result).Inc()
		m.logger.Debug(
			"probe failed",
			zap.String("peer", rec.ID),
			zap.Error(err),
		)
		return false
	}

	m.metrics.Probes.WithLabelValues("ok").Inc()
	m.metrics.ProbeRTT.Observe(rtt.Seconds())
	m.directory.UpdateLatency(rec.ID, rtt)
	m.detector.ReportAt(rec.ID, m.now())
	return true
}

// weight maps a suspicion level to a selection probability, which is 1 until
// phi reaches 1 then decays towards 0.
func weight(phi float64) float64 {
	return 1 / (1 + max(0, phi-1))
}
