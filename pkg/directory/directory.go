// Package directory maintains the set of known peers.
//
// Records are sharded by peer ID so concurrent readers and writers on
// different peers never contend on a single lock. Each shard stores its
// records in a dense slice indexed by ID, which supports O(1) removal and
// uniform random sampling without walking every peer.
package directory

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/andydunstall/mesh/pkg/event"
	"github.com/andydunstall/mesh/pkg/identity"
	"github.com/andydunstall/mesh/pkg/log"
)

const numShards = 64

var (
	// ErrDuplicateOrSelf is returned when registering the local peer or a
	// peer that is already known.
	ErrDuplicateOrSelf = errors.New("duplicate or self")
	// ErrInvalidRecord is returned when registering a malformed record, or
	// a record whose ID is not derived from its public key.
	ErrInvalidRecord = errors.New("invalid record")
)

type shard struct {
	peers []PeerRecord
	index map[string]int

	mu sync.RWMutex
}

func (s *shard) removeLocked(id string) (PeerRecord, bool) {
	i, ok := s.index[id]
	if !ok {
		return PeerRecord{}, false
	}
	rec := s.peers[i]

	last := len(s.peers) - 1
	if i != last {
		s.peers[i] = s.peers[last]
		s.index[s.peers[i].ID] = i
	}
	s.peers[last] = PeerRecord{}
	s.peers = s.peers[:last]
	delete(s.index, id)
	return rec, true
}

type addrShard struct {
	ids map[string]string

	mu sync.RWMutex
}

// Directory is the local view of remote peers.
type Directory struct {
	selfID string

	shards     [numShards]*shard
	addrShards [numShards]*addrShard

	count *atomic.Int64

	validate *validator.Validate

	conf Config

	events  event.Publisher
	now     func() time.Time
	metrics *Metrics
	logger  log.Logger
}

func New(selfID string, conf Config, opts ...Option) *Directory {
	options := options{
		events: event.NewNopPublisher(),
		now:    time.Now,
		logger: log.NewNopLogger(),
	}
	for _, o := range opts {
		o.apply(&options)
	}

	d := &Directory{
		selfID:   selfID,
		count:    atomic.NewInt64(0),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		conf:     conf,
		events:   options.events,
		now:      options.now,
		metrics:  newMetrics(),
		logger:   options.logger.WithSubsystem("directory"),
	}
	for i := range d.shards {
		d.shards[i] = &shard{index: make(map[string]int)}
		d.addrShards[i] = &addrShard{ids: make(map[string]string)}
	}
	return d
}

// SelfID returns the ID of the local peer.
func (d *Directory) SelfID() string {
	return d.selfID
}

// Register adds a new peer. Returns ErrDuplicateOrSelf if the peer is the
// local peer or already known.
//
// The record starts with InitialReputation, regardless of the reputation in
// rec, and is considered seen now unless rec has a LastSeen time.
func (d *Directory) Register(rec PeerRecord) error {
	if rec.ID == d.selfID {
		return ErrDuplicateOrSelf
	}
	rec.Reputation = InitialReputation
	if err := d.validate.Struct(&rec); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	if !identity.Matches(rec.ID, rec.PublicKey) {
		return fmt.Errorf("%w: id does not match public key", ErrInvalidRecord)
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = d.now()
	}

	s := d.shard(rec.ID)
	s.mu.Lock()
	if _, ok := s.index[rec.ID]; ok {
		s.mu.Unlock()
		return ErrDuplicateOrSelf
	}
	s.index[rec.ID] = len(s.peers)
	s.peers = append(s.peers, rec)
	s.mu.Unlock()

	as := d.addrShard(rec.Addr)
	as.mu.Lock()
	as.ids[rec.Addr] = rec.ID
	as.mu.Unlock()

	d.count.Inc()
	d.metrics.Peers.Inc()
	d.metrics.Registered.Inc()

	d.logger.Debug(
		"peer registered",
		zap.String("peer", rec.ID),
		zap.String("addr", rec.Addr),
		zap.String("region", rec.Region),
	)
	d.events.Publish(event.Event{
		Kind: event.KindPeerRegistered,
		Peer: rec.ID,
		Attrs: map[string]any{
			"addr":   rec.Addr,
			"region": rec.Region,
		},
	})
	return nil
}

// Lookup returns the record of the peer with the given ID.
func (d *Directory) Lookup(id string) (PeerRecord, bool) {
	s := d.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return PeerRecord{}, false
	}
	return s.peers[i], true
}

// LookupAddr returns the record of the peer advertising the given address.
func (d *Directory) LookupAddr(addr string) (PeerRecord, bool) {
	as := d.addrShard(addr)
	as.mu.RLock()
	id, ok := as.ids[addr]
	as.mu.RUnlock()
	if !ok {
		return PeerRecord{}, false
	}
	return d.Lookup(id)
}

// Touch marks the peer as seen now. Returns false if the peer is unknown.
func (d *Directory) Touch(id string) bool {
	return d.TouchAt(id, d.now())
}

// TouchAt marks the peer as seen at the given time.
func (d *Directory) TouchAt(id string, now time.Time) bool {
	return d.update(id, func(rec *PeerRecord) {
		if now.After(rec.LastSeen) {
			rec.LastSeen = now
		}
	})
}

// AdjustReputation adds delta to the peer's reputation, clamped to [0, 1],
// and returns the new reputation.
func (d *Directory) AdjustReputation(id string, delta float64) (float64, bool) {
	return d.UpdateReputation(id, func(r float64) float64 {
		return r + delta
	})
}

// UpdateReputation atomically replaces the peer's reputation with f applied
// to the current reputation, clamped to [0, 1].
func (d *Directory) UpdateReputation(id string, f func(float64) float64) (float64, bool) {
	var (
		before, after float64
	)
	ok := d.update(id, func(rec *PeerRecord) {
		before = rec.Reputation
		rec.Reputation = min(1, max(0, f(rec.Reputation)))
		after = rec.Reputation
	})
	if !ok {
		return 0, false
	}

	if before >= MinReputation && after < MinReputation {
		d.metrics.Quarantined.Inc()
		d.logger.Info(
			"peer quarantined",
			zap.String("peer", id),
			zap.Float64("reputation", after),
		)
	}
	return after, true
}

// UpdateLatency folds a new RTT sample into the peer's latency estimate.
func (d *Directory) UpdateLatency(id string, rtt time.Duration) bool {
	alpha := d.conf.LatencyAlpha
	return d.update(id, func(rec *PeerRecord) {
		if rec.Latency == 0 {
			rec.Latency = rtt
			return
		}
		rec.Latency = time.Duration(alpha*float64(rtt) + (1-alpha)*float64(rec.Latency))
	})
}

// PruneStale removes peers not seen within timeout and returns the number
// removed.
func (d *Directory) PruneStale(timeout time.Duration) int {
	return d.PruneStaleAt(d.now(), timeout)
}

func (d *Directory) PruneStaleAt(now time.Time, timeout time.Duration) int {
	var pruned []PeerRecord
	for _, s := range d.shards {
		s.mu.Lock()
		// Iterate backwards as removal swaps the last record into i.
		for i := len(s.peers) - 1; i >= 0; i-- {
			if now.Sub(s.peers[i].LastSeen) > timeout {
				rec, _ := s.removeLocked(s.peers[i].ID)
				pruned = append(pruned, rec)
			}
		}
		s.mu.Unlock()
	}

	for _, rec := range pruned {
		d.removeAddr(rec)
		d.count.Dec()
		d.metrics.Peers.Dec()
		d.metrics.Pruned.Inc()

		d.logger.Debug(
			"peer pruned",
			zap.String("peer", rec.ID),
			zap.Time("last-seen", rec.LastSeen),
		)
		d.events.Publish(event.Event{
			Kind: event.KindPeerPruned,
			Peer: rec.ID,
		})
	}
	return len(pruned)
}

// Remove removes the peer with the given ID.
func (d *Directory) Remove(id string) bool {
	s := d.shard(id)
	s.mu.Lock()
	rec, ok := s.removeLocked(id)
	s.mu.Unlock()
	if !ok {
		return false
	}

	d.removeAddr(rec)
	d.count.Dec()
	d.metrics.Peers.Dec()
	return true
}

// Len returns the number of known peers, excluding the local peer.
func (d *Directory) Len() int {
	return int(d.count.Load())
}

// ReachableAt returns the number of peers seen within window of now.
func (d *Directory) ReachableAt(now time.Time, window time.Duration) int {
	n := 0
	d.each(func(rec *PeerRecord) {
		if rec.Reachable(now, window) {
			n++
		}
	})
	return n
}

// Records returns a copy of every known peer record.
func (d *Directory) Records() []PeerRecord {
	records := make([]PeerRecord, 0, d.Len())
	d.each(func(rec *PeerRecord) {
		records = append(records, *rec)
	})
	return records
}

func (d *Directory) Metrics() *Metrics {
	return d.metrics
}

func (d *Directory) update(id string, f func(rec *PeerRecord)) bool {
	s := d.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return false
	}
	f(&s.peers[i])
	return true
}

// each calls f with each record while holding the record's shard read lock.
func (d *Directory) each(f func(rec *PeerRecord)) {
	for _, s := range d.shards {
		s.mu.RLock()
		for i := range s.peers {
			f(&s.peers[i])
		}
		s.mu.RUnlock()
	}
}

func (d *Directory) removeAddr(rec PeerRecord) {
	as := d.addrShard(rec.Addr)
	as.mu.Lock()
	// The address may have been taken over by a new peer.
	if as.ids[rec.Addr] == rec.ID {
		delete(as.ids, rec.Addr)
	}
	as.mu.Unlock()
}

func (d *Directory) shard(id string) *shard {
	return d.shards[xxhash.Sum64String(id)%numShards]
}

func (d *Directory) addrShard(addr string) *addrShard {
	return d.addrShards[xxhash.Sum64String(addr)%numShards]
}
