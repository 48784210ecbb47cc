package gossip

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/andydunstall/mesh/pkg/crdt"
	"github.com/andydunstall/mesh/pkg/directory"
	"github.com/andydunstall/mesh/pkg/event"
	"github.com/andydunstall/mesh/pkg/log"
	"github.com/andydunstall/mesh/pkg/schedule"
	"github.com/andydunstall/mesh/pkg/validator"
	"github.com/andydunstall/mesh/pkg/wire"
)

var (
	// ErrUnsupportedMessage is returned when handling a message of the wrong
	// type or tier.
	ErrUnsupportedMessage = errors.New("unsupported message")

	// ErrTooLarge is returned when an update cannot be split into
	// contributions that fit in a packet.
	ErrTooLarge = errors.New("update too large")
)

// PartnerSelector selects the peers to gossip with each round.
type PartnerSelector interface {
	Partners(k int) []directory.PeerRecord
}

type PartnerSelectorFunc func(k int) []directory.PeerRecord

func (f PartnerSelectorFunc) Partners(k int) []directory.PeerRecord {
	return f(k)
}

type Sender interface {
	Send(ctx context.Context, addr string, b []byte) error
}

// WriteGate reports whether the mesh is partitioned, in which case local
// updates are provisional.
type WriteGate interface {
	Partitioned() bool
}

// Penalizer records misbehaviour by a peer detected after its message was
// authenticated.
type Penalizer interface {
	Penalize(peerID string, reason error)
}

var _ Penalizer = &validator.Validator{}

// Exchanger shares known peers with partners.
//
// Sample and Learn are called without any engine locks held.
type Exchanger interface {
	// Sample returns up to k known peers to attach to a push.
	Sample(k int) []wire.PeerInfo
	// Learn is called with the peers attached to a push received from the
	// peer with the given ID.
	Learn(from string, peers []wire.PeerInfo)
}

type UpdateResult struct {
	// Counter is the local replica's counter assigned to the update.
	Counter uint64
	// Digest is the digest of the payload after applying the update.
	Digest crdt.Digest
	// Provisional is true if the update was made while partitioned.
	Provisional bool
}

// RoundStats summarises a single gossip round. Received, Merged and Rejected
// count the activity since the previous round.
type RoundStats struct {
	Round             uint64        `json:"round" yaml:"round"`
	Partners          int           `json:"partners" yaml:"partners"`
	Sent              int           `json:"sent" yaml:"sent"`
	Received          int64         `json:"received" yaml:"received"`
	Merged            int64         `json:"merged" yaml:"merged"`
	Rejected          int64         `json:"rejected" yaml:"rejected"`
	Duration          time.Duration `json:"duration" yaml:"duration"`
	Converged         bool          `json:"converged" yaml:"converged"`
	GloballyConverged bool          `json:"globally_converged" yaml:"globally_converged"`
}

// observation is the latest state advertised by a peer.
type observation struct {
	addr      string
	vv        map[string]uint64
	digest    crdt.Digest
	converged bool
	seen      time.Time

	// complete is false if vv was built from truncated version vectors, so
	// replicas without an entry are unknown.
	complete bool

	// pullDeadline is the time after which an unanswered pull to the peer
	// may be retried. Zero if there is no outstanding pull.
	pullDeadline time.Time
}

type outbound struct {
	addr          string
	typ           wire.MessageType
	header        *header
	vv            []versionEntry
	contributions []*Contribution
}

// Engine converges the payload of a single tier.
type Engine struct {
	tier        string
	self        Identity
	incarnation string
	replica     string

	// maxData is the largest contribution data that always fits in a
	// packet.
	maxData int

	state *versionedState
	// peers contains the latest observation of each peer, keyed by peer ID.
	peers map[string]*observation

	converged         bool
	globallyConverged bool
	convergedDigest   crdt.Digest
	lastConverged     time.Time

	// mu protects the above fields.
	mu sync.Mutex

	selector PartnerSelector
	sender   Sender

	resync   *atomic.Bool
	resyncCh chan struct{}

	received *atomic.Int64
	merged   *atomic.Int64
	rejected *atomic.Int64

	conf Config

	gate      WriteGate
	penalizer Penalizer
	exchanger Exchanger
	events    event.Publisher
	now       func() time.Time
	metrics   *Metrics
	logger    log.Logger
}

func New(
	tier string,
	self Identity,
	typ crdt.Type,
	selector PartnerSelector,
	sender Sender,
	conf Config,
	opts ...Option,
) (*Engine, error) {
	options := options{
		events: event.NewNopPublisher(),
		now:    time.Now,
		logger: log.NewNopLogger(),
	}
	for _, o := range opts {
		o.apply(&options)
	}

	state, err := newVersionedState(typ)
	if err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}

	// A new incarnation each start means counters never need persisting.
	incarnation := uuid.NewString()[:8]

	maxData, err := maxContributionData(tier, self, incarnation, conf.MaxPacketSize)
	if err != nil {
		return nil, err
	}

	return &Engine{
		tier:        tier,
		self:        self,
		incarnation: incarnation,
		replica:     replicaKey(self.ID(), incarnation),
		maxData:     maxData,
		state:       state,
		peers:       make(map[string]*observation),
		selector:    selector,
		sender:      sender,
		resync:      atomic.NewBool(false),
		resyncCh:    make(chan struct{}, 1),
		received:    atomic.NewInt64(0),
		merged:      atomic.NewInt64(0),
		rejected:    atomic.NewInt64(0),
		conf:        conf,
		gate:        options.gate,
		penalizer:   options.penalizer,
		exchanger:   options.exchanger,
		events:      options.events,
		now:         options.now,
		metrics:     newMetrics(tier),
		logger: options.logger.WithSubsystem("gossip").With(
			zap.String("tier", tier),
		),
	}, nil
}

func (e *Engine) Tier() string {
	return e.tier
}

// Update merges a local delta into the payload as a new contribution signed
// by the local peer. A delta too large to fit in a packet is split into
// several contributions if the payload implements crdt.Splitter.
func (e *Engine) Update(delta crdt.Payload) (UpdateResult, error) {
	parts, err := e.split(delta)
	if err != nil {
		return UpdateResult{}, err
	}
	provisional := e.gate != nil && e.gate.Partitioned()

	e.mu.Lock()
	defer e.mu.Unlock()

	merged, err := e.state.payload.Merge(delta)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("merge: %w", err)
	}
	digest, err := crdt.DigestOf(merged)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("digest: %w", err)
	}

	var counter uint64
	for _, data := range parts {
		counter = e.state.vv[e.replica] + 1
		c := newContribution(e.self, e.tier, e.incarnation, counter, counter, data)
		e.state.Commit(c, merged, digest)
	}
	if provisional {
		e.state.provisional = true
	}

	if len(e.state.Contributions(e.replica)) > e.conf.CompactThreshold {
		if err := e.state.Compact(e.replica, e.maxData, func(first, counter uint64, data []byte) *Contribution {
			return newContribution(e.self, e.tier, e.incarnation, first, counter, data)
		}); err != nil {
			// The update is already applied so only log.
			e.logger.Warn("failed to compact contributions", zap.Error(err))
		}
	}
	e.metrics.Contributions.Set(float64(e.state.LogLen()))

	return UpdateResult{
		Counter:     counter,
		Digest:      digest,
		Provisional: provisional,
	}, nil
}

// split encodes the delta as contribution data no larger than maxData.
func (e *Engine) split(delta crdt.Payload) ([][]byte, error) {
	data, err := delta.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	if len(data) <= e.maxData {
		return [][]byte{data}, nil
	}
	splitter, ok := delta.(crdt.Splitter)
	if !ok {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(data), e.maxData)
	}

	for n := len(data)/e.maxData + 1; ; n *= 2 {
		parts := splitter.Split(n)
		encoded := make([][]byte, 0, len(parts))
		for _, p := range parts {
			b, err := p.MarshalBinary()
			if err != nil {
				return nil, fmt.Errorf("marshal: %w", err)
			}
			if len(b) > e.maxData {
				break
			}
			encoded = append(encoded, b)
		}
		if len(encoded) == len(parts) {
			e.logger.Debug(
				"split update",
				zap.Int("size", len(data)),
				zap.Int("contributions", len(encoded)),
			)
			return encoded, nil
		}
		if len(parts) < n {
			// Each part is a single element so cannot be split further.
			return nil, fmt.Errorf("%w: element exceeds %d bytes", ErrTooLarge, e.maxData)
		}
	}
}

// CurrentState returns a snapshot of the local state.
func (e *Engine) CurrentState() VersionedState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state.Snapshot()
}

func (e *Engine) Digest() crdt.Digest {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state.digest
}

// LastConverged returns the last time the local digest matched every sampled
// peer digest.
func (e *Engine) LastConverged() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.lastConverged
}

// RequestResync schedules an immediate round that pushes to and pulls from
// ResyncFanout partners.
func (e *Engine) RequestResync() {
	e.resync.Store(true)
	select {
	case e.resyncCh <- struct{}{}:
	default:
	}
}

// Run gossips at the configured interval until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info(
		"starting gossip",
		zap.String("replica", e.replica),
		zap.Duration("interval", e.conf.Interval),
		zap.Int("fanout", e.conf.Fanout),
	)

	e.scheduleFunc(ctx, e.conf.Interval, func() {
		e.Round(ctx)
	})
	return nil
}

// scheduleFunc calls f every interval, and immediately whenever a resync is
// requested.
func (e *Engine) scheduleFunc(ctx context.Context, interval time.Duration, f func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case <-time.After(schedule.Jitter(interval)):
				f()
			case <-ctx.Done():
				return
			}
		case <-e.resyncCh:
			f()
		case <-ctx.Done():
			return
		}
	}
}

// Round runs a single round of gossip.
func (e *Engine) Round(ctx context.Context) RoundStats {
	start := e.now()
	resync := e.resync.Swap(false)

	fanout := e.conf.Fanout
	if resync {
		fanout = max(fanout, e.conf.ResyncFanout)
	}
	partners := e.selector.Partners(fanout)

	var peers []wire.PeerInfo
	if e.exchanger != nil && e.conf.PeerExchange > 0 {
		peers = e.exchanger.Sample(e.conf.PeerExchange)
	}

	e.mu.Lock()
	e.state.round++
	round := e.state.round
	e.expireLocked(start)

	push := e.headerLocked()
	push.Peers = peers
	entries := e.state.Entries(nil)

	var out []outbound
	selected := make(map[string]struct{}, len(partners))
	for _, p := range partners {
		if p.ID == e.self.ID() {
			continue
		}
		selected[p.ID] = struct{}{}

		obs := e.peers[p.ID]
		var delta []*Contribution
		if obs != nil {
			delta = e.state.Delta(obs.vv, obs.complete)
		} else {
			delta = e.state.Delta(nil, true)
		}
		out = append(out, outbound{
			addr:          p.Addr,
			typ:           wire.TypePush,
			header:        push,
			vv:            entries,
			contributions: delta,
		})
		if resync {
			out = append(out, e.pullLocked(p.Addr, obs, start))
		}
	}

	// Retry pulls from peers that advertised contributions that are still
	// missing.
	retries := 0
	for id, obs := range e.peers {
		if retries >= e.conf.Fanout {
			break
		}
		if _, ok := selected[id]; ok && resync {
			continue
		}
		if !e.state.Missing(obs.vv) || start.Before(obs.pullDeadline) {
			continue
		}
		out = append(out, e.pullLocked(obs.addr, obs, start))
		retries++
	}
	e.mu.Unlock()

	sent := e.send(ctx, out)

	now := e.now()
	e.mu.Lock()
	converged, global := e.checkConvergenceLocked(now)
	digest := e.state.digest
	becameConverged := converged && (!e.converged || e.convergedDigest != digest)
	becameGlobal := global && (!e.globallyConverged || e.convergedDigest != digest)
	e.converged = converged
	e.globallyConverged = global
	if converged {
		e.convergedDigest = digest
		e.lastConverged = now
		// Provisional updates are reconciled once the mesh converges after
		// the partition heals.
		if e.state.provisional && (e.gate == nil || !e.gate.Partitioned()) {
			e.state.provisional = false
		}
	}
	e.mu.Unlock()

	stats := RoundStats{
		Round:             round,
		Partners:          len(partners),
		Sent:              sent,
		Received:          e.received.Swap(0),
		Merged:            e.merged.Swap(0),
		Rejected:          e.rejected.Swap(0),
		Duration:          now.Sub(start),
		Converged:         converged,
		GloballyConverged: global,
	}

	e.metrics.Rounds.Inc()
	e.metrics.RoundDuration.Observe(stats.Duration.Seconds())
	switch {
	case global:
		e.metrics.Converged.Set(2)
	case converged:
		e.metrics.Converged.Set(1)
	default:
		e.metrics.Converged.Set(0)
	}

	e.events.Publish(event.Event{
		Kind: event.KindRoundCompleted,
		Tier: e.tier,
		Attrs: map[string]any{
			"round":    stats.Round,
			"partners": stats.Partners,
			"sent":     stats.Sent,
			"received": stats.Received,
			"merged":   stats.Merged,
			"rejected": stats.Rejected,
			"duration": stats.Duration.String(),
			"digest":   digest.Short(),
		},
	})
	if becameConverged || becameGlobal {
		e.logger.Debug(
			"converged",
			zap.Uint64("round", round),
			zap.String("digest", digest.Short()),
			zap.Bool("global", global),
		)
		e.events.Publish(event.Event{
			Kind: event.KindConverged,
			Tier: e.tier,
			Attrs: map[string]any{
				"round":  round,
				"digest": digest.String(),
				"global": global,
			},
		})
	}

	return stats
}

// Handle processes an authenticated push, pull or delta message.
func (e *Engine) Handle(ctx context.Context, msg *validator.AuthenticatedMessage) error {
	if msg.Tier != e.tier {
		return fmt.Errorf("%w: tier: %q", ErrUnsupportedMessage, msg.Tier)
	}
	switch msg.Type {
	case wire.TypePush, wire.TypePull, wire.TypeDelta:
	default:
		return fmt.Errorf("%w: type: %s", ErrUnsupportedMessage, msg.Type)
	}

	e.received.Inc()
	e.metrics.MessagesInbound.WithLabelValues(msg.Type.String()).Inc()

	h, contributions, err := decodeMessage(msg.Body)
	if err != nil {
		e.penalize(msg.From, fmt.Errorf("%w: %w", validator.ErrMalformed, err))
		return fmt.Errorf("%s: %w", msg.Type, err)
	}

	verified := e.verify(msg.From, contributions)

	now := e.now()
	e.mu.Lock()
	var merged int64
	for _, c := range verified {
		changed, err := e.state.Apply(c)
		if err != nil {
			e.rejected.Inc()
			e.metrics.ContributionsRejected.Inc()
			e.logger.Debug(
				"failed to apply contribution",
				zap.String("origin", c.Origin),
				zap.Uint64("counter", c.Counter),
				zap.Error(err),
			)
			continue
		}
		if changed {
			merged++
		}
	}

	remote := h.versionVector()
	obs := e.observeLocked(msg.From, msg.Addr, h, remote, now)

	var out []outbound
	switch msg.Type {
	case wire.TypePush:
		if delta := e.state.Delta(remote, !h.Truncated); len(delta) > 0 {
			out = append(out, outbound{
				addr:          msg.Addr,
				typ:           wire.TypeDelta,
				header:        e.headerLocked(),
				vv:            e.state.Entries(nil),
				contributions: delta,
			})
		}
		if e.state.Missing(remote) && !now.Before(obs.pullDeadline) {
			out = append(out, e.pullLocked(msg.Addr, obs, now))
		}
	case wire.TypePull:
		out = append(out, outbound{
			addr:          msg.Addr,
			typ:           wire.TypeDelta,
			header:        e.headerLocked(),
			vv:            e.state.Entries(nil),
			contributions: e.state.Delta(remote, !h.Truncated),
		})
	case wire.TypeDelta:
		obs.pullDeadline = time.Time{}
		// The delta may have been truncated to fit in a packet.
		if merged > 0 && e.state.Missing(remote) {
			out = append(out, e.pullLocked(msg.Addr, obs, now))
		}
	}
	e.metrics.Contributions.Set(float64(e.state.LogLen()))
	e.mu.Unlock()

	if merged > 0 {
		e.merged.Add(merged)
		e.metrics.ContributionsMerged.Add(float64(merged))
	}

	e.send(ctx, out)

	if msg.Type == wire.TypePush && e.exchanger != nil && len(h.Peers) > 0 {
		e.exchanger.Learn(msg.From, h.Peers)
	}
	return nil
}

func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// verify returns the contributions that would change the local state and
// are signed by their origin. A peer relaying an invalid contribution is
// penalized.
func (e *Engine) verify(from string, contributions []*Contribution) []*Contribution {
	// Check which contributions are needed first as verifying signatures is
	// expensive, and do so without holding the lock.
	e.mu.Lock()
	var candidates []*Contribution
	for _, c := range contributions {
		if e.state.Classify(c) == actionSkip {
			continue
		}
		if len(c.Data) > e.maxData {
			// Never fits in a packet so could not be relayed, such as from
			// a peer with a larger max packet size.
			e.rejected.Inc()
			e.metrics.ContributionsRejected.Inc()
			e.logger.Warn(
				"contribution too large",
				zap.String("origin", c.Origin),
				zap.Uint64("counter", c.Counter),
				zap.Int("size", len(c.Data)),
			)
			continue
		}
		candidates = append(candidates, c)
	}
	e.mu.Unlock()

	verified := candidates[:0]
	var invalid error
	for _, c := range candidates {
		if err := c.Verify(e.tier); err != nil {
			invalid = err
			e.rejected.Inc()
			e.metrics.ContributionsRejected.Inc()
			e.logger.Debug(
				"invalid contribution",
				zap.String("from", from),
				zap.String("origin", c.Origin),
				zap.Uint64("counter", c.Counter),
				zap.Error(err),
			)
			continue
		}
		verified = append(verified, c)
	}
	if invalid != nil {
		e.penalize(from, fmt.Errorf("%w: %w", validator.ErrBadSignature, invalid))
	}
	return verified
}

func (e *Engine) penalize(peerID string, reason error) {
	if e.penalizer != nil {
		e.penalizer.Penalize(peerID, reason)
	}
}

func (e *Engine) send(ctx context.Context, out []outbound) int {
	limit := e.conf.MaxPacketSize - wire.Overhead(e.tier, e.self.ID())
	sent := 0
	for _, o := range out {
		if err := e.sendMessage(ctx, o, limit); err != nil {
			// Network errors are expected and retried next round.
			e.logger.Debug(
				"failed to send message",
				zap.String("addr", o.addr),
				zap.String("type", o.typ.String()),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

func (e *Engine) sendMessage(ctx context.Context, o outbound, limit int) error {
	body, included, err := encodeMessage(o.header, o.vv, o.contributions, limit)
	if err != nil {
		return err
	}
	if included < len(o.contributions) {
		e.logger.Debug(
			"message truncated",
			zap.String("addr", o.addr),
			zap.Int("included", included),
			zap.Int("contributions", len(o.contributions)),
		)
	}

	b, err := wire.Seal(e.self, o.typ, e.tier, body, e.now())
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.conf.SendTimeout)
	defer cancel()
	if err := e.sender.Send(ctx, o.addr, b); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	e.metrics.MessagesOutbound.WithLabelValues(o.typ.String()).Inc()
	return nil
}

// headerLocked returns a header describing the local state. The version
// vector entries are added to each outbound message separately.
func (e *Engine) headerLocked() *header {
	return &header{
		Digest:    e.state.digest,
		Converged: e.converged,
	}
}

// pullLocked returns a pull to the peer. Entries for the replicas the peer
// is known to be ahead on are sent first, so a truncated version vector
// still requests them.
func (e *Engine) pullLocked(addr string, obs *observation, now time.Time) outbound {
	var remote map[string]uint64
	if obs != nil {
		obs.pullDeadline = now.Add(e.conf.PullTimeout)
		remote = obs.vv
	}
	return outbound{
		addr:   addr,
		typ:    wire.TypePull,
		header: e.headerLocked(),
		vv:     e.state.Entries(remote),
	}
}

func (e *Engine) observeLocked(
	peerID, addr string,
	h *header,
	remote map[string]uint64,
	now time.Time,
) *observation {
	obs, ok := e.peers[peerID]
	if !ok {
		obs = &observation{vv: make(map[string]uint64)}
		e.peers[peerID] = obs
	}
	if addr != "" {
		obs.addr = addr
	}
	if h.Truncated {
		// Accumulate the sampled entries, which only ever grow.
		for replica, counter := range remote {
			obs.vv[replica] = max(obs.vv[replica], counter)
		}
		obs.complete = false
	} else {
		obs.vv = remote
		obs.complete = true
	}
	obs.digest = h.Digest
	obs.converged = h.Converged
	obs.seen = now
	return obs
}

// expireLocked discards observations of peers that have not been heard from
// recently.
func (e *Engine) expireLocked(now time.Time) {
	expiry := e.conf.Interval * 10
	for id, obs := range e.peers {
		if now.Sub(obs.seen) > expiry {
			delete(e.peers, id)
		}
	}
}

// checkConvergenceLocked compares the local digest with a sample of recently
// observed peer digests.
//
// The local state is converged if every sampled digest matches, and the mesh
// is globally converged if in addition at least GlobalQuorum of the sampled
// peers report they are also converged.
func (e *Engine) checkConvergenceLocked(now time.Time) (bool, bool) {
	window := e.conf.Interval * 3
	var fresh []*observation
	for _, obs := range e.peers {
		if now.Sub(obs.seen) <= window {
			fresh = append(fresh, obs)
		}
	}
	if len(fresh) == 0 {
		return false, false
	}

	rand.Shuffle(len(fresh), func(i, j int) {
		fresh[i], fresh[j] = fresh[j], fresh[i]
	})
	if len(fresh) > e.conf.ConvergenceSample {
		fresh = fresh[:e.conf.ConvergenceSample]
	}

	agree := 0
	for _, obs := range fresh {
		if obs.digest != e.state.digest {
			return false, false
		}
		if obs.converged {
			agree++
		}
	}
	return true, float64(agree) >= e.conf.GlobalQuorum*float64(len(fresh))
}

// maxContributionData returns the largest contribution data from the local
// replica that always fits in a packet.
func maxContributionData(tier string, self Identity, incarnation string, maxPacketSize int) (int, error) {
	limit := maxPacketSize - wire.Overhead(tier, self.ID())
	overhead, err := wire.Size(&Contribution{
		Origin:      self.ID(),
		Incarnation: incarnation,
		Key:         self.PublicKey(),
		First:       math.MaxUint64,
		Counter:     math.MaxUint64,
		Signature:   make([]byte, ed25519.SignatureSize),
	})
	if err != nil {
		return 0, fmt.Errorf("contribution size: %w", err)
	}
	// Data is encoded with up to a 5 byte length prefix.
	maxData := maxContributionSize(limit) - overhead - 5
	if maxData <= 0 {
		return 0, fmt.Errorf("max packet size too small: %d", maxPacketSize)
	}
	return maxData, nil
}
