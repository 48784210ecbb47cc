// Package validator authenticates every inbound message before it reaches
// the directory or a convergence engine.
//
// A message is rejected if it is malformed, its sender is unknown, its
// signature does not verify against the sender's key, or its timestamp is
// outside the freshness window. Each rejection lowers the reputation of the
// peer that actually sent it, identified by the source address, and repeated
// rejections quarantine the peer.
package validator

import (
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/andydunstall/mesh/pkg/directory"
	"github.com/andydunstall/mesh/pkg/event"
	"github.com/andydunstall/mesh/pkg/identity"
	"github.com/andydunstall/mesh/pkg/log"
	"github.com/andydunstall/mesh/pkg/wire"
)

// Directory is the subset of the peer directory the validator uses.
type Directory interface {
	Lookup(id string) (directory.PeerRecord, bool)
	LookupAddr(addr string) (directory.PeerRecord, bool)
	UpdateReputation(id string, f func(float64) float64) (float64, bool)
	TouchAt(id string, now time.Time) bool
}

var _ Directory = &directory.Directory{}

// AuthenticatedMessage is a message whose sender and freshness have been
// verified. The signature and timestamp are stripped.
type AuthenticatedMessage struct {
	Type wire.MessageType
	Tier string
	From string
	// Addr is the transport address the message was received from.
	Addr string
	Body []byte
	// PublicKey is the verified key of the sender.
	PublicKey ed25519.PublicKey
	// Known is false if the sender is not in the directory. Only join
	// messages, which carry their own key, are accepted from unknown peers.
	Known bool
}

// maxStreaks is the number of tracked streaks above which expired streaks
// are removed.
const maxStreaks = 1024

// streak tracks consecutive rejections of a peer.
type streak struct {
	count int
	first time.Time
}

type Validator struct {
	directory Directory

	// sigCache maps verified signatures to the hash of the bytes they
	// signed.
	sigCache *lru.ARCCache

	streaks map[string]*streak
	mu      sync.Mutex

	conf Config

	events  event.Publisher
	now     func() time.Time
	metrics *Metrics
	logger  log.Logger
}

func New(directory Directory, conf Config, opts ...Option) (*Validator, error) {
	options := options{
		events: event.NewNopPublisher(),
		now:    time.Now,
		logger: log.NewNopLogger(),
	}
	for _, o := range opts {
		o.apply(&options)
	}

	sigCache, err := lru.NewARC(conf.SignatureCacheSize)
	if err != nil {
		return nil, fmt.Errorf("signature cache: %w", err)
	}

	return &Validator{
		directory: directory,
		sigCache:  sigCache,
		streaks:   make(map[string]*streak),
		conf:      conf,
		events:    options.events,
		now:       options.now,
		metrics:   newMetrics(),
		logger:    options.logger.WithSubsystem("validator"),
	}, nil
}

// Validate authenticates the message b received from transport address addr.
//
// On success the sender is marked as seen and its reputation rewarded. On
// failure returns a *RejectError, matching one of ErrMalformed,
// ErrUnknownSender, ErrBadSignature or ErrStaleOrFuture, and penalises the
// actual sender.
func (v *Validator) Validate(addr string, b []byte) (*AuthenticatedMessage, error) {
	now := v.now()

	env, err := wire.Decode(b)
	if err != nil {
		return nil, v.reject(&RejectError{
			Reason: fmt.Errorf("%w: %w", ErrMalformed, err),
			Addr:   addr,
		}, now)
	}

	pub, known, err := v.senderKey(env)
	if err != nil {
		return nil, v.reject(&RejectError{
			Reason: err,
			PeerID: env.From,
			Addr:   addr,
			Type:   env.Type,
		}, now)
	}

	if !v.verify(env, pub) {
		return nil, v.reject(&RejectError{
			Reason: ErrBadSignature,
			PeerID: env.From,
			Addr:   addr,
			Type:   env.Type,
		}, now)
	}

	if now.Sub(env.Timestamp) > v.conf.MaxAge || env.Timestamp.Sub(now) > v.conf.MaxSkew {
		return nil, v.reject(&RejectError{
			Reason: fmt.Errorf("%w: %s", ErrStaleOrFuture, env.Timestamp.Sub(now)),
			PeerID: env.From,
			Addr:   addr,
			Type:   env.Type,
		}, now)
	}

	if known {
		v.accept(env.From, now)
	}
	v.metrics.Accepted.Inc()

	return &AuthenticatedMessage{
		Type:      env.Type,
		Tier:      env.Tier,
		From:      env.From,
		Addr:      addr,
		Body:      env.Body,
		PublicKey: pub,
		Known:     known,
	}, nil
}

// Penalize records misbehaviour by the given peer detected after validation,
// such as a relayed update with an invalid signature.
func (v *Validator) Penalize(peerID string, reason error) {
	now := v.now()
	v.metrics.Rejected.With(prometheus.Labels{"reason": reasonLabel(reason)}).Inc()
	v.penalize(peerID, now)
	v.events.Publish(event.Event{
		Kind: event.KindByzantineRejected,
		Peer: peerID,
		Attrs: map[string]any{
			"reason":  reason.Error(),
			"culprit": peerID,
		},
	})
}

func (v *Validator) Metrics() *Metrics {
	return v.metrics
}

// senderKey returns the public key to verify the envelope with, and whether
// the sender is in the directory.
func (v *Validator) senderKey(env *wire.Envelope) (ed25519.PublicKey, bool, error) {
	if rec, ok := v.directory.Lookup(env.From); ok {
		return rec.PublicKey, true, nil
	}

	// Joins from unknown peers authenticate with the key in the body.
	var peer wire.PeerInfo
	switch env.Type {
	case wire.TypeJoin:
		var body wire.JoinBody
		if err := wire.DecodeBody(env.Body, &body); err != nil {
			return nil, false, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		peer = body.Peer
	case wire.TypeJoinAck:
		var body wire.JoinAckBody
		if err := wire.DecodeBody(env.Body, &body); err != nil {
			return nil, false, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		peer = body.Peer
	default:
		return nil, false, ErrUnknownSender
	}

	if peer.ID != env.From || !identity.Matches(peer.ID, peer.PublicKey) {
		return nil, false, fmt.Errorf("%w: key does not match sender", ErrBadSignature)
	}
	return peer.PublicKey, false, nil
}

func (v *Validator) verify(env *wire.Envelope, pub ed25519.PublicKey) bool {
	signed := env.SigningBytes()
	sum := sha3.Sum256(signed)

	key := string(env.Signature)
	if cached, ok := v.sigCache.Get(key); ok && cached.([32]byte) == sum {
		v.metrics.SignatureCacheHits.Inc()
		return true
	}

	if !identity.Verify(pub, signed, env.Signature) {
		return false
	}
	v.sigCache.Add(key, sum)
	return true
}

func (v *Validator) accept(peerID string, now time.Time) {
	v.mu.Lock()
	delete(v.streaks, peerID)
	v.mu.Unlock()

	v.directory.TouchAt(peerID, now)
	if v.conf.Reward > 0 {
		v.directory.UpdateReputation(peerID, func(r float64) float64 {
			return r + v.conf.Reward
		})
	}
}

func (v *Validator) reject(rejectErr *RejectError, now time.Time) error {
	v.metrics.Rejected.With(prometheus.Labels{"reason": reasonLabel(rejectErr.Reason)}).Inc()

	culprit, ok := v.culprit(rejectErr.Addr, rejectErr.PeerID)
	if ok {
		v.penalize(culprit, now)
	}

	v.logger.Debug(
		"rejected message",
		zap.String("peer", rejectErr.PeerID),
		zap.String("addr", rejectErr.Addr),
		zap.String("culprit", culprit),
		zap.String("type", rejectErr.Type.String()),
		zap.Error(rejectErr.Reason),
	)
	v.events.Publish(event.Event{
		Kind: event.KindByzantineRejected,
		Peer: rejectErr.PeerID,
		Attrs: map[string]any{
			"reason":  reasonLabel(rejectErr.Reason),
			"addr":    rejectErr.Addr,
			"culprit": culprit,
			"type":    rejectErr.Type.String(),
		},
	})

	return rejectErr
}

// culprit returns the peer that actually sent a rejected message, identified
// by the transport address it arrived from. A message from an unregistered
// address on the claimed sender's host, such as from another port, is
// attributed to the claimed sender.
//
// The claimed sender is otherwise never trusted, as a forged or replayed
// message would lower the reputation of the peer it impersonates.
func (v *Validator) culprit(addr, claimed string) (string, bool) {
	if addr == "" {
		return "", false
	}
	if rec, ok := v.directory.LookupAddr(addr); ok {
		return rec.ID, true
	}
	if claimed == "" {
		return "", false
	}
	rec, ok := v.directory.Lookup(claimed)
	if !ok || !sameHost(addr, rec.Addr) {
		return "", false
	}
	return rec.ID, true
}

func sameHost(a, b string) bool {
	hostA, _, err := net.SplitHostPort(a)
	if err != nil {
		return false
	}
	hostB, _, err := net.SplitHostPort(b)
	if err != nil {
		return false
	}
	return hostA == hostB
}

func (v *Validator) penalize(peerID string, now time.Time) {
	v.mu.Lock()
	if len(v.streaks) > maxStreaks {
		for id, s := range v.streaks {
			if now.Sub(s.first) > v.conf.MaxAge {
				delete(v.streaks, id)
			}
		}
	}
	s, ok := v.streaks[peerID]
	if !ok || now.Sub(s.first) > v.conf.MaxAge {
		s = &streak{first: now}
		v.streaks[peerID] = s
	}
	s.count++
	quarantine := s.count >= v.conf.QuarantineAfter
	v.mu.Unlock()

	v.directory.UpdateReputation(peerID, func(r float64) float64 {
		r -= v.conf.Penalty
		if quarantine {
			r = min(r, directory.MinReputation-max(v.conf.Penalty, 0.01))
		}
		return r
	})
}
