package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/andydunstall/mesh/pkg/backoff"
	"github.com/andydunstall/mesh/pkg/directory"
	"github.com/andydunstall/mesh/pkg/gossip"
	"github.com/andydunstall/mesh/pkg/seed"
	"github.com/andydunstall/mesh/pkg/validator"
	"github.com/andydunstall/mesh/pkg/wire"
)

const (
	// joinSampleSize is the number of known peers returned to a joining
	// peer.
	joinSampleSize = 16

	// maxLearn is the maximum number of peers registered from a single
	// push, which limits how quickly a misbehaving peer can fill the
	// directory.
	maxLearn = 16
)

var (
	ErrJoinFailed = errors.New("join failed")
)

// joiner joins the mesh through seed peers and exchanges known peers with
// gossip partners.
type joiner struct {
	node *Node

	// pinned maps a seed address to its expected peer ID, for seeds
	// configured with an ID.
	pinned map[string]string
	mu     sync.Mutex
}

func newJoiner(node *Node) *joiner {
	return &joiner{
		node:   node,
		pinned: make(map[string]string),
	}
}

// Join sends a join to every seed until at least one peer is known, retrying
// with backoff.
//
// If the provider has no seeds the node is the first member of the mesh and
// returns immediately.
func (n *Node) Join(ctx context.Context, provider seed.Provider) error {
	return n.join.Join(ctx, provider)
}

func (j *joiner) Join(ctx context.Context, provider seed.Provider) error {
	conf := j.node.conf.Join
	b := backoff.New(conf.Retries, conf.MinBackoff, conf.MaxBackoff)
	for {
		seeds, err := provider.Seeds(ctx)
		if err != nil {
			j.node.logger.Warn("failed to fetch seeds", zap.Error(err))
		} else {
			seeds = j.filter(seeds)
			if len(seeds) == 0 && j.node.directory.Len() == 0 {
				j.node.logger.Info("no seeds; starting new mesh")
				return nil
			}
			for _, s := range seeds {
				if err := j.sendJoin(ctx, s); err != nil {
					j.node.logger.Warn(
						"failed to send join",
						zap.String("seed", s.String()),
						zap.Error(err),
					)
				}
			}
		}

		if !b.Wait(ctx) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w: no reply after %d attempts", ErrJoinFailed, b.Attempts())
		}
		if n := j.node.directory.Len(); n > 0 {
			j.node.logger.Info(
				"joined mesh",
				zap.Int("peers", n),
				zap.Int("attempts", b.Attempts()),
			)
			return nil
		}
	}
}

// HandleJoin registers a joining peer and replies with the local node and a
// sample of known peers.
func (j *joiner) HandleJoin(ctx context.Context, msg *validator.AuthenticatedMessage) error {
	var body wire.JoinBody
	if err := wire.DecodeBody(msg.Body, &body); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	// The body address is the address the peer advertises, which may differ
	// from the address the join was sent from.
	addr := body.Peer.Addr
	if addr == "" {
		addr = msg.Addr
	}
	j.register(body.Peer, addr)

	ack, err := wire.EncodeBody(&wire.JoinAckBody{
		Peer:  j.selfInfo(),
		Peers: j.Sample(joinSampleSize),
	})
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	b, err := wire.Seal(j.node.identity, wire.TypeJoinAck, "", ack, j.node.now())
	if err != nil {
		return fmt.Errorf("join: seal: %w", err)
	}
	if err := j.node.transport.Send(ctx, msg.Addr, b); err != nil {
		return fmt.Errorf("join: send: %w", err)
	}
	return nil
}

// HandleJoinAck registers the seed and the peers it knows.
func (j *joiner) HandleJoinAck(msg *validator.AuthenticatedMessage) error {
	var body wire.JoinAckBody
	if err := wire.DecodeBody(msg.Body, &body); err != nil {
		return fmt.Errorf("join ack: %w", err)
	}

	j.mu.Lock()
	expected, pinned := j.pinned[msg.Addr]
	j.mu.Unlock()
	if pinned && expected != msg.From {
		j.node.validator.Penalize(msg.From, fmt.Errorf("%w: unexpected seed id", validator.ErrBadSignature))
		return fmt.Errorf("join ack: unexpected seed id: %s", msg.From)
	}

	addr := body.Peer.Addr
	if addr == "" {
		addr = msg.Addr
	}
	j.register(body.Peer, addr)
	j.Learn(msg.From, body.Peers)
	return nil
}

// Sample returns up to k known peers.
func (j *joiner) Sample(k int) []wire.PeerInfo {
	recs := j.node.directory.SampleRandom(k)
	peers := make([]wire.PeerInfo, 0, len(recs))
	for _, rec := range recs {
		peers = append(peers, wire.PeerInfo{
			ID:        rec.ID,
			Addr:      rec.Addr,
			PublicKey: rec.PublicKey,
			Region:    rec.Region,
		})
	}
	return peers
}

// Learn registers up to maxLearn unknown peers.
func (j *joiner) Learn(from string, peers []wire.PeerInfo) {
	learned := 0
	for _, peer := range peers {
		if learned == maxLearn {
			break
		}
		if peer.ID == j.node.ID() {
			continue
		}
		if _, ok := j.node.directory.Lookup(peer.ID); ok {
			continue
		}
		if j.register(peer, peer.Addr) {
			learned++
		}
	}
	if learned > 0 {
		j.node.logger.Debug(
			"learned peers",
			zap.String("from", from),
			zap.Int("learned", learned),
		)
	}
}

var _ gossip.Exchanger = &joiner{}

func (j *joiner) register(peer wire.PeerInfo, addr string) bool {
	err := j.node.directory.Register(directory.PeerRecord{
		ID:        peer.ID,
		Addr:      addr,
		PublicKey: peer.PublicKey,
		Region:    peer.Region,
	})
	if err != nil {
		if !errors.Is(err, directory.ErrDuplicateOrSelf) {
			j.node.logger.Debug(
				"failed to register peer",
				zap.String("peer", peer.ID),
				zap.String("addr", addr),
				zap.Error(err),
			)
		}
		return false
	}
	return true
}

func (j *joiner) sendJoin(ctx context.Context, s seed.Seed) error {
	if s.ID != "" {
		j.mu.Lock()
		j.pinned[s.Addr] = s.ID
		j.mu.Unlock()
	}

	body, err := wire.EncodeBody(&wire.JoinBody{
		Peer: j.selfInfo(),
	})
	if err != nil {
		return err
	}
	b, err := wire.Seal(j.node.identity, wire.TypeJoin, "", body, j.node.now())
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	return j.node.transport.Send(ctx, s.Addr, b)
}

// filter removes the local node from the seeds.
func (j *joiner) filter(seeds []seed.Seed) []seed.Seed {
	filtered := seeds[:0]
	for _, s := range seeds {
		if s.Addr == j.node.Addr() || s.ID == j.node.ID() {
			continue
		}
		filtered = append(filtered, s)
	}
	return filtered
}

func (j *joiner) selfInfo() wire.PeerInfo {
	self := j.node.self()
	return wire.PeerInfo{
		ID:        self.ID,
		Addr:      self.Addr,
		PublicKey: self.PublicKey,
		Region:    self.Region,
	}
}
