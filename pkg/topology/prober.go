package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andydunstall/mesh/pkg/directory"
	"github.com/andydunstall/mesh/pkg/validator"
	"github.com/andydunstall/mesh/pkg/wire"
)

var (
	ErrUnexpectedReply = errors.New("unexpected echo reply")
)

// Prober measures the round trip time to a peer.
type Prober interface {
	Probe(ctx context.Context, rec directory.PeerRecord) (time.Duration, error)
}

type Sender interface {
	Send(ctx context.Context, addr string, b []byte) error
}

type pendingProbe struct {
	peerID string
	reply  chan struct{}
}

// EchoProber probes peers with signed echo messages.
//
// The router must pass inbound echo messages to HandleEcho and echo replies
// to HandleEchoReply.
type EchoProber struct {
	self   wire.Signer
	sender Sender

	// pending contains outstanding probes keyed by nonce.
	pending map[string]*pendingProbe
	mu      sync.Mutex

	now func() time.Time
}

func NewEchoProber(self wire.Signer, sender Sender, now func() time.Time) *EchoProber {
	if now == nil {
		now = time.Now
	}
	return &EchoProber{
		self:    self,
		sender:  sender,
		pending: make(map[string]*pendingProbe),
		now:     now,
	}
}

// Probe sends an echo to the peer and waits for its reply, or until the
// context is cancelled.
func (p *EchoProber) Probe(ctx context.Context, rec directory.PeerRecord) (time.Duration, error) {
	nonce := uuid.NewString()
	probe := &pendingProbe{
		peerID: rec.ID,
		reply:  make(chan struct{}, 1),
	}

	p.mu.Lock()
	p.pending[nonce] = probe
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, nonce)
		p.mu.Unlock()
	}()

	start := p.now()
	body, err := wire.EncodeBody(&wire.EchoBody{
		Nonce:  nonce,
		SentAt: start.UnixNano(),
	})
	if err != nil {
		return 0, err
	}
	b, err := wire.Seal(p.self, wire.TypeEcho, "", body, start)
	if err != nil {
		return 0, fmt.Errorf("seal: %w", err)
	}
	if err := p.sender.Send(ctx, rec.Addr, b); err != nil {
		return 0, fmt.Errorf("send: %w", err)
	}

	select {
	case <-probe.reply:
		return p.now().Sub(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// HandleEcho replies to an echo from another peer.
func (p *EchoProber) HandleEcho(ctx context.Context, msg *validator.AuthenticatedMessage) error {
	var body wire.EchoBody
	if err := wire.DecodeBody(msg.Body, &body); err != nil {
		return fmt.Errorf("echo: %w", err)
	}

	reply, err := wire.EncodeBody(&body)
	if err != nil {
		return fmt.Errorf("echo: %w", err)
	}
	b, err := wire.Seal(p.self, wire.TypeEchoReply, "", reply, p.now())
	if err != nil {
		return fmt.Errorf("echo: seal: %w", err)
	}
	if err := p.sender.Send(ctx, msg.Addr, b); err != nil {
		return fmt.Errorf("echo: send: %w", err)
	}
	return nil
}

// HandleEchoReply completes the probe the reply answers.
func (p *EchoProber) HandleEchoReply(msg *validator.AuthenticatedMessage) error {
	var body wire.EchoBody
	if err := wire.DecodeBody(msg.Body, &body); err != nil {
		return fmt.Errorf("echo reply: %w", err)
	}

	p.mu.Lock()
	probe, ok := p.pending[body.Nonce]
	p.mu.Unlock()

	// Only the probed peer can answer the probe.
	if !ok || probe.peerID != msg.From {
		return ErrUnexpectedReply
	}
	select {
	case probe.reply <- struct{}{}:
	default:
	}
	return nil
}

var _ Prober = &EchoProber{}
