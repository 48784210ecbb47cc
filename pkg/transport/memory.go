package transport

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
)

const inboxSize = 1024

type networkOptions struct {
	synchronous bool
}

type NetworkOption interface {
	apply(*networkOptions)
}

type synchronousOption struct {
}

func (o synchronousOption) apply(opts *networkOptions) {
	opts.synchronous = true
}

// WithSynchronousDelivery delivers each message to the receiver's handler
// inline in the sender's Send call. This makes tests deterministic, though
// handlers may be re-entered by the messages they send.
func WithSynchronousDelivery() NetworkOption {
	return synchronousOption{}
}

// Network is an in-memory network connecting endpoints by address. It can
// simulate partitions, message loss and duplication.
type Network struct {
	endpoints map[string]*Endpoint

	// groups maps addresses to their partition group. Messages are only
	// delivered between addresses in the same group. Empty if the network
	// is not partitioned.
	groups map[string]int

	dropRate      float64
	duplicateRate float64

	synchronous bool

	mu sync.RWMutex
}

func NewNetwork(opts ...NetworkOption) *Network {
	var options networkOptions
	for _, o := range opts {
		o.apply(&options)
	}
	return &Network{
		endpoints:   make(map[string]*Endpoint),
		groups:      make(map[string]int),
		synchronous: options.synchronous,
	}
}

// Bind creates an endpoint with the given address.
func (n *Network) Bind(addr string) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.endpoints[addr]; ok {
		return nil, fmt.Errorf("address in use: %s", addr)
	}
	e := &Endpoint{
		network: n,
		addr:    addr,
		inbox:   make(chan packet, inboxSize),
		done:    make(chan struct{}),
	}
	n.endpoints[addr] = e
	return e, nil
}

// Partition splits the network into the given groups of addresses. Addresses
// not in any group form their own group.
func (n *Network) Partition(groups ...[]string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.groups = make(map[string]int)
	for i, group := range groups {
		for _, addr := range group {
			// Group 0 is reserved for unlisted addresses.
			n.groups[addr] = i + 1
		}
	}
}

// Heal removes any partition.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.groups = make(map[string]int)
}

// SetLoss configures the probability each message is dropped or
// duplicated.
func (n *Network) SetLoss(dropRate, duplicateRate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.dropRate = dropRate
	n.duplicateRate = duplicateRate
}

func (n *Network) deliver(from, to string, b []byte) error {
	n.mu.RLock()
	dst, ok := n.endpoints[to]
	connected := n.groups[from] == n.groups[to]
	dropRate := n.dropRate
	duplicateRate := n.duplicateRate
	n.mu.RUnlock()

	if !ok || !connected {
		// Like a real network, sending to an unreachable address is not an
		// error.
		return nil
	}
	if dropRate > 0 && rand.Float64() < dropRate {
		return nil
	}

	copies := 1
	if duplicateRate > 0 && rand.Float64() < duplicateRate {
		copies = 2
	}
	for i := 0; i != copies; i++ {
		msg := make([]byte, len(b))
		copy(msg, b)
		dst.receive(packet{from: from, b: msg})
	}
	return nil
}

func (n *Network) remove(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.endpoints, addr)
}

type packet struct {
	from string
	b    []byte
}

// Endpoint is a transport bound to an address on a Network.
type Endpoint struct {
	network *Network
	addr    string

	handler Handler
	// pending holds messages received before Serve is called with
	// synchronous delivery.
	pending []packet
	closed  bool
	mu      sync.Mutex

	inbox chan packet
	done  chan struct{}
}

func (e *Endpoint) Addr() string {
	return e.addr
}

func (e *Endpoint) Send(ctx context.Context, addr string, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return e.network.deliver(e.addr, addr, b)
}

func (e *Endpoint) Serve(h Handler) error {
	if e.network.synchronous {
		e.Handle(h)
		<-e.done
		return nil
	}

	for {
		select {
		case p := <-e.inbox:
			h(p.from, p.b)
		case <-e.done:
			return nil
		}
	}
}

// Handle registers h to receive messages inline without blocking, delivering
// any messages received before registration. Only supported with
// synchronous delivery.
func (e *Endpoint) Handle(h Handler) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.handler = h
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, p := range pending {
		h(p.from, p.b)
	}
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.handler = nil
	e.mu.Unlock()

	close(e.done)
	e.network.remove(e.addr)
	return nil
}

func (e *Endpoint) receive(p packet) {
	if e.network.synchronous {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		h := e.handler
		if h == nil {
			e.pending = append(e.pending, p)
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		h(p.from, p.b)
		return
	}

	select {
	case e.inbox <- p:
	default:
		// Inbox full so drop.
	}
}

var _ Transport = &Endpoint{}
