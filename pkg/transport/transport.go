// Package transport sends and receives mesh messages.
//
// Delivery is best effort: messages may be lost, duplicated or reordered,
// and the mesh recovers through later gossip rounds.
package transport

import (
	"context"
	"errors"
)

var (
	ErrClosed = errors.New("transport closed")
)

// Handler is called with each received message and the transport address of
// its sender.
//
// The handler owns b, but must not block for long since it may be called
// from the receive loop.
type Handler func(from string, b []byte)

type Transport interface {
	// Addr returns the address other peers reach this transport on.
	Addr() string

	// Send sends b to addr. Returns once the message is handed to the
	// network, not once it is delivered.
	Send(ctx context.Context, addr string, b []byte) error

	// Serve passes received messages to h until the transport is closed.
	Serve(h Handler) error

	Close() error
}
