// Package event publishes notable mesh events (peers joining, rejected
// messages, convergence, partitions) to subscribers.
package event

import (
	"time"
)

type Kind string

const (
	KindPeerRegistered    Kind = "peer-registered"
	KindPeerPruned        Kind = "peer-pruned"
	KindByzantineRejected Kind = "byzantine-rejected"
	KindRoundCompleted    Kind = "round-completed"
	KindConverged         Kind = "converged"
	KindPartitioned       Kind = "partitioned"
	KindRecovered         Kind = "recovered"
	KindRebalanced        Kind = "rebalanced"
)

// Event is a structured notification. Attrs holds kind specific fields, such
// as the round statistics for KindRoundCompleted.
type Event struct {
	ID    string         `json:"id" yaml:"id"`
	Kind  Kind           `json:"kind" yaml:"kind"`
	Time  time.Time      `json:"time" yaml:"time"`
	Tier  string         `json:"tier,omitempty" yaml:"tier,omitempty"`
	Peer  string         `json:"peer,omitempty" yaml:"peer,omitempty"`
	Attrs map[string]any `json:"attrs,omitempty" yaml:"attrs,omitempty"`
}

// Publisher receives events.
//
// The implementations of Publisher must not block. Publish may be called with
// component locks held so must not call back into the publishing component.
type Publisher interface {
	Publish(e Event)
}

type nopPublisher struct {
}

// NewNopPublisher returns a publisher that discards every event.
func NewNopPublisher() Publisher {
	return &nopPublisher{}
}

func (p *nopPublisher) Publish(_ Event) {}

var _ Publisher = &nopPublisher{}
