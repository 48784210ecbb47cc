package directory

import (
	"crypto/ed25519"
	"time"
)

const (
	// MinReputation is the reputation below which a peer is quarantined and
	// never selected as a gossip partner.
	MinReputation = 0.5

	// InitialReputation is the reputation of a newly registered peer.
	InitialReputation = 1.0
)

// PeerRecord contains the known state of a remote peer.
type PeerRecord struct {
	ID        string            `json:"id" yaml:"id" validate:"required,hexadecimal,len=32"`
	Addr      string            `json:"addr" yaml:"addr" validate:"required,max=255"`
	PublicKey ed25519.PublicKey `json:"public_key" yaml:"-" validate:"len=32"`
	// LastSeen is the time of the last authenticated message from the peer.
	LastSeen   time.Time `json:"last_seen" yaml:"last_seen"`
	Reputation float64   `json:"reputation" yaml:"reputation" validate:"gte=0,lte=1"`
	Region     string    `json:"region,omitempty" yaml:"region,omitempty" validate:"max=64"`
	// Latency is the smoothed round trip time to the peer, or zero if the
	// peer has not been probed.
	Latency time.Duration `json:"latency" yaml:"latency"`
}

// Eligible returns whether the peer may be selected as a gossip partner.
func (r *PeerRecord) Eligible() bool {
	return r.Reputation >= MinReputation
}

// Reachable returns whether the peer was seen within window of now.
func (r *PeerRecord) Reachable(now time.Time, window time.Duration) bool {
	return now.Sub(r.LastSeen) <= window
}
