package wire

import (
	"crypto/ed25519"
)

// PeerInfo describes a peer for peer exchange.
type PeerInfo struct {
	ID        string            `codec:"id"`
	Addr      string            `codec:"addr"`
	PublicKey ed25519.PublicKey `codec:"key"`
	Region    string            `codec:"region"`
}

// JoinBody is sent by a joining peer to a seed. The sender includes its
// public key, so the message authenticates itself.
type JoinBody struct {
	Peer PeerInfo `codec:"peer"`
}

// JoinAckBody is the seed's reply to a join, including a sample of known
// peers.
type JoinAckBody struct {
	Peer  PeerInfo   `codec:"peer"`
	Peers []PeerInfo `codec:"peers"`
}

// EchoBody is a latency probe. The reply echoes the nonce and send time.
type EchoBody struct {
	Nonce  string `codec:"nonce"`
	SentAt int64  `codec:"sent_at"`
}
