package gossip

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// minPacketSize leaves room for the message header and at least one
// contribution.
const minPacketSize = 1024

type Config struct {
	// BindAddr is the address to bind to listen for gossip traffic.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`

	// AdvertiseAddr is the address to advertise to other peers.
	AdvertiseAddr string `json:"advertise_addr" yaml:"advertise_addr"`

	// Interval is the rate to initiate a gossip round.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// Fanout is the number of partners selected each round.
	Fanout int `json:"fanout" yaml:"fanout"`

	// MaxPacketSize is the maximum size of any packet sent.
	MaxPacketSize int `json:"max_packet_size" yaml:"max_packet_size"`

	// PullTimeout is the duration after which an unanswered pull may be
	// retried.
	PullTimeout time.Duration `json:"pull_timeout" yaml:"pull_timeout"`

	// SendTimeout bounds each send.
	SendTimeout time.Duration `json:"send_timeout" yaml:"send_timeout"`

	// ConvergenceSample is the number of peer digests compared with the
	// local digest to check convergence.
	ConvergenceSample int `json:"convergence_sample" yaml:"convergence_sample"`

	// GlobalQuorum is the fraction of sampled peers that must also report
	// convergence on the local digest to declare global convergence.
	GlobalQuorum float64 `json:"global_quorum" yaml:"global_quorum"`

	// ResyncFanout is the number of partners to fully re-sync with after
	// a resync is requested.
	ResyncFanout int `json:"resync_fanout" yaml:"resync_fanout"`

	// CompactThreshold is the number of retained local contributions after
	// which they are compacted into a single contribution.
	CompactThreshold int `json:"compact_threshold" yaml:"compact_threshold"`

	// PeerExchange is the number of known peers attached to each push.
	PeerExchange int `json:"peer_exchange" yaml:"peer_exchange"`
}

func DefaultConfig() Config {
	return Config{
		BindAddr:          ":7946",
		Interval:          time.Second,
		Fanout:            5,
		MaxPacketSize:     65000,
		PullTimeout:       time.Second * 3,
		SendTimeout:       time.Second,
		ConvergenceSample: 5,
		GlobalQuorum:      0.67,
		ResyncFanout:      10,
		CompactThreshold:  100,
		PeerExchange:      3,
	}
}

func (c *Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("missing bind addr")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("missing interval")
	}
	if c.Fanout <= 0 {
		return fmt.Errorf("missing fanout")
	}
	if c.MaxPacketSize < minPacketSize {
		return fmt.Errorf("max packet size must be at least %d", minPacketSize)
	}
	if c.PullTimeout <= 0 {
		return fmt.Errorf("missing pull timeout")
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("missing send timeout")
	}
	if c.ConvergenceSample <= 0 {
		return fmt.Errorf("missing convergence sample")
	}
	if c.GlobalQuorum <= 0 || c.GlobalQuorum > 1 {
		return fmt.Errorf("global quorum must be in (0, 1]")
	}
	if c.CompactThreshold < 2 {
		return fmt.Errorf("compact threshold must be at least 2")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.BindAddr,
		"gossip.bind-addr",
		c.BindAddr,
		`
The host/port to listen for gossip traffic.

If the host is unspecified it defaults to all listeners, such as
a bind address ':7946' will listen on '0.0.0.0:7946'`,
	)

	fs.StringVar(
		&c.AdvertiseAddr,
		"gossip.advertise-addr",
		c.AdvertiseAddr,
		`
Gossip listen address to advertise to other peers. This is the address other
peers will use to gossip with the node.

Such as if the listen address is ':7946', the advertised address may be
'10.26.104.45:7946' or 'node1.mesh:7946'.

By default, if the bind address includes an IP to bind to that will be used.
If the bind address does not include an IP (such as ':7946') the nodes
private IP will be used.`,
	)

	fs.DurationVar(
		&c.Interval,
		"gossip.interval",
		c.Interval,
		`
The interval to initiate rounds of gossip.`,
	)

	fs.IntVar(
		&c.Fanout,
		"gossip.fanout",
		c.Fanout,
		`
The number of partners to gossip with each round.`,
	)

	fs.IntVar(
		&c.MaxPacketSize,
		"gossip.max-packet-size",
		c.MaxPacketSize,
		`
The maximum size of any packet sent. Each contribution is limited to half
of the packet, so larger local updates are split into several contributions.
Every peer in the mesh should use the same value.

Depending on your networks MTU you may be able to increase to include more data
in each packet.`,
	)

	fs.DurationVar(
		&c.PullTimeout,
		"gossip.pull-timeout",
		c.PullTimeout,
		`
The duration to wait for a pull to be answered before retrying.`,
	)

	fs.DurationVar(
		&c.SendTimeout,
		"gossip.send-timeout",
		c.SendTimeout,
		`
The timeout for sending a single message.`,
	)

	fs.IntVar(
		&c.ConvergenceSample,
		"gossip.convergence-sample",
		c.ConvergenceSample,
		`
The number of peer digests compared with the local digest to detect
convergence.`,
	)

	fs.Float64Var(
		&c.GlobalQuorum,
		"gossip.global-quorum",
		c.GlobalQuorum,
		`
The fraction of sampled peers that must also report convergence on the same
digest before the mesh is considered globally converged.`,
	)

	fs.IntVar(
		&c.ResyncFanout,
		"gossip.resync-fanout",
		c.ResyncFanout,
		`
The number of partners to fully re-sync with after recovering from a
partition.`,
	)

	fs.IntVar(
		&c.CompactThreshold,
		"gossip.compact-threshold",
		c.CompactThreshold,
		`
The number of retained local updates after which they are compacted into
one.`,
	)

	fs.IntVar(
		&c.PeerExchange,
		"gossip.peer-exchange",
		c.PeerExchange,
		`
The number of known peers attached to each push so directories grow beyond
the seed peers.`,
	)
}
