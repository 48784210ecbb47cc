package partition

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	// CheckInterval is the rate to evaluate the partition status.
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`

	// LivenessWindow is the duration since a peer was last heard from
	// that it is considered reachable.
	LivenessWindow time.Duration `json:"liveness_window" yaml:"liveness_window"`

	// QuorumSize is the number of reachable peers, including the local
	// peer, required to be healthy. If zero the quorum is n - f, where n
	// is the number of known peers and f = (n - 1) / 3.
	QuorumSize int `json:"quorum_size" yaml:"quorum_size"`
}

func DefaultConfig() Config {
	return Config{
		CheckInterval:  time.Second,
		LivenessWindow: time.Second * 10,
	}
}

func (c *Config) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("missing check interval")
	}
	if c.LivenessWindow <= 0 {
		return fmt.Errorf("missing liveness window")
	}
	if c.QuorumSize < 0 {
		return fmt.Errorf("quorum size cannot be negative")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.DurationVar(
		&c.CheckInterval,
		"partition.check-interval",
		c.CheckInterval,
		`
The interval to check whether the node can reach a quorum of peers.`,
	)
	fs.DurationVar(
		&c.LivenessWindow,
		"partition.liveness-window",
		c.LivenessWindow,
		`
The duration since a peer was last heard from that it is considered
reachable.

This should be a multiple of the gossip interval, otherwise healthy peers
may be considered unreachable between gossip rounds.`,
	)
	fs.IntVar(
		&c.QuorumSize,
		"partition.quorum-size",
		c.QuorumSize,
		`
The number of reachable peers, including this node, required for the node
to be considered healthy.

If not set defaults to n - f, where n is the number of known peers and
f = (n - 1) / 3 is the number of faulty peers tolerated.`,
	)
}
