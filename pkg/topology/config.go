package topology

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// Strategy is how preferred partners are chosen.
type Strategy string

const (
	StrategyRandom  Strategy = "random"
	StrategyNearest Strategy = "nearest"
	StrategyHybrid  Strategy = "hybrid"
)

func (s Strategy) Validate() error {
	switch s {
	case StrategyRandom, StrategyNearest, StrategyHybrid:
		return nil
	default:
		return fmt.Errorf("unsupported strategy: %q", s)
	}
}

type Config struct {
	// Strategy is how preferred partners are chosen.
	Strategy Strategy `json:"strategy" yaml:"strategy"`

	// RebalanceInterval is the rate to re-measure latencies and recompute
	// the preferred partners.
	RebalanceInterval time.Duration `json:"rebalance_interval" yaml:"rebalance_interval"`

	// ProbeCount is the number of random peers probed each rebalance.
	ProbeCount int `json:"probe_count" yaml:"probe_count"`

	// ProbeTimeout is the duration to wait for an echo reply.
	ProbeTimeout time.Duration `json:"probe_timeout" yaml:"probe_timeout"`

	// AssignmentSize is the number of preferred partners.
	AssignmentSize int `json:"assignment_size" yaml:"assignment_size"`
}

func DefaultConfig() Config {
	return Config{
		Strategy:          StrategyHybrid,
		RebalanceInterval: time.Second * 10,
		ProbeCount:        10,
		ProbeTimeout:      time.Second,
		AssignmentSize:    20,
	}
}

func (c *Config) Validate() error {
	if err := c.Strategy.Validate(); err != nil {
		return err
	}
	if c.RebalanceInterval <= 0 {
		return fmt.Errorf("missing rebalance interval")
	}
	if c.ProbeCount < 0 {
		return fmt.Errorf("probe count cannot be negative")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("missing probe timeout")
	}
	if c.AssignmentSize <= 0 {
		return fmt.Errorf("missing assignment size")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		(*string)(&c.Strategy),
		"topology.strategy",
		string(c.Strategy),
		`
How preferred gossip partners are chosen, one of 'random', 'nearest' or
'hybrid'.

'hybrid' prefers the nearest peers by latency though includes some random
peers to keep the mesh well connected.`,
	)
	fs.DurationVar(
		&c.RebalanceInterval,
		"topology.rebalance-interval",
		c.RebalanceInterval,
		`
The interval to measure peer latencies and recompute the preferred partners.`,
	)
	fs.IntVar(
		&c.ProbeCount,
		"topology.probe-count",
		c.ProbeCount,
		`
The number of random peers to measure the latency of each rebalance.`,
	)
	fs.DurationVar(
		&c.ProbeTimeout,
		"topology.probe-timeout",
		c.ProbeTimeout,
		`
The timeout waiting for a latency probe reply.`,
	)
	fs.IntVar(
		&c.AssignmentSize,
		"topology.assignment-size",
		c.AssignmentSize,
		`
The number of preferred partners.`,
	)
}
