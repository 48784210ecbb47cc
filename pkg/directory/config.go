package directory

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	// PruneTimeout is the duration without contact after which a peer is
	// removed from the directory.
	PruneTimeout time.Duration `json:"prune_timeout" yaml:"prune_timeout"`

	// PruneInterval is the rate to check for stale peers.
	PruneInterval time.Duration `json:"prune_interval" yaml:"prune_interval"`

	// LatencyAlpha is the EWMA smoothing factor applied to RTT samples.
	LatencyAlpha float64 `json:"latency_alpha" yaml:"latency_alpha"`
}

func DefaultConfig() Config {
	return Config{
		PruneTimeout:  time.Minute,
		PruneInterval: time.Second * 10,
		LatencyAlpha:  0.2,
	}
}

func (c *Config) Validate() error {
	if c.PruneTimeout <= 0 {
		return fmt.Errorf("missing prune timeout")
	}
	if c.PruneInterval <= 0 {
		return fmt.Errorf("missing prune interval")
	}
	if c.LatencyAlpha <= 0 || c.LatencyAlpha > 1 {
		return fmt.Errorf("latency alpha must be in (0, 1]")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.DurationVar(
		&c.PruneTimeout,
		"directory.prune-timeout",
		c.PruneTimeout,
		`
The duration without any authenticated contact after which a peer is removed
from the directory.`,
	)
	fs.DurationVar(
		&c.PruneInterval,
		"directory.prune-interval",
		c.PruneInterval,
		`
The interval to remove stale peers.`,
	)
	fs.Float64Var(
		&c.LatencyAlpha,
		"directory.latency-alpha",
		c.LatencyAlpha,
		`
The smoothing factor of the per-peer latency estimate, between 0 and 1.

Higher values weight recent RTT samples more heavily.`,
	)
}
