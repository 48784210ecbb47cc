package hierarchy

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	// ActivationThreshold is the number of known peers above which the
	// mesh gossips hierarchically.
	ActivationThreshold int `json:"activation_threshold" yaml:"activation_threshold"`

	// RelayInterval is the rate representatives relay state between tiers.
	RelayInterval time.Duration `json:"relay_interval" yaml:"relay_interval"`

	// LivenessWindow is the duration since a peer was last heard from that
	// it may be chosen as a representative.
	LivenessWindow time.Duration `json:"liveness_window" yaml:"liveness_window"`

	// GlobalRegions is the number of region groups in the global tier. If
	// zero the global tier is disabled and regions gossip directly.
	GlobalRegions int `json:"global_regions" yaml:"global_regions"`
}

func DefaultConfig() Config {
	return Config{
		ActivationThreshold: 100000,
		RelayInterval:       time.Second * 5,
		LivenessWindow:      time.Second * 10,
	}
}

func (c *Config) Validate() error {
	if c.ActivationThreshold <= 0 {
		return fmt.Errorf("missing activation threshold")
	}
	if c.RelayInterval <= 0 {
		return fmt.Errorf("missing relay interval")
	}
	if c.LivenessWindow <= 0 {
		return fmt.Errorf("missing liveness window")
	}
	if c.GlobalRegions < 0 {
		return fmt.Errorf("global regions cannot be negative")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.IntVar(
		&c.ActivationThreshold,
		"hierarchy.activation-threshold",
		c.ActivationThreshold,
		`
The number of known peers above which nodes only gossip with peers in the
same region, and each region elects a representative to gossip with the
other regions.`,
	)
	fs.DurationVar(
		&c.RelayInterval,
		"hierarchy.relay-interval",
		c.RelayInterval,
		`
The interval representatives relay state between the region and the upper
tiers.`,
	)
	fs.DurationVar(
		&c.LivenessWindow,
		"hierarchy.liveness-window",
		c.LivenessWindow,
		`
The duration since a peer was last heard from that it may be elected as a
representative.`,
	)
	fs.IntVar(
		&c.GlobalRegions,
		"hierarchy.global-regions",
		c.GlobalRegions,
		`
The number of region groups in the global tier.

If set, regions are grouped and each group elects a representative to
gossip with the other groups, rather than every region representative
gossiping with each other.`,
	)
}
