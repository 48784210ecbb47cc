package mesh

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/andydunstall/mesh/pkg/directory"
	"github.com/andydunstall/mesh/pkg/gossip"
	"github.com/andydunstall/mesh/pkg/hierarchy"
	"github.com/andydunstall/mesh/pkg/partition"
	"github.com/andydunstall/mesh/pkg/topology"
	"github.com/andydunstall/mesh/pkg/validator"
)

type JoinConfig struct {
	// Retries is the maximum number of join attempts before giving up. If
	// zero retries forever.
	Retries int `json:"retries" yaml:"retries"`

	// MinBackoff and MaxBackoff bound the wait between join attempts.
	MinBackoff time.Duration `json:"min_backoff" yaml:"min_backoff"`
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

type Config struct {
	// Region is the region of the local node, used to group nodes when
	// gossiping hierarchically.
	Region string `json:"region" yaml:"region"`

	Join JoinConfig `json:"join" yaml:"join"`

	Gossip    gossip.Config    `json:"gossip" yaml:"gossip"`
	Directory directory.Config `json:"directory" yaml:"directory"`
	Validator validator.Config `json:"validator" yaml:"validator"`
	Topology  topology.Config  `json:"topology" yaml:"topology"`
	Partition partition.Config `json:"partition" yaml:"partition"`
	Hierarchy hierarchy.Config `json:"hierarchy" yaml:"hierarchy"`
}

func DefaultConfig() Config {
	return Config{
		Join: JoinConfig{
			Retries:    10,
			MinBackoff: time.Millisecond * 100,
			MaxBackoff: time.Second * 5,
		},
		Gossip:    gossip.DefaultConfig(),
		Directory: directory.DefaultConfig(),
		Validator: validator.DefaultConfig(),
		Topology:  topology.DefaultConfig(),
		Partition: partition.DefaultConfig(),
		Hierarchy: hierarchy.DefaultConfig(),
	}
}

func (c *Config) Validate() error {
	if len(c.Region) > 64 {
		return fmt.Errorf("region exceeds 64 characters")
	}
	if c.Join.Retries < 0 {
		return fmt.Errorf("join: retries cannot be negative")
	}
	if c.Join.MinBackoff <= 0 || c.Join.MaxBackoff < c.Join.MinBackoff {
		return fmt.Errorf("join: invalid backoff")
	}
	if err := c.Gossip.Validate(); err != nil {
		return fmt.Errorf("gossip: %w", err)
	}
	if err := c.Directory.Validate(); err != nil {
		return fmt.Errorf("directory: %w", err)
	}
	if err := c.Validator.Validate(); err != nil {
		return fmt.Errorf("validator: %w", err)
	}
	if err := c.Topology.Validate(); err != nil {
		return fmt.Errorf("topology: %w", err)
	}
	if err := c.Partition.Validate(); err != nil {
		return fmt.Errorf("partition: %w", err)
	}
	if err := c.Hierarchy.Validate(); err != nil {
		return fmt.Errorf("hierarchy: %w", err)
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.Region,
		"node.region",
		c.Region,
		`
The region of the node, such as 'eu-west-1'.

Once the mesh exceeds the hierarchy activation threshold, nodes only gossip
with nodes in the same region, and each region elects a representative to
gossip with the other regions.`,
	)
	fs.IntVar(
		&c.Join.Retries,
		"join.retries",
		c.Join.Retries,
		`
The maximum number of attempts to join the mesh through the seeds. If zero
retries forever.`,
	)
	fs.DurationVar(
		&c.Join.MinBackoff,
		"join.min-backoff",
		c.Join.MinBackoff,
		`
The minimum wait between join attempts.`,
	)
	fs.DurationVar(
		&c.Join.MaxBackoff,
		"join.max-backoff",
		c.Join.MaxBackoff,
		`
The maximum wait between join attempts.`,
	)

	c.Gossip.RegisterFlags(fs)
	c.Directory.RegisterFlags(fs)
	c.Validator.RegisterFlags(fs)
	c.Topology.RegisterFlags(fs)
	c.Partition.RegisterFlags(fs)
	c.Hierarchy.RegisterFlags(fs)
}
