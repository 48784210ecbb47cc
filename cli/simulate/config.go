package simulate

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/andydunstall/mesh/pkg/log"
	"github.com/andydunstall/mesh/pkg/mesh"
)

type config struct {
	Nodes     int
	Fanout    int
	Regions   []string
	Loss      float64
	MaxRounds int

	Mesh mesh.Config
	Log  log.Config
}

func defaultConfig() config {
	conf := mesh.DefaultConfig()
	conf.Join.MinBackoff = time.Millisecond
	conf.Join.MaxBackoff = time.Millisecond * 10

	return config{
		Nodes:     10,
		Fanout:    3,
		MaxRounds: 100,
		Mesh:      conf,
		Log: log.Config{
			Level: "warn",
		},
	}
}

func (c *config) Validate() error {
	if c.Nodes < 1 {
		return fmt.Errorf("nodes must be at least 1")
	}
	if c.Fanout < 1 {
		return fmt.Errorf("fanout must be at least 1")
	}
	if c.Loss < 0 || c.Loss >= 1 {
		return fmt.Errorf("loss must be in [0, 1)")
	}
	if c.MaxRounds < 1 {
		return fmt.Errorf("max rounds must be at least 1")
	}
	if err := c.Mesh.Hierarchy.Validate(); err != nil {
		return fmt.Errorf("hierarchy: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

func (c *config) RegisterFlags(fs *pflag.FlagSet) {
	fs.IntVar(
		&c.Nodes,
		"nodes",
		c.Nodes,
		`
The number of nodes in the mesh.`,
	)
	fs.IntVar(
		&c.Fanout,
		"fanout",
		c.Fanout,
		`
The number of peers each node gossips with per round.`,
	)
	fs.StringSliceVar(
		&c.Regions,
		"regions",
		c.Regions,
		`
Regions to assign nodes to in turn.

Nodes only gossip hierarchically once the mesh exceeds
'--hierarchy.activation-threshold'.`,
	)
	fs.Float64Var(
		&c.Loss,
		"loss",
		c.Loss,
		`
The probability each message is dropped.`,
	)
	fs.IntVar(
		&c.MaxRounds,
		"max-rounds",
		c.MaxRounds,
		`
The maximum number of rounds to run before giving up.`,
	)
	fs.IntVar(
		&c.Mesh.Hierarchy.ActivationThreshold,
		"hierarchy.activation-threshold",
		c.Mesh.Hierarchy.ActivationThreshold,
		`
The number of known peers above which nodes gossip hierarchically.`,
	)
	fs.IntVar(
		&c.Mesh.Hierarchy.GlobalRegions,
		"hierarchy.global-regions",
		c.Mesh.Hierarchy.GlobalRegions,
		`
The number of region groups in the global tier. If zero the global tier is
disabled.`,
	)
	c.Log.RegisterFlags(fs)
}
