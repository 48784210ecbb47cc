// Package config contains the configuration of a mesh node process.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/andydunstall/mesh/pkg/crdt"
	"github.com/andydunstall/mesh/pkg/log"
	"github.com/andydunstall/mesh/pkg/mesh"
	"github.com/andydunstall/mesh/pkg/seed"
	"github.com/andydunstall/mesh/server/admin"
)

type NodeConfig struct {
	// IDPath is the path of the node's identity key. If the file doesn't
	// exist a new identity is generated and written to the path. If empty
	// an ephemeral identity is generated on each start.
	IDPath string `json:"id_path" yaml:"id_path"`

	// Payload is the type of value the mesh converges. Either 'gcounter',
	// 'gset' or 'lwwmap'.
	Payload string `json:"payload" yaml:"payload"`
}

func (c *NodeConfig) Validate() error {
	if _, err := c.PayloadType(); err != nil {
		return err
	}
	return nil
}

// PayloadType returns the type of the configured payload.
func (c *NodeConfig) PayloadType() (crdt.Type, error) {
	for _, typ := range []crdt.Type{
		crdt.GCounterType{},
		crdt.GSetType{},
		crdt.LWWMapType{},
	} {
		if typ.Name() == c.Payload {
			return typ, nil
		}
	}
	return nil, fmt.Errorf("unsupported payload: %q", c.Payload)
}

type Config struct {
	Node  NodeConfig   `json:"node" yaml:"node"`
	Mesh  mesh.Config  `json:"mesh" yaml:"mesh"`
	Seed  seed.Config  `json:"seed" yaml:"seed"`
	Admin admin.Config `json:"admin" yaml:"admin"`
	Log   log.Config   `json:"log" yaml:"log"`

	// GracePeriod is the duration to gracefully shutdown the node. During
	// the grace period the node deregisters from etcd and the admin server
	// waits for active requests to complete.
	GracePeriod time.Duration `json:"grace_period" yaml:"grace_period"`
}

func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Payload: crdt.GCounterType{}.Name(),
		},
		Mesh:  mesh.DefaultConfig(),
		Seed:  seed.DefaultConfig(),
		Admin: admin.DefaultConfig(),
		Log: log.Config{
			Level:  "info",
			Output: "stderr",
		},
		GracePeriod: time.Second * 30,
	}
}

func (c *Config) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if err := c.Mesh.Validate(); err != nil {
		return fmt.Errorf("mesh: %w", err)
	}
	if err := c.Seed.Validate(); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	if c.GracePeriod == 0 {
		return fmt.Errorf("missing grace period")
	}

	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.Node.IDPath,
		"node.id-path",
		c.Node.IDPath,
		`
Path of the node's identity key.

The node ID is derived from the key, so to keep the same ID across restarts
configure a persistent path. If the file doesn't exist a new key is generated
and written to the path.

By default an ephemeral identity is generated on each start.`,
	)
	fs.StringVar(
		&c.Node.Payload,
		"node.payload",
		c.Node.Payload,
		`
The type of value the mesh converges. Either 'gcounter', 'gset' or 'lwwmap'.

Every node in the mesh must use the same payload type.`,
	)

	c.Mesh.RegisterFlags(fs)
	c.Seed.RegisterFlags(fs)
	c.Admin.RegisterFlags(fs)
	c.Log.RegisterFlags(fs)

	fs.DurationVar(
		&c.GracePeriod,
		"grace-period",
		c.GracePeriod,
		`
Maximum duration after a shutdown signal is received (SIGTERM or
SIGINT) to gracefully shutdown the node before terminating.`,
	)
}
