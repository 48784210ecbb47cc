package seed

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

type EtcdConfig struct {
	// Endpoints contains the etcd endpoints. If empty etcd discovery is
	// disabled.
	Endpoints []string `json:"endpoints" yaml:"endpoints"`

	// Prefix is the key prefix nodes register under.
	Prefix string `json:"prefix" yaml:"prefix"`

	// TTL is the lease TTL of the local node's registration.
	TTL time.Duration `json:"ttl" yaml:"ttl"`

	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

type Config struct {
	// Addrs contains static seeds in the format 'id@host:port' or
	// 'host:port'.
	Addrs []string `json:"addrs" yaml:"addrs"`

	Etcd EtcdConfig `json:"etcd" yaml:"etcd"`
}

func DefaultConfig() Config {
	return Config{
		Etcd: EtcdConfig{
			Prefix:      "/mesh/peers/",
			TTL:         time.Second * 10,
			DialTimeout: time.Second * 5,
		},
	}
}

func (c *Config) Validate() error {
	for _, addr := range c.Addrs {
		if _, err := Parse(addr); err != nil {
			return err
		}
	}
	if len(c.Etcd.Endpoints) > 0 {
		if c.Etcd.Prefix == "" {
			return fmt.Errorf("missing etcd prefix")
		}
		if c.Etcd.TTL < time.Second {
			return fmt.Errorf("etcd ttl must be at least 1s")
		}
		if c.Etcd.DialTimeout <= 0 {
			return fmt.Errorf("missing etcd dial timeout")
		}
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSliceVar(
		&c.Addrs,
		"seed.addrs",
		c.Addrs,
		`
The addresses of known peers to join the mesh through, in the format
'id@host:port' or 'host:port'.

Only one seed needs to be reachable to join, though configuring multiple
seeds avoids a single point of failure.`,
	)
	fs.StringSliceVar(
		&c.Etcd.Endpoints,
		"seed.etcd-endpoints",
		c.Etcd.Endpoints,
		`
The etcd endpoints to discover seeds from.

If set, the node registers itself in etcd and joins through the other
registered nodes.`,
	)
	fs.StringVar(
		&c.Etcd.Prefix,
		"seed.etcd-prefix",
		c.Etcd.Prefix,
		`
The etcd key prefix nodes register under.`,
	)
	fs.DurationVar(
		&c.Etcd.TTL,
		"seed.etcd-ttl",
		c.Etcd.TTL,
		`
The lease TTL of the node's etcd registration.`,
	)
	fs.DurationVar(
		&c.Etcd.DialTimeout,
		"seed.etcd-dial-timeout",
		c.Etcd.DialTimeout,
		`
The timeout connecting to etcd.`,
	)
}
