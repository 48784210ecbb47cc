package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydunstall/mesh/pkg/config"
	"github.com/andydunstall/mesh/pkg/crdt"
)

// Tests the default configuration is valid.
func TestConfig_Default(t *testing.T) {
	conf := Default()
	assert.NoError(t, conf.Validate())
}

// Tests loading the node configuration from YAML.
func TestConfig_LoadYAML(t *testing.T) {
	yaml := `
node:
  id_path: /mesh/id.key
  payload: gset

mesh:
  region: eu-west-1
  gossip:
    bind_addr: 10.15.104.25:7946
    advertise_addr: 1.2.3.4:7946
    interval: 100ms
    fanout: 3
    max_packet_size: 1400
  partition:
    quorum_size: 4
  hierarchy:
    activation_threshold: 500

seed:
  addrs:
    - 10.26.104.12:7946
    - 10.26.104.73:7946
  etcd:
    endpoints:
      - ${ETCD_ADDR}
    prefix: /mesh/prod/

admin:
  bind_addr: 10.15.104.25:7947
  access_log:
    enabled: true

log:
  level: debug
  subsystems:
    - gossip
    - validator

grace_period: 2m
`

	path := filepath.Join(t.TempDir(), "mesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("ETCD_ADDR", "10.26.104.5:2379")

	loadedConf := Default()
	require.NoError(t, config.Load(path, loadedConf, true))

	expectedConf := Default()
	expectedConf.Node.IDPath = "/mesh/id.key"
	expectedConf.Node.Payload = "gset"
	expectedConf.Mesh.Region = "eu-west-1"
	expectedConf.Mesh.Gossip.BindAddr = "10.15.104.25:7946"
	expectedConf.Mesh.Gossip.AdvertiseAddr = "1.2.3.4:7946"
	expectedConf.Mesh.Gossip.Interval = time.Millisecond * 100
	expectedConf.Mesh.Gossip.Fanout = 3
	expectedConf.Mesh.Gossip.MaxPacketSize = 1400
	expectedConf.Mesh.Partition.QuorumSize = 4
	expectedConf.Mesh.Hierarchy.ActivationThreshold = 500
	expectedConf.Seed.Addrs = []string{
		"10.26.104.12:7946",
		"10.26.104.73:7946",
	}
	expectedConf.Seed.Etcd.Endpoints = []string{"10.26.104.5:2379"}
	expectedConf.Seed.Etcd.Prefix = "/mesh/prod/"
	expectedConf.Admin.BindAddr = "10.15.104.25:7947"
	expectedConf.Admin.AccessLog.Enabled = true
	expectedConf.Log.Level = "debug"
	expectedConf.Log.Subsystems = []string{"gossip", "validator"}
	expectedConf.GracePeriod = 2 * time.Minute

	assert.Equal(t, expectedConf, loadedConf)
	assert.NoError(t, loadedConf.Validate())
}

// Tests loading the node configuration from flags.
func TestConfig_LoadFlags(t *testing.T) {
	args := []string{
		"--node.id-path", "/mesh/id.key",
		"--node.payload", "lwwmap",
		"--node.region", "eu-west-1",
		"--gossip.bind-addr", "10.15.104.25:7946",
		"--gossip.advertise-addr", "1.2.3.4:7946",
		"--gossip.interval", "100ms",
		"--gossip.fanout", "3",
		"--partition.quorum-size", "4",
		"--seed.addrs", "10.26.104.12:7946,10.26.104.73:7946",
		"--admin.bind-addr", "10.15.104.25:7947",
		"--log.level", "debug",
		"--log.subsystems", "gossip,validator",
		"--grace-period", "2m",
	}

	fs := pflag.NewFlagSet("", pflag.PanicOnError)

	loadedConf := Default()
	loadedConf.RegisterFlags(fs)

	require.NoError(t, fs.Parse(args))

	expectedConf := Default()
	expectedConf.Node.IDPath = "/mesh/id.key"
	expectedConf.Node.Payload = "lwwmap"
	expectedConf.Mesh.Region = "eu-west-1"
	expectedConf.Mesh.Gossip.BindAddr = "10.15.104.25:7946"
	expectedConf.Mesh.Gossip.AdvertiseAddr = "1.2.3.4:7946"
	expectedConf.Mesh.Gossip.Interval = time.Millisecond * 100
	expectedConf.Mesh.Gossip.Fanout = 3
	expectedConf.Mesh.Partition.QuorumSize = 4
	expectedConf.Seed.Addrs = []string{
		"10.26.104.12:7946",
		"10.26.104.73:7946",
	}
	expectedConf.Admin.BindAddr = "10.15.104.25:7947"
	expectedConf.Log.Level = "debug"
	expectedConf.Log.Subsystems = []string{"gossip", "validator"}
	expectedConf.GracePeriod = 2 * time.Minute

	assert.Equal(t, expectedConf, loadedConf)
}

func TestNodeConfig_PayloadType(t *testing.T) {
	conf := NodeConfig{Payload: "gcounter"}
	typ, err := conf.PayloadType()
	require.NoError(t, err)
	assert.Equal(t, crdt.GCounterType{}, typ)

	conf.Payload = "unknown"
	_, err = conf.PayloadType()
	assert.Error(t, err)
	assert.Error(t, conf.Validate())
}
