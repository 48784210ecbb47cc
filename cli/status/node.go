package status

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/andydunstall/mesh/pkg/mesh"
	"github.com/andydunstall/mesh/status/client"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "inspect node state",
		Long: `Inspect the node state.

Queries the node for its ID, address and the state of each gossip tier,
including the digest, version vector and whether the state is provisional.

Nodes have converged when every tier has the same digest.

Examples:
  mesh status state
`,
	}
	return newStatusCommand(cmd, func(cmd *cobra.Command, client *client.Client, _ []string) {
		node, err := client.Node(cmd.Context())
		if err != nil {
			exitf("failed to get node state: %s", err.Error())
		}
		printYAML(node)
	})
}

func newPartitionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partition",
		Short: "inspect partition status",
		Long: `Inspect the partition status.

Queries whether the node can reach a quorum of peers. While partitioned,
local updates are accepted but marked provisional until the node recovers.

Examples:
  mesh status partition
`,
	}
	return newStatusCommand(cmd, func(cmd *cobra.Command, client *client.Client, _ []string) {
		status, err := client.Partition(cmd.Context())
		if err != nil {
			exitf("failed to get partition status: %s", err.Error())
		}
		printYAML(status)
	})
}

type readyOutput struct {
	Ready  bool   `json:"ready" yaml:"ready"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func newReadyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "check node readiness",
		Long: `Check whether the node is ready.

A node is not ready while partitioned from the mesh. Exits with a non-zero
status if the node is not ready, so can be used in scripts and health checks.

Examples:
  mesh status ready
`,
	}
	return newStatusCommand(cmd, func(cmd *cobra.Command, client *client.Client, _ []string) {
		if err := client.Ready(cmd.Context()); err != nil {
			printYAML(readyOutput{Reason: err.Error()})
			os.Exit(1)
		}
		printYAML(readyOutput{Ready: true})
	})
}

type peersOutput struct {
	Peers []mesh.PeerStatus `json:"peers" yaml:"peers"`
}

func newPeersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "inspect known peers",
		Long: `Inspect known peers.

Queries the node for every peer in its directory, including each peer's
address, reputation, latency and when it was last seen.

Examples:
  mesh status peers
`,
	}
	return newStatusCommand(cmd, func(cmd *cobra.Command, client *client.Client, _ []string) {
		peers, err := client.Peers(cmd.Context())
		if err != nil {
			exitf("failed to get peers: %s", err.Error())
		}
		printYAML(peersOutput{Peers: peers})
	})
}

func newPeerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Args:  cobra.ExactArgs(1),
		Short: "inspect a known peer",
		Long: `Inspect a known peer.

Queries the node for the peer with the given ID.

Examples:
  # Inspect peer 3f9a1c0b5e7d24a68c1f0e9b2d4a7c53.
  mesh status peer 3f9a1c0b5e7d24a68c1f0e9b2d4a7c53
`,
	}
	return newStatusCommand(cmd, func(cmd *cobra.Command, client *client.Client, args []string) {
		peer, err := client.Peer(cmd.Context(), args[0])
		if err != nil {
			exitf("failed to get peer: %s: %s", args[0], err.Error())
		}
		printYAML(peer)
	})
}

func newTopologyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "inspect preferred partners",
		Long: `Inspect the node's preferred gossip partners.

Queries the node for the partners selected at the last rebalance and the
strategy used to select them.

Examples:
  mesh status topology
`,
	}
	return newStatusCommand(cmd, func(cmd *cobra.Command, client *client.Client, _ []string) {
		assignment, err := client.Topology(cmd.Context())
		if err != nil {
			exitf("failed to get topology: %s", err.Error())
		}
		printYAML(assignment)
	})
}

func newElectionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "election",
		Short: "inspect region representatives",
		Long: `Inspect the region representatives.

Queries the node for the representative of each known region, and of each
region group if the global tier is enabled.

Examples:
  mesh status election
`,
	}
	return newStatusCommand(cmd, func(cmd *cobra.Command, client *client.Client, _ []string) {
		election, err := client.Election(cmd.Context())
		if err != nil {
			exitf("failed to get election: %s", err.Error())
		}
		printYAML(election)
	})
}
