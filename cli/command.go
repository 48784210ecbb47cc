package cli

import (
	"github.com/spf13/cobra"

	"github.com/andydunstall/mesh/cli/node"
	"github.com/andydunstall/mesh/cli/simulate"
	"github.com/andydunstall/mesh/cli/status"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "mesh [command] (flags)",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Long: `Mesh is a gossip-based state convergence engine.

Nodes in the mesh converge a shared value, such as a counter or set, by
periodically exchanging state with a few peers. Every update is signed by the
node that made it, so peers reject forged or tampered state and penalize the
peers that sent it.

Start a node with:

  $ mesh node

Join an existing mesh through a known node with:

  $ mesh node --seed.addrs 10.26.104.14:7946

You can inspect the status of a node using:

  $ mesh status

To see how quickly a mesh converges, simulate one in-memory:

  $ mesh simulate --nodes 100 --fanout 3
`,
	}

	cmd.AddCommand(node.NewCommand())
	cmd.AddCommand(status.NewCommand())
	cmd.AddCommand(simulate.NewCommand())

	return cmd
}

func init() {
	cobra.EnableCommandSorting = false
}
