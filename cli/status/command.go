package status

import (
	"fmt"
	"net/url"
	"os"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/andydunstall/mesh/status/client"
	"github.com/andydunstall/mesh/status/config"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "inspect node status",
		Long: `Inspect node status.

Each mesh node exposes a status API on its admin server to inspect the state of
the node, this can be used to answer questions such as:
* Has the node converged with its peers?
* Is the node partitioned from the mesh?
* Which peers does the node know and trust?
* Who represents each region?

See 'status --help' for the available commands.

Examples:
  # Inspect the local node's state.
  mesh status state

  # Inspect the peers known by node 10.26.104.56:7947.
  mesh status peers --server.url http://10.26.104.56:7947

  # Follow partition events.
  mesh status events --follow --kind partitioned,recovered
`,
	}

	cmd.AddCommand(newStateCommand())
	cmd.AddCommand(newPartitionCommand())
	cmd.AddCommand(newReadyCommand())
	cmd.AddCommand(newPeersCommand())
	cmd.AddCommand(newPeerCommand())
	cmd.AddCommand(newTopologyCommand())
	cmd.AddCommand(newElectionCommand())
	cmd.AddCommand(newEventsCommand())

	return cmd
}

// newStatusCommand returns a command that queries the admin server with
// show. Every status command shares the server flags.
func newStatusCommand(
	cmd *cobra.Command,
	show func(cmd *cobra.Command, client *client.Client, args []string),
) *cobra.Command {
	conf := config.Default()
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		tlsConfig, err := conf.Server.TLS.Load()
		if err != nil {
			fmt.Printf("invalid config: tls: %s\n", err.Error())
			os.Exit(1)
		}

		// The URL has already been validated in conf.
		url, _ := url.Parse(conf.Server.URL)
		client := client.NewClient(
			url, tlsConfig, client.WithTimeout(conf.Server.Timeout),
		)
		defer client.Close()

		show(cmd, client, args)
	}

	return cmd
}

func printYAML(v any) {
	b, err := yaml.Marshal(v)
	if err != nil {
		fmt.Printf("failed to encode output: %s\n", err.Error())
		os.Exit(1)
	}
	fmt.Print(string(b))
}

func exitf(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}
