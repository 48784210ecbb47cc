package simulate

import (
	"context"
	"fmt"
	"os"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andydunstall/mesh/meshtest/cluster"
	"github.com/andydunstall/mesh/pkg/crdt"
	"github.com/andydunstall/mesh/pkg/log"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "simulate a mesh in-memory",
		Long: `Simulate a mesh in-memory.

Starts the given number of nodes on an in-memory network with a simulated
clock. Each node increments a shared counter once, then the mesh gossips
until every node has the same state. Outputs the number of rounds to
converge along with the messages exchanged in each round.

Examples:
  # Simulate 100 nodes with a fanout of 3.
  mesh simulate --nodes 100 --fanout 3

  # Simulate 1000 nodes where 10% of messages are dropped.
  mesh simulate --nodes 1000 --loss 0.1

  # Simulate 200 nodes in 4 regions gossiping hierarchically.
  mesh simulate --nodes 200 --regions a,b,c,d --hierarchy.activation-threshold 50
`,
	}

	conf := defaultConfig()
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		logger, err := log.NewLogger(conf.Log)
		if err != nil {
			fmt.Printf("failed to setup logger: %s\n", err.Error())
			os.Exit(1)
		}

		output, err := run(cmd.Context(), &conf, logger)
		if err != nil {
			logger.Error("failed to run simulation", zap.Error(err))
			os.Exit(1)
		}

		b, _ := yaml.Marshal(output)
		fmt.Print(string(b))

		if !output.Converged {
			os.Exit(1)
		}
	}

	return cmd
}

type roundOutput struct {
	Round int `json:"round" yaml:"round"`
	cluster.StepStats `json:",inline" yaml:",inline"`
	// Converged is the number of nodes with the majority digest.
	Converged int `json:"converged" yaml:"converged"`
}

type simulationOutput struct {
	Nodes     int      `json:"nodes" yaml:"nodes"`
	Fanout    int      `json:"fanout" yaml:"fanout"`
	Regions   []string `json:"regions,omitempty" yaml:"regions,omitempty"`
	Converged bool     `json:"converged" yaml:"converged"`
	// Rounds is the number of rounds until every node converged.
	Rounds int `json:"rounds" yaml:"rounds"`
	// Value is the counter value of the first node.
	Value   uint64        `json:"value" yaml:"value"`
	History []roundOutput `json:"history" yaml:"history"`
}

func run(ctx context.Context, conf *config, logger log.Logger) (*simulationOutput, error) {
	meshConf := conf.Mesh
	meshConf.Gossip.Fanout = conf.Fanout

	c := cluster.New(
		cluster.WithConfig(meshConf),
		cluster.WithRegions(conf.Regions),
		cluster.WithLogger(logger),
	)
	defer c.Close()

	if err := c.AddNodes(ctx, conf.Nodes); err != nil {
		return nil, fmt.Errorf("add nodes: %w", err)
	}
	logger.Info("nodes added", zap.Int("nodes", conf.Nodes))

	c.SetLoss(conf.Loss, 0)

	for _, node := range c.Nodes() {
		if _, err := node.Update(crdt.NewGCounter().Increment(node.ID(), 1)); err != nil {
			return nil, fmt.Errorf("update: %w", err)
		}
	}

	output := &simulationOutput{
		Nodes:   conf.Nodes,
		Fanout:  conf.Fanout,
		Regions: conf.Regions,
	}
	for round := 1; round <= conf.MaxRounds; round++ {
		stats := c.Step(ctx)
		agreed := majority(c.Nodes())
		output.History = append(output.History, roundOutput{
			Round:     round,
			StepStats: stats,
			Converged: agreed,
		})
		logger.Debug(
			"round completed",
			zap.Int("round", round),
			zap.Int("converged", agreed),
			zap.Int("sent", stats.Sent),
		)

		if c.Converged() && value(c.Nodes()[0]) == uint64(conf.Nodes) {
			output.Converged = true
			output.Rounds = round
			break
		}
	}
	if !output.Converged {
		output.Rounds = conf.MaxRounds
	}
	output.Value = value(c.Nodes()[0])

	return output, nil
}

// majority returns the number of nodes with the most common digest.
func majority(nodes []*cluster.Node) int {
	counts := make(map[crdt.Digest]int)
	best := 0
	for _, node := range nodes {
		d := node.CurrentState().Digest
		counts[d]++
		best = max(best, counts[d])
	}
	return best
}

func value(node *cluster.Node) uint64 {
	counter, ok := node.CurrentState().Payload.(*crdt.GCounter)
	if !ok {
		return 0
	}
	return counter.Value()
}
