package status

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andydunstall/mesh/pkg/event"
	"github.com/andydunstall/mesh/status/client"
)

type eventsOutput struct {
	Events []event.Event `json:"events" yaml:"events"`
}

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "inspect node events",
		Long: `Inspect node events.

Queries the node for its most recent events, such as completed gossip rounds,
rejected messages and partition changes. Use '--follow' to stream new events
as they are published.

The event kinds are 'peer-registered', 'peer-pruned', 'byzantine-rejected',
'round-completed', 'converged', 'partitioned', 'recovered' and 'rebalanced'.

Examples:
  # Inspect the 20 most recent events.
  mesh status events --limit 20

  # Inspect rejected messages.
  mesh status events --kind byzantine-rejected

  # Stream partition events.
  mesh status events --follow --kind partitioned,recovered
`,
	}

	var limit int
	cmd.Flags().IntVar(
		&limit,
		"limit",
		100,
		`
The maximum number of recent events to return.`,
	)
	var kinds []string
	cmd.Flags().StringSliceVar(
		&kinds,
		"kind",
		nil,
		`
Only include events of the given kinds.`,
	)
	var follow bool
	cmd.Flags().BoolVar(
		&follow,
		"follow",
		false,
		`
Stream new events until interrupted, rather than returning the recent
events.`,
	)

	return newStatusCommand(cmd, func(cmd *cobra.Command, client *client.Client, _ []string) {
		eventKinds := make([]event.Kind, 0, len(kinds))
		for _, k := range kinds {
			eventKinds = append(eventKinds, event.Kind(k))
		}

		if follow {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := followEvents(ctx, client, eventKinds); err != nil {
				exitf("failed to stream events: %s", err.Error())
			}
			return
		}

		events, err := client.Events(cmd.Context(), limit, eventKinds...)
		if err != nil {
			exitf("failed to get events: %s", err.Error())
		}
		printYAML(eventsOutput{Events: events})
	})
}

// followEvents prints each streamed event as a separate YAML document.
func followEvents(ctx context.Context, client *client.Client, kinds []event.Kind) error {
	first := true
	return client.StreamEvents(ctx, func(e event.Event) {
		if !first {
			fmt.Println("---")
		}
		first = false
		printYAML(e)
	}, kinds...)
}
