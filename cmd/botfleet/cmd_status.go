package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"botfleet/pkg/apiclient"
	"botfleet/pkg/protocol"
)

// newStatusCmd creates the "botfleet status" subcommand.
func newStatusCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the supervisor is running and what its fleet is doing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.settings()
			if err != nil {
				return err
			}
			state, rf, err := inspectSupervisor(s.RunFile)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch state {
			case supervisorStopped:
				fmt.Fprintln(out, "supervisor: stopped")
				return nil
			case supervisorStale:
				fmt.Fprintf(out, "supervisor: stopped (stale run file %s for pid %d)\n", s.RunFile, rf.PID)
				return nil
			}

			fmt.Fprintf(out, "supervisor: running (pid %d, up %s)\n", rf.PID, protocol.FormatUptime(time.Since(rf.StartedAt)))
			fmt.Fprintf(out, "api: %s\n", rf.Listen)
			return g.withClient(cmd, func(ctx context.Context, c *apiclient.Client) error {
				views, err := c.List(ctx)
				if err != nil {
					fmt.Fprintf(out, "bots: unavailable (%v)\n", err)
					return nil
				}
				writeFleetSummary(out, views)
				return nil
			})
		},
	}
}

func writeFleetSummary(w io.Writer, views []protocol.BotView) {
	counts := make(map[protocol.BotState]int)
	workers, restarts := 0, 0
	for _, v := range views {
		if v.Running {
			workers++
			counts[v.Status.State]++
		}
		restarts += v.Restarts
	}
	fmt.Fprintf(w, "bots: %d configured, %d workers running\n", len(views), workers)
	if workers > 0 {
		fmt.Fprintf(w, "  %d online, %d connecting, %d captcha, %d offline\n",
			counts[protocol.StateOnline], counts[protocol.StateConnecting],
			counts[protocol.StateChallenge], counts[protocol.StateOffline])
	}
	if restarts > 0 {
		fmt.Fprintf(w, "  %d crash restarts since start\n", restarts)
	}
}
