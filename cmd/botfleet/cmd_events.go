package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"botfleet/pkg/eventlog"
)

type eventsConfig struct {
	botID  string
	typ    string
	since  time.Duration
	limit  int
	output string
}

// newEventsCmd creates the "botfleet events" subcommand, which reads the
// lifecycle history straight from the state database.
func newEventsCmd(g *globalOpts) *cobra.Command {
	var cfg eventsConfig

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show bot lifecycle history",
		Long:  "Lists starts, stops, crashes, restarts and worker errors recorded by the supervisor, newest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.settings()
			if err != nil {
				return err
			}
			r, err := eventlog.NewReader(s.StateDBPath)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer r.Close()

			opts := eventlog.QueryOpts{BotID: cfg.botID, EventType: cfg.typ, Limit: cfg.limit}
			if cfg.since > 0 {
				after := time.Now().Add(-cfg.since)
				opts.After = &after
			}
			events, err := r.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return renderEvents(cmd.OutOrStdout(), events, cfg.output)
		},
	}

	cmd.Flags().StringVar(&cfg.botID, "bot", "", "only events for this bot")
	cmd.Flags().StringVar(&cfg.typ, "type", "", "only events of this type (start, stop, crash, ...)")
	cmd.Flags().DurationVar(&cfg.since, "since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&cfg.limit, "limit", 50, "maximum number of events")
	cmd.Flags().StringVarP(&cfg.output, "output", "o", "table", "output format: table, yaml or json")
	return cmd
}

func renderEvents(w io.Writer, events []eventlog.Event, format string) error {
	switch format {
	case "json":
		return json.NewEncoder(w).Encode(events)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(events)
	case "table", "":
		if len(events) == 0 {
			fmt.Fprintln(w, "no events found")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tTYPE\tBOT\tPID\tDETAIL")
		for _, e := range events {
			pid := "-"
			if e.PID > 0 {
				pid = fmt.Sprint(e.PID)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Type, e.BotID, pid, e.Payload)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q (want table, yaml or json)", format)
	}
}
