package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"botfleet/pkg/apiclient"
	"botfleet/pkg/fanout"
	"botfleet/pkg/protocol"
)

// newBotsCmd creates the "botfleet bots" command group, a client of a
// running supervisor.
func newBotsCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bots",
		Short: "Manage bots on a running supervisor",
	}
	cmd.AddCommand(
		newBotsListCmd(g),
		newBotsAddCmd(g),
		newBotsIDCmd(g, "remove", "Stop a bot and delete its configuration", (*apiclient.Client).Remove, "removed"),
		newBotsIDCmd(g, "start", "Start a bot's worker", (*apiclient.Client).Start, "started"),
		newBotsIDCmd(g, "stop", "Stop a bot's worker", (*apiclient.Client).Stop, "stopping"),
		newBotsIDCmd(g, "login", "Send the stored login command", (*apiclient.Client).Login, "login sent to"),
		newBotsTextCmd(g, "send", "Send a chat line or command", (*apiclient.Client).Command),
		newBotsTextCmd(g, "captcha", "Answer a captcha challenge", (*apiclient.Client).SolveCaptcha),
		newBotsTailCmd(g),
	)
	return cmd
}

// withClient runs fn with an API client and the request timeout applied.
func (g *globalOpts) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *apiclient.Client) error) error {
	c, err := g.client()
	if err != nil {
		return err
	}
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, g.timeout)
	defer cancel()
	return fn(ctx, c)
}

func newBotsListCmd(g *globalOpts) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List bots with their status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *apiclient.Client) error {
				views, err := c.List(ctx)
				if err != nil {
					return err
				}
				return renderBots(cmd.OutOrStdout(), views, output)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, yaml or json")
	return cmd
}

func renderBots(w io.Writer, views []protocol.BotView, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(views)
	case "table", "":
		if len(views) == 0 {
			fmt.Fprintln(w, "no bots configured")
			return nil
		}
		color := isTerminal(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tSERVER\tSTATE\tUPTIME\tRESTARTS\tMESSAGE")
		for _, v := range views {
			name := v.DisplayName
			if name == "" {
				name = v.Username
			}
			fmt.Fprintf(tw, "%s\t%s\t%s:%d\t%s\t%s\t%d\t%s\n",
				v.ID, name, v.ServerHost, v.ServerPort,
				stateLabel(v.Status.State, color), v.Uptime, v.Restarts, v.Status.Message)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q (want table, yaml or json)", format)
	}
}

var stateColors = map[protocol.BotState]lipgloss.Color{
	protocol.StateOnline:     lipgloss.Color("#73F59F"),
	protocol.StateConnecting: lipgloss.Color("#F5D76E"),
	protocol.StateChallenge:  lipgloss.Color("#FF9F43"),
	protocol.StateOffline:    lipgloss.Color("#FF6B6B"),
}

func stateLabel(state protocol.BotState, color bool) string {
	if !color {
		return string(state)
	}
	c, ok := stateColors[state]
	if !ok {
		return string(state)
	}
	return lipgloss.NewStyle().Foreground(c).Render(string(state))
}

func newBotsAddCmd(g *globalOpts) *cobra.Command {
	var cfg protocol.BotConfig
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *apiclient.Client) error {
				view, err := c.Add(ctx, cfg)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s@%s:%d)\n", view.ID, view.Username, view.ServerHost, view.ServerPort)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.ID, "id", "", "bot id (generated when empty)")
	f.StringVar(&cfg.DisplayName, "name", "", "display name")
	f.StringVar(&cfg.ServerHost, "host", "", "server host")
	f.IntVar(&cfg.ServerPort, "port", 25565, "server port")
	f.StringVar(&cfg.Username, "username", "", "account name")
	f.StringVar(&cfg.Credential, "password", "", "login password")
	f.BoolVar(&cfg.AutoLogin, "auto-login", false, "log in automatically after joining")
	f.StringVar(&cfg.LocalBindAddress, "bind", "", "local IP address for outgoing connections")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

// newBotsIDCmd builds a command taking a single bot id.
func newBotsIDCmd(g *globalOpts, use, short string, call func(*apiclient.Client, context.Context, string) error, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <bot-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *apiclient.Client) error {
				if err := call(c, ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, args[0])
				return nil
			})
		},
	}
}

// newBotsTextCmd builds a command taking a bot id and free text.
func newBotsTextCmd(g *globalOpts, use, short string, call func(*apiclient.Client, context.Context, string, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <bot-id> <text...>",
		Short: short,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			return g.withClient(cmd, func(ctx context.Context, c *apiclient.Client) error {
				return call(c, ctx, args[0], text)
			})
		},
	}
}

func newBotsTailCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "tail [bot-id]",
		Short: "Follow status changes and log lines",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var only string
			if len(args) == 1 {
				only = args[0]
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			stream, err := c.Subscribe(ctx)
			if err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				_ = stream.Close()
			}()
			return tailEvents(ctx, cmd.OutOrStdout(), stream, only)
		},
	}
}

type eventSource interface {
	Next() (fanout.Event, error)
}

// tailEvents prints events until the stream ends. A stream closed because
// ctx was cancelled is not an error.
func tailEvents(ctx context.Context, w io.Writer, src eventSource, only string) error {
	for {
		ev, err := src.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if line, ok := formatTailEvent(ev, only); ok {
			fmt.Fprintln(w, line)
		}
	}
}

func formatTailEvent(ev fanout.Event, only string) (string, bool) {
	if only != "" && ev.BotID != "" && ev.BotID != only {
		return "", false
	}
	switch ev.Type {
	case fanout.EventStatus:
		return fmt.Sprintf("[%s] status %s: %s", ev.BotID, ev.Status.State, ev.Status.Message), true
	case fanout.EventLog:
		return fmt.Sprintf("[%s] %s %s", ev.BotID, ev.Log.At.Format("15:04:05"), ev.Log.Line), true
	case fanout.EventAdded:
		return fmt.Sprintf("[%s] added", ev.BotID), true
	case fanout.EventRemoved:
		return fmt.Sprintf("[%s] removed", ev.BotID), true
	case fanout.EventError:
		return "error: " + ev.Message, true
	default:
		return "", false
	}
}
