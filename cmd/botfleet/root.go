package main

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"botfleet/internal/version"
	"botfleet/pkg/apiclient"
	"botfleet/pkg/settings"
)

// globalOpts are the persistent flags shared by every subcommand.
type globalOpts struct {
	home    string
	addr    string
	timeout time.Duration
}

// newRootCmd creates the root botfleet command with all subcommands attached.
func newRootCmd() *cobra.Command {
	g := &globalOpts{}

	cmd := &cobra.Command{
		Use:   "botfleet",
		Short: "Supervise a fleet of chat-server bots",
		Long: "botfleet runs one worker process per bot, keeps their sessions alive,\n" +
			"and exposes the fleet over an HTTP API and websocket event stream.",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			// A missing .env is normal.
			_ = godotenv.Load()
		},
	}
	cmd.SetVersionTemplate("botfleet {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&g.home, "home", "", "state directory (default $BOTFLEET_HOME or ~/.botfleet)")
	cmd.PersistentFlags().StringVar(&g.addr, "addr", "", "supervisor API address (default: the running supervisor's, else settings)")
	cmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 15*time.Second, "API request timeout")

	cmd.AddCommand(
		newInitCmd(g),
		newServeCmd(g),
		newStatusCmd(g),
		newWorkerCmd(),
		newBotsCmd(g),
		newEventsCmd(g),
		newVersionCmd(),
	)
	return cmd
}

func (g *globalOpts) settings() (settings.Settings, error) {
	s, err := settings.Load(g.home)
	if err != nil {
		return settings.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return s, nil
}

func (g *globalOpts) client() (*apiclient.Client, error) {
	if g.addr != "" {
		return apiclient.New(g.addr), nil
	}
	s, err := g.settings()
	if err != nil {
		return nil, err
	}
	// A running supervisor may have been started with --listen.
	if state, rf, err := inspectSupervisor(s.RunFile); err == nil && state == supervisorRunning && rf.Listen != "" {
		return apiclient.New(rf.Listen), nil
	}
	return apiclient.New(s.Listen), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	}
}
