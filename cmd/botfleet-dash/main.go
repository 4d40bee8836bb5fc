// Package main implements botfleet-dash, an interactive terminal dashboard
// for a running botfleet supervisor.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"botfleet/pkg/apiclient"
	"botfleet/pkg/settings"
)

func newRootCmd() *cobra.Command {
	var (
		home string
		addr string
	)
	cmd := &cobra.Command{
		Use:           "botfleet-dash",
		Short:         "Watch and control a bot fleet",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				s, err := settings.Load(home)
				if err != nil {
					return fmt.Errorf("load settings: %w", err)
				}
				addr = s.Listen
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			stream, err := apiclient.New(addr).Subscribe(ctx)
			if err != nil {
				return err
			}
			defer stream.Close()

			p := tea.NewProgram(newModel(stream), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&home, "home", "", "state directory (default $BOTFLEET_HOME or ~/.botfleet)")
	cmd.Flags().StringVar(&addr, "addr", "", "supervisor API address (default: listen address from settings)")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}
