package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"botfleet/pkg/settings"
)

// newInitCmd creates the "botfleet init" subcommand.
func newInitCmd(g *globalOpts) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the state directory and a default settings file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			home := g.home
			if home == "" {
				var err error
				if home, err = settings.ResolveHome(); err != nil {
					return err
				}
			}
			path := filepath.Join(home, settings.FileName)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat %s: %w", path, err)
			}

			s := settings.Defaults(home)
			written, err := settings.Save(s)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(s.LogsDir, 0o750); err != nil {
				return fmt.Errorf("create logs dir: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", written)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing settings file")
	return cmd
}
