package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"botfleet/internal/logging"
	"botfleet/pkg/session"
	"botfleet/pkg/worker"
)

// newWorkerCmd creates the hidden "botfleet worker" subcommand the
// supervisor spawns for each bot. It speaks the control protocol on
// stdin/stdout and logs to stderr.
func newWorkerCmd() *cobra.Command {
	var (
		botID     string
		logLevel  string
		handshake time.Duration
		path      string
	)

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a single bot session (spawned by serve)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, _, err := logging.New(logging.Config{Level: logLevel, Output: os.Stderr})
			if err != nil {
				return err
			}
			entry := log.WithField("bot", botID)
			entry.Info("worker started")

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			err = worker.Serve(ctx, os.Stdin, os.Stdout, worker.Config{
				Dialer: &session.WSDialer{HandshakeTimeout: handshake, Path: path},
				Logger: entry,
			})
			if errors.Is(err, worker.ErrControlClosed) {
				entry.Warn("supervisor went away")
				return nil
			}
			entry.Info("worker finished")
			return err
		},
	}
	cmd.Flags().StringVar(&botID, "id", "", "bot id (for log context)")
	cmd.Flags().StringVar(&logLevel, "log-level", os.Getenv("BOTFLEET_LOG_LEVEL"), "log level")
	cmd.Flags().DurationVar(&handshake, "handshake-timeout", session.DefaultHandshakeTimeout, "session handshake timeout")
	cmd.Flags().StringVar(&path, "session-path", "", "session endpoint path on the server")
	return cmd
}
