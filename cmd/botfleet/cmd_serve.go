package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"botfleet/internal/logging"
	"botfleet/pkg/configstore"
	"botfleet/pkg/eventlog"
	"botfleet/pkg/fanout"
	"botfleet/pkg/settings"
	"botfleet/pkg/supervisor"
)

type serveOpts struct {
	listen   string
	logLevel string
	start    []string
}

// newServeCmd creates the "botfleet serve" subcommand.
func newServeCmd(g *globalOpts) *cobra.Command {
	var opts serveOpts

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet supervisor and its API",
		Long: "Runs the supervisor in the foreground. Each bot runs in its own worker\n" +
			"process; crashed workers are restarted. SIGINT or SIGTERM stops every\n" +
			"worker before exiting.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.settings()
			if err != nil {
				return err
			}
			if opts.listen != "" {
				s.Listen = opts.listen
			}
			if opts.logLevel != "" {
				s.LogLevel = opts.logLevel
			}
			return runServe(cmd.Context(), cmd.OutOrStdout(), s, opts)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "", "API listen address (overrides settings)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level (overrides settings)")
	cmd.Flags().StringSliceVar(&opts.start, "start", nil, "bot ids to start once the supervisor is up")
	return cmd
}

func runServe(parent context.Context, out io.Writer, s settings.Settings, opts serveOpts) error {
	if parent == nil {
		parent = context.Background()
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.Home, 0o750); err != nil {
		return fmt.Errorf("create home: %w", err)
	}

	if state, rf, err := inspectSupervisor(s.RunFile); err == nil && state == supervisorRunning {
		return fmt.Errorf("supervisor already running (pid %d, api %s)", rf.PID, rf.Listen)
	}

	sl := newStartupLog(out, isTerminal(out))

	log, closeLog, err := logging.New(logging.Config{Level: s.LogLevel, File: s.LogFile})
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	store, err := configstore.Open(s.DataPath)
	if err != nil {
		sl.Fail("load bot configuration", err)
		return err
	}
	sl.Step(fmt.Sprintf("Loaded %d bots from %s", len(store.List()), s.DataPath))

	events, err := eventlog.Open(s.StateDBPath)
	if err != nil {
		sl.Fail("open event log", err)
		return err
	}
	defer events.Close()
	sl.Step("Event log at " + s.StateDBPath)

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	hub := fanout.NewHub(fanout.DefaultHistory)
	sup := supervisor.New(supervisor.Config{
		Store:        store,
		Launcher:     supervisor.NewExecLauncher(exe, s.LogsDir, log),
		Publisher:    hub,
		Events:       events,
		Logger:       log,
		Worker:       s.Worker(),
		RestartDelay: s.Reconnect.Duration,
		StopGrace:    s.StopGrace.Duration,
	})

	pid := os.Getpid()
	if err := claimRunFile(s.RunFile, runFile{PID: pid, Listen: s.Listen, Home: s.Home, StartedAt: time.Now()}); err != nil {
		return err
	}
	ctx, release := trapSignals(parent, s.RunFile, pid)
	defer release()

	supDone := make(chan error, 1)
	go func() { supDone <- sup.Run(ctx) }()

	go func() {
		err := store.Watch(ctx, log, func() {
			log.Info("bot configuration changed on disk")
			if err := sup.Refresh(ctx); err != nil {
				log.WithError(err).Warn("publish snapshot")
			}
		})
		if err != nil {
			log.WithError(err).Warn("config watch stopped")
		}
	}()

	for _, id := range opts.start {
		if err := sup.Start(ctx, id); err != nil {
			log.WithError(err).WithField("bot", id).Error("start on boot")
		}
	}

	server := fanout.NewServer(fanout.ServerConfig{Controller: sup, Hub: hub, Logger: log})
	sl.Step("API listening on http://" + s.Listen)
	log.WithFields(logrus.Fields{"pid": pid, "home": s.Home}).Info("supervisor started")

	serveErr := server.ListenAndServe(ctx, s.Listen)
	release()

	stop := sl.StartSpinner("Stopping workers")
	err = <-supDone
	stop()
	log.Info("supervisor stopped")

	if serveErr != nil {
		return serveErr
	}
	return err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
