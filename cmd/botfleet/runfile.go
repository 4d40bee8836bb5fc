package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// supervisorState is what the run file says about `botfleet serve`.
type supervisorState string

const (
	supervisorRunning supervisorState = "running"
	supervisorStopped supervisorState = "stopped"
	// supervisorStale means a run file was left behind by a supervisor that
	// is no longer alive.
	supervisorStale supervisorState = "stale"
)

// runFile is written by serve while it runs so other commands can find the
// supervisor and its API.
type runFile struct {
	PID       int       `json:"pid"`
	Listen    string    `json:"listen"`
	Home      string    `json:"home"`
	StartedAt time.Time `json:"startedAt"`
}

func writeRunFile(path string, rf runFile) error {
	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run file: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write run file %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write run file %s: %w", path, err)
	}
	return nil
}

func readRunFile(path string) (runFile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from settings
	if err != nil {
		return runFile{}, fmt.Errorf("read run file: %w", err)
	}
	var rf runFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return runFile{}, fmt.Errorf("parse run file %s: %w", path, err)
	}
	if rf.PID <= 0 {
		return runFile{}, fmt.Errorf("run file %s has no pid", path)
	}
	return rf, nil
}

// releaseRunFile removes the run file if it still names pid, so a serve
// that lost a startup race never deletes the winner's file.
func releaseRunFile(path string, pid int) error {
	rf, err := readRunFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if rf.PID != pid {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove run file %s: %w", path, err)
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// inspectSupervisor reads the run file and checks that its process lives.
func inspectSupervisor(path string) (supervisorState, runFile, error) {
	rf, err := readRunFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return supervisorStopped, runFile{}, nil
	case err != nil:
		return supervisorStopped, runFile{}, err
	case processAlive(rf.PID):
		return supervisorRunning, rf, nil
	default:
		return supervisorStale, rf, nil
	}
}

// claimRunFile records rf as the running supervisor. It fails while another
// live process holds the file; a stale file is replaced.
func claimRunFile(path string, rf runFile) error {
	state, cur, err := inspectSupervisor(path)
	if err != nil {
		return fmt.Errorf("%w (remove it if no supervisor is running)", err)
	}
	if state == supervisorRunning && cur.PID != rf.PID {
		return fmt.Errorf("supervisor already running (pid %d, api %s)", cur.PID, cur.Listen)
	}
	return writeRunFile(path, rf)
}

// trapSignals returns a context cancelled by SIGINT or SIGTERM. release
// cancels it and drops the run file held by pid; it may be called more
// than once.
func trapSignals(parent context.Context, runPath string, pid int) (ctx context.Context, release func()) {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			stop()
			_ = releaseRunFile(runPath, pid)
		})
	}
}
