package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// deadPID is almost certainly not a running process.
const deadPID = 4000000

func TestRunFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("claim then inspect", func(t *testing.T) {
		path := filepath.Join(dir, "claim.json")
		started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		rf := runFile{PID: os.Getpid(), Listen: "127.0.0.1:3999", Home: dir, StartedAt: started}
		if err := claimRunFile(path, rf); err != nil {
			t.Fatalf("claimRunFile: %v", err)
		}

		state, got, err := inspectSupervisor(path)
		if err != nil {
			t.Fatalf("inspectSupervisor: %v", err)
		}
		if state != supervisorRunning || got.Listen != "127.0.0.1:3999" || !got.StartedAt.Equal(started) {
			t.Errorf("inspect = %s %+v", state, got)
		}
		if err := claimRunFile(path, rf); err != nil {
			t.Errorf("re-claim by the same pid: %v", err)
		}
	})

	t.Run("live holder refuses a second claim", func(t *testing.T) {
		path := filepath.Join(dir, "held.json")
		if err := writeRunFile(path, runFile{PID: os.Getpid(), Listen: "127.0.0.1:3000"}); err != nil {
			t.Fatal(err)
		}
		err := claimRunFile(path, runFile{PID: deadPID + 1, Listen: "127.0.0.1:3001"})
		if err == nil || !strings.Contains(err.Error(), "already running") || !strings.Contains(err.Error(), "127.0.0.1:3000") {
			t.Fatalf("claimRunFile = %v, want already running with the holder's api", err)
		}
	})

	t.Run("stale file is replaced", func(t *testing.T) {
		path := filepath.Join(dir, "stale.json")
		if err := writeRunFile(path, runFile{PID: deadPID}); err != nil {
			t.Fatal(err)
		}
		if state, rf, _ := inspectSupervisor(path); state != supervisorStale || rf.PID != deadPID {
			t.Fatalf("inspect = %s pid %d, want stale %d", state, rf.PID, deadPID)
		}
		if err := claimRunFile(path, runFile{PID: os.Getpid()}); err != nil {
			t.Fatalf("claim over stale file: %v", err)
		}
	})

	t.Run("missing and corrupt files", func(t *testing.T) {
		if state, _, err := inspectSupervisor(filepath.Join(dir, "none.json")); err != nil || state != supervisorStopped {
			t.Errorf("missing file = %s, %v", state, err)
		}
		path := filepath.Join(dir, "corrupt.json")
		if err := os.WriteFile(path, []byte("12345"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, _, err := inspectSupervisor(path); err == nil {
			t.Error("expected an error for a corrupt run file")
		}
		if err := claimRunFile(path, runFile{PID: os.Getpid()}); err == nil {
			t.Error("claim should not overwrite a corrupt run file")
		}
	})

	t.Run("release only removes its own file", func(t *testing.T) {
		path := filepath.Join(dir, "other.json")
		if err := writeRunFile(path, runFile{PID: deadPID}); err != nil {
			t.Fatal(err)
		}
		if err := releaseRunFile(path, os.Getpid()); err != nil {
			t.Fatalf("releaseRunFile: %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("another supervisor's run file was removed: %v", err)
		}
		if err := releaseRunFile(filepath.Join(dir, "gone.json"), os.Getpid()); err != nil {
			t.Errorf("release of missing file: %v", err)
		}
	})
}

func TestTrapSignalsRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervisor.json")
	pid := os.Getpid()
	if err := claimRunFile(path, runFile{PID: pid}); err != nil {
		t.Fatal(err)
	}

	ctx, release := trapSignals(context.Background(), path, pid)
	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before release")
	default:
	}

	release()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("release did not cancel the context")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("release should remove the run file")
	}
	release()
}
