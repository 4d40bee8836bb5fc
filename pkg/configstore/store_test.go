package configstore_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"botfleet/pkg/configstore"
	"botfleet/pkg/protocol"
)

func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

func bot(id string) protocol.BotConfig {
	return protocol.BotConfig{ID: id, ServerHost: "mc.example.net", ServerPort: 25565, Username: "u-" + id}
}

func openStore(t *testing.T) *configstore.Store {
	t.Helper()
	s, err := configstore.Open(filepath.Join(t.TempDir(), "bots.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestStore_MissingFileIsEmptyFleet(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	if got := s.List(); len(got) != 0 {
		t.Fatalf("expected empty fleet, got %v", got)
	}
}

func TestStore_AddUpdateRemovePersist(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	if err := s.Add(bot("a")); err != nil {
		t.Fatalf("Add a: %v", err)
	}
	if err := s.Add(bot("b")); err != nil {
		t.Fatalf("Add b: %v", err)
	}
	if err := s.Add(bot("a")); !errors.Is(err, configstore.ErrAlreadyExists) {
		t.Fatalf("duplicate Add = %v, want ErrAlreadyExists", err)
	}

	stamp := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	updated, err := s.Update("a", func(c *protocol.BotConfig) { c.LastStartedAt = &stamp })
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.LastStartedAt == nil || !updated.LastStartedAt.Equal(stamp) {
		t.Fatalf("Update returned %+v", updated)
	}

	if err := s.Remove("b"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	reopened, err := configstore.Open(s.Path())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := reopened.List()
	if len(got) != 1 || got[0].ID != "a" || got[0].LastStartedAt == nil {
		t.Fatalf("reopened store = %+v", got)
	}
}

func TestStore_UnknownIDs(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	var nf *protocol.BotNotFoundError

	if _, err := s.Get("nope"); !errors.As(err, &nf) {
		t.Fatalf("Get = %v, want BotNotFoundError", err)
	}
	if _, err := s.Update("nope", func(*protocol.BotConfig) {}); !errors.As(err, &nf) {
		t.Fatalf("Update = %v, want BotNotFoundError", err)
	}
	if err := s.Remove("nope"); !errors.As(err, &nf) {
		t.Fatalf("Remove = %v, want BotNotFoundError", err)
	}
}

func TestStore_AddRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	var invalid *protocol.InvalidConfigError
	if err := s.Add(protocol.BotConfig{ID: "x"}); !errors.As(err, &invalid) {
		t.Fatalf("Add = %v, want InvalidConfigError", err)
	}
}

func TestStore_ConcurrentUpdatesAreNotLost(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	const n = 20
	for i := range n {
		if err := s.Add(bot(fmt.Sprintf("b%02d", i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	// A second handle on the same file simulates another process.
	other, err := configstore.Open(s.Path())
	if err != nil {
		t.Fatalf("Open other: %v", err)
	}

	stamp := time.Now().UTC().Truncate(time.Second)
	var wg sync.WaitGroup
	for i := range n {
		store := s
		if i%2 == 1 {
			store = other
		}
		wg.Go(func() {
			if _, err := store.Update(fmt.Sprintf("b%02d", i), func(c *protocol.BotConfig) {
				c.LastStoppedAt = &stamp
			}); err != nil {
				t.Errorf("Update: %v", err)
			}
		})
	}
	wg.Wait()

	final, err := configstore.Open(s.Path())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	for _, c := range final.List() {
		if c.LastStoppedAt == nil {
			t.Errorf("update for %s was lost", c.ID)
		}
	}
}

func TestStore_OpenRejectsCorruptDocument(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bots.json")
	if err := os.WriteFile(path, []byte("[{oops"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := configstore.Open(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStore_WatchReloadsExternalEdits(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	if err := s.Add(bot("a")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	var changes atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan error, 1)
	go func() { watchDone <- s.Watch(ctx, log, func() { changes.Add(1) }) }()

	// Give the watcher time to register.
	time.Sleep(50 * time.Millisecond)

	// Our own writes must not count as external changes.
	if err := s.Add(bot("b")); err != nil {
		t.Fatalf("Add b: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	if changes.Load() != 0 {
		t.Fatalf("own write triggered %d reloads", changes.Load())
	}

	doc := `[{"id":"z","serverHost":"h","serverPort":1,"username":"zed","autoLogin":false}]`
	if err := os.WriteFile(s.Path(), []byte(doc), 0o600); err != nil {
		t.Fatalf("external write: %v", err)
	}

	waitFor(t, func() bool { return changes.Load() >= 1 }, 2*time.Second)
	got := s.List()
	if len(got) != 1 || got[0].ID != "z" {
		t.Fatalf("store not reloaded: %+v", got)
	}

	cancel()
	if err := <-watchDone; err != nil {
		t.Fatalf("Watch: %v", err)
	}
}
