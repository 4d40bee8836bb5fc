package botlog_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"botfleet/pkg/botlog"
	"botfleet/pkg/protocol"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test path
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestWriter_SplitsByClassAndDay(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+5", 5*3600)
	now := time.Date(2026, 3, 9, 20, 30, 0, 0, time.UTC) // 2026-03-10 01:30 in UTC+5
	dir := t.TempDir()

	w, err := botlog.Open(dir, "bot-1", loc, botlog.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if err := w.Write(protocol.ChannelChat, "RECV (CHAT): hello"); err != nil {
		t.Fatalf("Write chat: %v", err)
	}
	if err := w.Write(protocol.ChannelSystem, "RECV (SYSTEM): welcome"); err != nil {
		t.Fatalf("Write system: %v", err)
	}
	if err := w.Write(protocol.ChannelConsole, "Connecting..."); err != nil {
		t.Fatalf("Write console: %v", err)
	}

	chat := readFile(t, filepath.Join(dir, "bot-1", "chat_20260310.log"))
	if !strings.Contains(chat, "[2026-03-10 01:30:00] RECV (CHAT): hello") {
		t.Fatalf("chat file missing timestamped line:\n%s", chat)
	}
	if !strings.Contains(chat, "RECV (SYSTEM): welcome") {
		t.Fatalf("system lines belong in the chat file:\n%s", chat)
	}

	console := readFile(t, filepath.Join(dir, "bot-1", "console_20260310.log"))
	if strings.Contains(console, "RECV") || !strings.Contains(console, "Connecting...") {
		t.Fatalf("unexpected console file:\n%s", console)
	}

	// Next day opens a new file.
	now = now.Add(24 * time.Hour)
	if err := w.Write(protocol.ChannelConsole, "next day"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := readFile(t, filepath.Join(dir, "bot-1", "console_20260311.log")); !strings.Contains(got, "next day") {
		t.Fatalf("expected next-day file, got:\n%s", got)
	}
}

func TestClassFor(t *testing.T) {
	t.Parallel()

	tests := map[protocol.Channel]string{
		protocol.ChannelChat:      botlog.ClassChat,
		protocol.ChannelWhisper:   botlog.ClassChat,
		protocol.ChannelActionBar: botlog.ClassChat,
		protocol.ChannelConsole:   botlog.ClassConsole,
		protocol.ChannelError:     botlog.ClassConsole,
	}
	for ch, want := range tests {
		if got := botlog.ClassFor(ch); got != want {
			t.Errorf("ClassFor(%s) = %s, want %s", ch, got, want)
		}
	}
}
