package worker_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"botfleet/pkg/protocol"
	"botfleet/pkg/session/sessiontest"
	"botfleet/pkg/worker"
)

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond) // short poll inside helper is OK
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

// justWait waits for the full duration without checking any condition.
func justWait(timeout time.Duration) {
	time.Sleep(timeout)
}

// recorder is a worker.Sender that keeps every message.
type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recorder) Send(msg protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) all() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.msgs...)
}

func (r *recorder) statuses() []protocol.StatusPayload {
	var out []protocol.StatusPayload
	for _, m := range r.all() {
		if m.Type == protocol.MsgStatusUpdate {
			out = append(out, *m.Status)
		}
	}
	return out
}

func (r *recorder) lastStatus() protocol.StatusPayload {
	s := r.statuses()
	if len(s) == 0 {
		return protocol.StatusPayload{}
	}
	return s[len(s)-1]
}

func (r *recorder) hasState(state protocol.BotState) bool {
	for _, s := range r.statuses() {
		if s.State == state {
			return true
		}
	}
	return false
}

func (r *recorder) count(typ protocol.MessageType) int {
	n := 0
	for _, m := range r.all() {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) logContains(substr string) bool {
	for _, m := range r.all() {
		if m.Type == protocol.MsgLog && strings.Contains(m.Log.Line, substr) {
			return true
		}
	}
	return false
}

func (r *recorder) errorContains(substr string) bool {
	for _, m := range r.all() {
		if m.Type == protocol.MsgError && strings.Contains(m.Error.Message, substr) {
			return true
		}
	}
	return false
}

// harness runs an Engine against a scripted dialer.
type harness struct {
	t      *testing.T
	dialer *sessiontest.Dialer
	out    *recorder
	in     chan protocol.Message
	done   chan error
	cancel context.CancelFunc
}

func newHarness(t *testing.T, dialer *sessiontest.Dialer, tweak func(*worker.Config)) *harness {
	t.Helper()

	out := &recorder{}
	cfg := worker.Config{
		Dialer:       dialer,
		Out:          out,
		LoginDelay:   5 * time.Millisecond,
		ReloginDelay: 5 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:      t,
		dialer: dialer,
		out:    out,
		in:     make(chan protocol.Message, 8),
		done:   make(chan error, 1),
		cancel: cancel,
	}
	e := worker.New(cfg)
	go func() { h.done <- e.Run(ctx, h.in) }()
	t.Cleanup(cancel)
	return h
}

func testBot() protocol.BotConfig {
	return protocol.BotConfig{
		ID:         "bot-1",
		ServerHost: "play.example.net",
		ServerPort: 25565,
		Username:   "alice",
	}
}

func (h *harness) start(bot protocol.BotConfig, delay time.Duration) {
	h.in <- protocol.StartMessage(bot, protocol.WorkerSettings{ReconnectDelay: delay.Milliseconds()})
}

func (h *harness) waitState(state protocol.BotState) {
	h.t.Helper()
	waitFor(h.t, func() bool { return h.out.lastStatus().State == state }, 2*time.Second)
}

func (h *harness) waitExit() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("engine did not exit")
		return nil
	}
}
