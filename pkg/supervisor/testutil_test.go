package supervisor_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"botfleet/pkg/configstore"
	"botfleet/pkg/fanout"
	"botfleet/pkg/protocol"
	"botfleet/pkg/supervisor"
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

// fakeProcess is a scriptable WorkerProcess.
type fakeProcess struct {
	pid  int
	msgs chan protocol.Message

	mu      sync.Mutex
	sent    []protocol.Message
	killed  bool
	onSend  func(p *fakeProcess, msg protocol.Message)
	exitErr error

	exitOnce sync.Once
	exited   chan struct{}
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{
		pid:    pid,
		msgs:   make(chan protocol.Message, 64),
		exited: make(chan struct{}),
	}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Send(msg protocol.Message) error {
	if _, err := protocol.EncodeLine(msg); err != nil {
		return err
	}
	select {
	case <-p.exited:
		return errors.New("worker exited")
	default:
	}
	p.mu.Lock()
	p.sent = append(p.sent, msg)
	onSend := p.onSend
	p.mu.Unlock()
	if onSend != nil {
		onSend(p, msg)
	}
	return nil
}

func (p *fakeProcess) Messages() <-chan protocol.Message { return p.msgs }

func (p *fakeProcess) Wait() error {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(errors.New("signal: killed"))
	return nil
}

// emit delivers a report from the worker.
func (p *fakeProcess) emit(msg protocol.Message) { p.msgs <- msg }

// exit ends the process with err. Only the first call counts.
func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.msgs)
		close(p.exited)
	})
}

func (p *fakeProcess) sentTypes() []protocol.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.MessageType, 0, len(p.sent))
	for _, m := range p.sent {
		out = append(out, m.Type)
	}
	return out
}

func (p *fakeProcess) sentMessages() []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Message(nil), p.sent...)
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProcess) hasSent(typ protocol.MessageType) bool {
	for _, t := range p.sentTypes() {
		if t == typ {
			return true
		}
	}
	return false
}

// exitOnStop makes the process behave like a well-mannered worker: on STOP
// it reports Offline, sends EXIT and ends.
func exitOnStop(p *fakeProcess, msg protocol.Message) {
	if msg.Type != protocol.MsgStop {
		return
	}
	go func() {
		p.emit(protocol.StatusMessage(protocol.BotStatus{State: protocol.StateOffline, Message: "Stopped by user."}))
		p.emit(protocol.ExitMessage())
		p.exit(nil)
	}()
}

// fakeLauncher hands out fakeProcesses.
type fakeLauncher struct {
	mu      sync.Mutex
	procs   []*fakeProcess
	fail    error
	onSend  func(p *fakeProcess, msg protocol.Message)
	nextPID int
}

func (l *fakeLauncher) Launch(_ context.Context, _ string) (supervisor.WorkerProcess, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	l.nextPID++
	p := newFakeProcess(1000 + l.nextPID)
	p.onSend = l.onSend
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []fanout.Event
}

func (r *recordingPublisher) Publish(ev fanout.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) all() []fanout.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fanout.Event(nil), r.events...)
}

func (r *recordingPublisher) lastStatus(botID string) (protocol.BotStatus, bool) {
	evs := r.all()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == fanout.EventStatus && evs[i].BotID == botID {
			return *evs[i].Status, true
		}
	}
	return protocol.BotStatus{}, false
}

func (r *recordingPublisher) has(typ fanout.EventType, botID string) bool {
	for _, ev := range r.all() {
		if ev.Type == typ && ev.BotID == botID {
			return true
		}
	}
	return false
}

func testBot(id string) protocol.BotConfig {
	return protocol.BotConfig{
		ID:         id,
		ServerHost: "play.example.net",
		ServerPort: 25565,
		Username:   "alice",
		Credential: "hunter2",
	}
}

type harness struct {
	t        *testing.T
	store    *configstore.Store
	launcher *fakeLauncher
	pub      *recordingPublisher
	sup      *supervisor.Supervisor
	cancel   context.CancelFunc
	done     chan error
}

func newHarness(t *testing.T, mutate func(*supervisor.Config)) *harness {
	t.Helper()
	store, err := configstore.Open(filepath.Join(t.TempDir(), "bots.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Add(testBot("bot-1")); err != nil {
		t.Fatalf("add bot: %v", err)
	}

	h := &harness{
		t:        t,
		store:    store,
		launcher: &fakeLauncher{},
		pub:      &recordingPublisher{},
		done:     make(chan error, 1),
	}
	cfg := supervisor.Config{
		Store:        store,
		Launcher:     h.launcher,
		Publisher:    h.pub,
		RestartDelay: 30 * time.Millisecond,
		StopGrace:    100 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.sup = supervisor.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.sup.Run(ctx) }()
	t.Cleanup(h.shutdown)
	return h
}

func (h *harness) shutdown() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		h.t.Error("supervisor did not shut down")
	}
}

func (h *harness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	h.t.Cleanup(cancel)
	return ctx
}

func (h *harness) mustStart(id string) {
	h.t.Helper()
	if err := h.sup.Start(h.ctx(), id); err != nil {
		h.t.Fatalf("Start(%s): %v", id, err)
	}
}

func (h *harness) view(id string) protocol.BotView {
	h.t.Helper()
	views, err := h.sup.Snapshot(h.ctx())
	if err != nil {
		h.t.Fatalf("Snapshot: %v", err)
	}
	for _, v := range views {
		if v.ID == id {
			return v
		}
	}
	h.t.Fatalf("bot %s not in snapshot", id)
	return protocol.BotView{}
}
