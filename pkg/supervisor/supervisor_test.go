package supervisor_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"botfleet/pkg/fanout"
	"botfleet/pkg/protocol"
	"botfleet/pkg/supervisor"
)

func TestStart_SendsStartWithConfigAndSettings(t *testing.T) {
	h := newHarness(t, func(c *supervisor.Config) {
		c.Worker = protocol.WorkerSettings{LogsDir: "/var/log/bots", ReconnectDelay: 7000}
	})
	h.mustStart("bot-1")

	waitFor(t, func() bool { return h.launcher.launches() == 1 && h.launcher.last().hasSent(protocol.MsgStart) }, time.Second)
	start := h.launcher.last().sentMessages()[0]
	if start.Start.Bot.ID != "bot-1" || start.Start.Bot.Credential != "hunter2" {
		t.Errorf("START bot = %+v", start.Start.Bot)
	}
	if start.Start.Settings.LogsDir != "/var/log/bots" || start.Start.Settings.ReconnectDelay != 7000 {
		t.Errorf("START settings = %+v", start.Start.Settings)
	}

	st, ok := h.pub.lastStatus("bot-1")
	if !ok || st.State != protocol.StateConnecting {
		t.Errorf("status = %+v, want connecting", st)
	}
	if !h.view("bot-1").Running {
		t.Error("view not running after Start")
	}
}

func TestStart_AlreadyRunningIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.mustStart("bot-1")
	h.mustStart("bot-1")

	if n := h.launcher.launches(); n != 1 {
		t.Errorf("launches = %d, want 1", n)
	}
}

func TestStart_UnknownBot(t *testing.T) {
	h := newHarness(t, nil)
	err := h.sup.Start(h.ctx(), "ghost")
	var nf *protocol.BotNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Start(ghost) err = %v, want BotNotFoundError", err)
	}
}

func TestStart_LaunchFailureReportsOffline(t *testing.T) {
	h := newHarness(t, nil)
	h.launcher.fail = errors.New("exec format error")

	if err := h.sup.Start(h.ctx(), "bot-1"); err == nil {
		t.Fatal("Start succeeded despite launch failure")
	}
	st, _ := h.pub.lastStatus("bot-1")
	if st.State != protocol.StateOffline {
		t.Errorf("status = %+v, want offline", st)
	}
	if h.view("bot-1").Running {
		t.Error("view running after failed launch")
	}
}

func TestStatusUpdate_OnlineStampsLastStartedAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, func(c *supervisor.Config) { c.Now = func() time.Time { return now } })
	h.mustStart("bot-1")
	waitFor(t, func() bool { return h.launcher.launches() == 1 }, time.Second)

	started := now.Add(-time.Second)
	h.launcher.last().emit(protocol.StatusMessage(protocol.BotStatus{
		State: protocol.StateOnline, Message: "Connected.", SessionStartedAt: &started,
	}))

	waitFor(t, func() bool {
		cfg, err := h.store.Get("bot-1")
		return err == nil && cfg.LastStartedAt != nil
	}, time.Second)
	cfg, _ := h.store.Get("bot-1")
	if !cfg.LastStartedAt.Equal(now) {
		t.Errorf("LastStartedAt = %v, want %v", cfg.LastStartedAt, now)
	}
	if !h.pub.has(fanout.EventConfig, "bot-1") {
		t.Error("no bot:configUpdate published")
	}
	v := h.view("bot-1")
	if v.Status.State != protocol.StateOnline || v.Uptime != "1s" {
		t.Errorf("view = %+v, want online with 1s uptime", v)
	}
}

func TestLogAndErrorAreFannedOut(t *testing.T) {
	h := newHarness(t, nil)
	h.mustStart("bot-1")
	waitFor(t, func() bool { return h.launcher.launches() == 1 }, time.Second)

	p := h.launcher.last()
	p.emit(protocol.LogMessage(protocol.ChannelChat, "<bob> hi"))
	p.emit(protocol.ErrorMessage("no active session"))

	waitFor(t, func() bool {
		var chat, sys bool
		for _, ev := range h.pub.all() {
			if ev.Type != fanout.EventLog {
				continue
			}
			if ev.Log.Channel == protocol.ChannelChat && ev.Log.Line == "<bob> hi" {
				chat = true
			}
			if ev.Log.Channel == protocol.ChannelSystem && ev.Log.Line == "[SUPERVISOR] worker error: no active session" {
				sys = true
			}
		}
		return chat && sys
	}, time.Second)
}

func TestExit_CleansUpWithoutRestart(t *testing.T) {
	h := newHarness(t, nil)
	h.mustStart("bot-1")
	waitFor(t, func() bool { return h.launcher.launches() == 1 }, time.Second)

	p := h.launcher.last()
	p.emit(protocol.StatusMessage(protocol.BotStatus{State: protocol.StateOffline, Message: "Reconnect attempts exhausted."}))
	p.emit(protocol.ExitMessage())
	p.exit(nil)

	waitFor(t, func() bool { return !h.view("bot-1").Running }, time.Second)
	time.Sleep(100 * time.Millisecond) // longer than RestartDelay

	if n := h.launcher.launches(); n != 1 {
		t.Errorf("launches = %d, want 1 (no restart after EXIT)", n)
	}
	v := h.view("bot-1")
	if v.Status.Message != "Reconnect attempts exhausted." {
		t.Errorf("status message = %q, want worker's own offline message", v.Status.Message)
	}
	cfg, _ := h.store.Get("bot-1")
	if cfg.LastStoppedAt == nil {
		t.Error("LastStoppedAt not stamped")
	}
}

func TestCrash_RestartsOncePerCrash(t *testing.T) {
	h := newHarness(t, nil)
	h.mustStart("bot-1")
	waitFor(t, func() bool { return h.launcher.launches() == 1 }, time.Second)

	h.launcher.proc(0).exit(errors.New("exit status 2"))
	waitFor(t, func() bool {
		st, _ := h.pub.lastStatus("bot-1")
		return st.Message == "Worker crashed; restarting in 30ms."
	}, time.Second)
	waitFor(t, func() bool { return h.launcher.launches() == 2 }, time.Second)

	time.Sleep(100 * time.Millisecond)
	if n := h.launcher.launches(); n != 2 {
		t.Fatalf("launches = %d after one crash, want 2", n)
	}
	if !h.launcher.proc(1).hasSent(protocol.MsgStart) {
		t.Error("restarted worker got no START")
	}

	// Outer restarts are not capped.
	for i := 1; i < 4; i++ {
		h.launcher.proc(i).exit(errors.New("exit status 2"))
		want := i + 2
		waitFor(t, func() bool { return h.launcher.launches() == want }, time.Second)
	}
	if r := h.view("bot-1").Restarts; r != 4 {
		t.Errorf("Restarts = %d, want 4", r)
	}
}

func TestStop_SendsStopAndWaitsForExit(t *testing.T) {
	h := newHarness(t, nil)
	h.launcher.onSend = exitOnStop
	h.mustStart("bot-1")
	waitFor(t, func() bool { return h.launcher.launches() == 1 }, time.Second)

	if err := h.sup.Stop(h.ctx(), "bot-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, func() bool { return !h.view("bot-1").Running }, time.Second)

	p := h.launcher.last()
	if p.wasKilled() {
		t.Error("cooperative worker was killed")
	}
	if st := h.view("bot-1").Status; st.Message != "Stopped by user." {
		t.Errorf("status = %+v", st)
	}
	time.Sleep(100 * time.Millisecond)
	if n := h.launcher.launches(); n != 1 {
		t.Errorf("launches = %d, want 1 (no restart after stop)", n)
	}
}

func TestStop_KillsAfterGrace(t *testing.T) {
	h := newHarness(t, func(c *supervisor.Config) { c.StopGrace = 40 * time.Millisecond })
	h.mustStart("bot-1")
	waitFor(t, func() bool { return h.launcher.launches() == 1 }, time.Second)

	if err := h.sup.Stop(h.ctx(), "bot-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	p := h.launcher.last()
	waitFor(t, p.wasKilled, time.Second)
	waitFor(t, func() bool { return !h.view("bot-1").Running }, time.Second)

	if st := h.view("bot-1").Status; st.State != protocol.StateOffline || st.Message != "Stopped." {
		t.Errorf("status = %+v, want offline Stopped.", st)
	}
	time.Sleep(100 * time.Millisecond)
	if n := h.launcher.launches(); n != 1 {
		t.Errorf("launches = %d, want 1 (killed worker must not restart)", n)
	}
}

func TestStop_CancelsPendingRestart(t *testing.T) {
	h := newHarness(t, func(c *supervisor.Config) { c.RestartDelay = 150 * time.Millisecond })
	h.mustStart("bot-1")
	waitFor(t, func() bool { return h.launcher.launches() == 1 }, time.Second)

	h.launcher.proc(0).exit(errors.New("exit status 1"))
	waitFor(t, func() bool {
		st, _ := h.pub.lastStatus("bot-1")
		return st.State == protocol.StateOffline
	}, time.Second)

	if err := h.sup.Stop(h.ctx(), "bot-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	if n := h.launcher.launches(); n != 1 {
		t.Errorf("launches = %d, want 1 (restart cancelled)", n)
	}
	if st := h.view("bot-1").Status; st.Message != "Stopped." {
		t.Errorf("status = %+v, want Stopped.", st)
	}
}

func TestStop_NotRunningIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.sup.Stop(h.ctx(), "bot-1"); err != nil {
		t.Errorf("Stop(idle) = %v, want nil", err)
	}
}

func TestSendCommand(t *testing.T) {
	h := newHarness(t, nil)

	err := h.sup.SendCommand(h.ctx(), "bot-1", "/spawn")
	var nr *protocol.BotNotRunningError
	if !errors.As(err, &nr) {
		t.Fatalf("SendCommand(idle) err = %v, want BotNotRunningError", err)
	}
	var nf *protocol.BotNotFoundError
	if err := h.sup.SendCommand(h.ctx(), "ghost", "x"); !errors.As(err, &nf) {
		t.Fatalf("SendCommand(ghost) err = %v, want BotNotFoundError", err)
	}

	h.mustStart("bot-1")
	if err := h.sup.SendCommand(h.ctx(), "bot-1", "/spawn"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if err := h.sup.Login(h.ctx(), "bot-1"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	var texts []string
	for _, m := range h.launcher.last().sentMessages() {
		if m.Type == protocol.MsgCommand {
			texts = append(texts, m.Command.Text)
		}
	}
	if len(texts) != 2 || texts[0] != "/spawn" || texts[1] != "/login hunter2" {
		t.Errorf("commands = %q", texts)
	}

	huge := strings.Repeat("x", protocol.MaxLineBytes)
	if err := h.sup.SendCommand(h.ctx(), "bot-1", huge); !errors.Is(err, protocol.ErrLineTooLong) {
		t.Fatalf("SendCommand(huge) err = %v, want ErrLineTooLong", err)
	}
	if n := len(h.launcher.last().sentMessages()); n != 3 {
		t.Errorf("sent %d messages, want START and two commands", n)
	}
}

func TestAddAndRemove(t *testing.T) {
	h := newHarness(t, func(c *supervisor.Config) { c.NewID = func() string { return "generated" } })
	h.launcher.onSend = exitOnStop

	cfg := testBot("")
	view, err := h.sup.Add(h.ctx(), cfg)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if view.ID != "generated" || !view.HasCredential {
		t.Errorf("view = %+v", view)
	}
	if !h.pub.has(fanout.EventAdded, "generated") {
		t.Error("no bot:added published")
	}

	var invalid *protocol.InvalidConfigError
	if _, err := h.sup.Add(h.ctx(), protocol.BotConfig{ID: "bad"}); !errors.As(err, &invalid) {
		t.Errorf("Add(invalid) err = %v, want InvalidConfigError", err)
	}

	h.mustStart("generated")
	p := h.launcher.last()
	if err := h.sup.Remove(h.ctx(), "generated"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !p.hasSent(protocol.MsgStop) {
		t.Error("running bot not stopped on remove")
	}
	if _, err := h.store.Get("generated"); err == nil {
		t.Error("bot still in store after Remove")
	}
	if !h.pub.has(fanout.EventRemoved, "generated") {
		t.Error("no bot:removed published")
	}
	waitFor(t, func() bool {
		views, _ := h.sup.Snapshot(h.ctx())
		return len(views) == 1
	}, time.Second)
}

func TestShutdown_StopsAllWorkers(t *testing.T) {
	h := newHarness(t, nil)
	h.launcher.onSend = exitOnStop
	if err := h.store.Add(testBot("bot-2")); err != nil {
		t.Fatal(err)
	}
	h.mustStart("bot-1")
	h.mustStart("bot-2")

	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	h.done <- nil // let Cleanup's shutdown return

	for i := 0; i < 2; i++ {
		if !h.launcher.proc(i).hasSent(protocol.MsgStop) {
			t.Errorf("worker %d got no STOP", i)
		}
	}
	if err := h.sup.Start(h.ctx(), "bot-1"); !errors.Is(err, supervisor.ErrStopped) {
		t.Errorf("Start after shutdown = %v, want ErrStopped", err)
	}
}

func TestRefreshPublishesSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.sup.Refresh(h.ctx()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	var found bool
	for _, ev := range h.pub.all() {
		if ev.Type == fanout.EventSnapshot && len(ev.Bots) == 1 && ev.Bots[0].ID == "bot-1" {
			found = true
		}
	}
	if !found {
		t.Error("no bots:list snapshot published")
	}
}
